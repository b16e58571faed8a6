package authn

import (
	"time"

	"github.com/rhuss/warden/pkg/credential"
)

// Outcome is the coarse verdict of one authentication attempt.
type Outcome string

const (
	OutcomeSuccess             Outcome = "success"
	OutcomeNoApplicableHandler Outcome = "no_applicable_handler"
	OutcomeAllHandlersFailed   Outcome = "all_handlers_failed"
	OutcomeHandlerFailed       Outcome = "handler_failed"
	OutcomeCancelled           Outcome = "cancelled"
)

// Result is the immutable record of one authentication attempt. It is
// produced by Resolver.Authenticate for every outcome, including failures,
// so that callers can hand it to audit.
type Result struct {
	attemptID  string
	policy     Policy
	kind       credential.Kind
	identifier string
	outcome    Outcome
	handler    string
	satisfied  []string
	principal  *Principal
	failures   []Failure
	startedAt  time.Time
	duration   time.Duration
}

// AttemptID returns the unique identifier of the attempt.
func (r *Result) AttemptID() string { return r.attemptID }

// Policy returns the chain policy the attempt ran under.
func (r *Result) Policy() Policy { return r.policy }

// CredentialKind returns the discriminator of the presented credential.
func (r *Result) CredentialKind() credential.Kind { return r.kind }

// Identifier returns the non-secret credential label, if any.
func (r *Result) Identifier() string { return r.identifier }

func (r *Result) Outcome() Outcome { return r.outcome }

// Success reports whether the credential was accepted.
func (r *Result) Success() bool { return r.outcome == OutcomeSuccess }

// Handler returns the name of the handler that accepted the credential
// under the first-success policy. Under all-must-succeed it returns the
// first satisfied handler.
func (r *Result) Handler() string { return r.handler }

// Satisfied returns the names of the handlers that accepted the credential,
// in try order.
func (r *Result) Satisfied() []string {
	if len(r.satisfied) == 0 {
		return nil
	}
	out := make([]string, len(r.satisfied))
	copy(out, r.satisfied)
	return out
}

// Principal returns a copy of the authenticated principal, or nil.
func (r *Result) Principal() *Principal { return r.principal.Clone() }

// Failures returns the recorded handler failures in try order.
func (r *Result) Failures() []Failure {
	if len(r.failures) == 0 {
		return nil
	}
	out := make([]Failure, len(r.failures))
	copy(out, r.failures)
	return out
}

func (r *Result) StartedAt() time.Time    { return r.startedAt }
func (r *Result) Duration() time.Duration { return r.duration }

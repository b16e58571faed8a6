package authn

import (
	"errors"
	"fmt"
	"strings"
)

// ReasonCode is a machine-readable reason for a handler rejecting a
// credential. The set is closed and safe to expose outside the process.
type ReasonCode string

const (
	ReasonInvalidSecret         ReasonCode = "invalid_secret"
	ReasonSourceUnavailable     ReasonCode = "source_unavailable"
	ReasonTimeout               ReasonCode = "timeout"
	ReasonMalformedCredential   ReasonCode = "malformed_credential"
	ReasonExpired               ReasonCode = "expired"
	ReasonRevoked               ReasonCode = "revoked"
	ReasonUnsupportedCredential ReasonCode = "unsupported_credential"
	ReasonThrottled             ReasonCode = "throttled"
	ReasonInternal              ReasonCode = "internal"
)

// Valid reports whether r is one of the defined reason codes.
func (r ReasonCode) Valid() bool {
	switch r {
	case ReasonInvalidSecret, ReasonSourceUnavailable, ReasonTimeout,
		ReasonMalformedCredential, ReasonExpired, ReasonRevoked,
		ReasonUnsupportedCredential, ReasonThrottled, ReasonInternal:
		return true
	}
	return false
}

// Sentinel errors returned by Resolver.Authenticate.
var (
	// ErrNoApplicableHandler means no registered handler supports the
	// credential. An empty registry reports the same error.
	ErrNoApplicableHandler = errors.New("no applicable authentication handler")

	// ErrAllHandlersFailed matches *AllHandlersFailedError.
	ErrAllHandlersFailed = errors.New("all authentication handlers failed")

	// ErrHandlerFailure matches *Failure.
	ErrHandlerFailure = errors.New("authentication handler failed")

	// ErrCancelled means the caller abandoned the attempt before a verdict.
	ErrCancelled = errors.New("authentication cancelled")
)

// Failure records one handler rejecting a credential.
//
// Handlers create failures with Reject; the resolver re-issues them with the
// handler name filled in. The underlying cause is kept for server-side audit
// and is deliberately absent from Error and Unwrap.
type Failure struct {
	Handler string
	Reason  ReasonCode
	cause   error
}

// Reject builds the error a handler returns when a credential is not valid.
// cause may be nil.
func Reject(reason ReasonCode, cause error) *Failure {
	return &Failure{Reason: reason, cause: cause}
}

// Cause returns the internal error behind the failure, if any. It must not
// be shown to end users.
func (f *Failure) Cause() error { return f.cause }

func (f *Failure) Error() string {
	if f.Handler == "" {
		return fmt.Sprintf("credential rejected: %s", f.Reason)
	}
	return fmt.Sprintf("handler %q rejected credential: %s", f.Handler, f.Reason)
}

// Is makes errors.Is(err, ErrHandlerFailure) true for any *Failure.
func (f *Failure) Is(target error) bool {
	return target == ErrHandlerFailure
}

// AllHandlersFailedError is returned under the first-success policy when
// every applicable handler rejected the credential.
type AllHandlersFailedError struct {
	// Failures are ordered by try order.
	Failures []Failure
}

func (e *AllHandlersFailedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Handler+"="+string(f.Reason))
	}
	return fmt.Sprintf("%s: %s", ErrAllHandlersFailed, strings.Join(parts, ", "))
}

func (e *AllHandlersFailedError) Is(target error) bool {
	return target == ErrAllHandlersFailed
}

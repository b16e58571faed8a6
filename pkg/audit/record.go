package audit

import (
	"time"

	"github.com/rhuss/warden/pkg/authn"
)

// Record is the persisted form of one authentication attempt. It carries
// reason codes only, never raw handler errors or secrets.
type Record struct {
	AttemptID      string          `json:"attempt_id"`
	Time           time.Time       `json:"time"`
	Policy         string          `json:"policy"`
	CredentialKind string          `json:"credential_kind"`
	Identifier     string          `json:"identifier,omitempty"`
	Outcome        string          `json:"outcome"`
	Handler        string          `json:"handler,omitempty"`
	PrincipalID    string          `json:"principal_id,omitempty"`
	Satisfied      []string        `json:"satisfied,omitempty"`
	Failures       []FailureRecord `json:"failures,omitempty"`
	Duration       time.Duration   `json:"duration"`
}

// FailureRecord is one handler's rejection.
type FailureRecord struct {
	Handler string `json:"handler"`
	Reason  string `json:"reason"`
}

// FromResult flattens a result into a record.
func FromResult(res *authn.Result) Record {
	rec := Record{
		AttemptID:      res.AttemptID(),
		Time:           res.StartedAt().UTC(),
		Policy:         string(res.Policy()),
		CredentialKind: string(res.CredentialKind()),
		Identifier:     res.Identifier(),
		Outcome:        string(res.Outcome()),
		Handler:        res.Handler(),
		Satisfied:      res.Satisfied(),
		Duration:       res.Duration(),
	}
	if p := res.Principal(); p != nil {
		rec.PrincipalID = p.ID
	}
	for _, f := range res.Failures() {
		rec.Failures = append(rec.Failures, FailureRecord{
			Handler: f.Handler,
			Reason:  string(f.Reason),
		})
	}
	return rec
}

// Success reports whether the attempt was accepted.
func (r Record) Success() bool { return r.Outcome == string(authn.OutcomeSuccess) }

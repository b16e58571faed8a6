package audit

import (
	"context"
	"time"
)

// Store persists audit records.
type Store interface {
	// Save stores a record. It returns ErrConflict if the attempt ID exists.
	Save(ctx context.Context, rec Record) error

	// Get returns the record for an attempt ID or ErrNotFound.
	Get(ctx context.Context, attemptID string) (*Record, error)

	// List returns matching records, newest first.
	List(ctx context.Context, f Filter) ([]Record, error)

	Close() error
}

// Filter selects records in List. Zero fields match everything.
type Filter struct {
	Identifier string
	Outcome    string
	Since      time.Time

	// Limit caps the number of records (default 20, maximum 100).
	Limit int
}

// Matches reports whether rec passes the filter.
func (f Filter) Matches(rec Record) bool {
	if f.Identifier != "" && rec.Identifier != f.Identifier {
		return false
	}
	if f.Outcome != "" && rec.Outcome != f.Outcome {
		return false
	}
	if !f.Since.IsZero() && rec.Time.Before(f.Since) {
		return false
	}
	return true
}

// EffectiveLimit applies the default and maximum to Limit.
func (f Filter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return 20
	case f.Limit > 100:
		return 100
	default:
		return f.Limit
	}
}

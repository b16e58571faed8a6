package authn

import (
	"context"
	"maps"
	"strings"

	"github.com/rhuss/warden/pkg/credential"
)

// Handler validates one category of credential against a backing identity
// source.
type Handler interface {
	// Name returns a stable, non-empty identifier used for audit records.
	Name() string

	// Supports reports whether the handler can validate cred. It must be
	// fast, free of side effects and I/O, and return false for any kind it
	// does not recognize.
	Supports(cred credential.Credential) bool

	// Authenticate validates cred. It is only called after Supports returned
	// true. On success it returns the authenticated principal. On any
	// rejection it returns a non-nil error, normally built with Reject.
	Authenticate(ctx context.Context, cred credential.Credential) (*Principal, error)
}

// Principal is the identity a handler resolved from a valid credential.
type Principal struct {
	// ID is the unique identifier within the handler's identity source.
	ID string

	// Attributes carries source-specific data such as a tenant or the
	// directory DN.
	Attributes map[string]string
}

// Clone returns a deep copy of p.
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	return &Principal{ID: p.ID, Attributes: maps.Clone(p.Attributes)}
}

// NameOrDefault returns the configured handler name, or fallback when the
// configured name is blank. Handler constructors call it once.
func NameOrDefault(configured, fallback string) string {
	if name := strings.TrimSpace(configured); name != "" {
		return name
	}
	return fallback
}

// Auditor receives every finished authentication attempt. Implementations
// live outside this package (logging, metrics, persistence). Record is
// called with a context that is not cancelled by the caller.
type Auditor interface {
	Record(ctx context.Context, result *Result)
}

// AuditorFunc adapts a function to the Auditor interface.
type AuditorFunc func(ctx context.Context, result *Result)

func (f AuditorFunc) Record(ctx context.Context, result *Result) {
	f(ctx, result)
}

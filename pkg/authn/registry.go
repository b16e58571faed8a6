package authn

import (
	"errors"
	"fmt"

	"github.com/rhuss/warden/pkg/credential"
)

// Registry is an ordered, immutable collection of handlers. Order is the try
// order of the resolver and the only tie-break between handlers that
// support the same credential.
type Registry struct {
	handlers []Handler
}

// NewRegistry builds a registry from handlers in the given order. Every
// handler must be non-nil and carry a unique, non-empty name.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	var errs []error
	seen := make(map[string]int, len(handlers))

	for i, h := range handlers {
		if h == nil {
			errs = append(errs, fmt.Errorf("handler %d is nil", i))
			continue
		}
		name := h.Name()
		if name == "" {
			errs = append(errs, fmt.Errorf("handler %d has an empty name", i))
			continue
		}
		if prev, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("handler %d: name %q already used by handler %d", i, name, prev))
			continue
		}
		seen[name] = i
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	hs := make([]Handler, len(handlers))
	copy(hs, handlers)
	return &Registry{handlers: hs}, nil
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	return len(r.handlers)
}

// Handlers returns a copy of the handlers in registry order.
func (r *Registry) Handlers() []Handler {
	out := make([]Handler, len(r.handlers))
	copy(out, r.handlers)
	return out
}

// Names returns handler names in registry order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.handlers))
	for i, h := range r.handlers {
		names[i] = h.Name()
	}
	return names
}

// Applicable returns, in registry order, the handlers whose Supports
// predicate accepts cred.
func (r *Registry) Applicable(cred credential.Credential) []Handler {
	var out []Handler
	for _, h := range r.handlers {
		if h.Supports(cred) {
			out = append(out, h)
		}
	}
	return out
}

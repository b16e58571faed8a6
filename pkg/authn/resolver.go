package authn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/rhuss/warden/pkg/credential"
)

// Policy selects how the outcomes of several applicable handlers combine
// into one verdict.
type Policy string

const (
	// PolicyFirstSuccess tries applicable handlers in registry order and
	// accepts the credential on the first success. Failures are recorded and
	// the chain continues.
	PolicyFirstSuccess Policy = "first-success"

	// PolicyAllMustSucceed requires every applicable handler to accept the
	// credential. The first failure ends the attempt.
	PolicyAllMustSucceed Policy = "all-must-succeed"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	return p == PolicyFirstSuccess || p == PolicyAllMustSucceed
}

// ParsePolicy converts a configuration string into a Policy. An empty
// string selects PolicyFirstSuccess.
func ParsePolicy(s string) (Policy, error) {
	if s == "" {
		return PolicyFirstSuccess, nil
	}
	p := Policy(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown chain policy %q", s)
	}
	return p, nil
}

// ResolverConfig holds the resolver settings.
type ResolverConfig struct {
	// Policy is the chain policy. Default: PolicyFirstSuccess.
	Policy Policy

	// HandlerTimeout bounds each handler invocation. Zero disables the bound;
	// the caller's context still applies.
	HandlerTimeout time.Duration

	// Auditor, if set, receives every finished attempt.
	Auditor Auditor
}

func (c *ResolverConfig) applyDefaults() {
	if c.Policy == "" {
		c.Policy = PolicyFirstSuccess
	}
}

// Resolver authenticates credentials against a registry under a chain
// policy. It holds no mutable state and is safe for concurrent use.
type Resolver struct {
	registry *Registry
	config   ResolverConfig
}

// NewResolver creates a resolver over reg.
func NewResolver(reg *Registry, cfg ResolverConfig) (*Resolver, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	cfg.applyDefaults()
	if !cfg.Policy.Valid() {
		return nil, fmt.Errorf("unknown chain policy %q", cfg.Policy)
	}
	if cfg.HandlerTimeout < 0 {
		return nil, fmt.Errorf("handler timeout must be >= 0, got %s", cfg.HandlerTimeout)
	}
	return &Resolver{registry: reg, config: cfg}, nil
}

// Policy returns the configured chain policy.
func (r *Resolver) Policy() Policy { return r.config.Policy }

// Registry returns the registry the resolver draws handlers from.
func (r *Resolver) Registry() *Registry { return r.registry }

// Authenticate runs one authentication attempt for cred.
//
// The returned Result is never nil. The error is nil on success and
// otherwise one of:
//   - ErrNoApplicableHandler: no handler supports cred
//   - *AllHandlersFailedError: first-success policy, every handler failed
//   - *Failure: all-must-succeed policy, the first failing handler
//   - ErrCancelled: ctx ended before a verdict
func (r *Resolver) Authenticate(ctx context.Context, cred credential.Credential) (*Result, error) {
	res := &Result{
		attemptID: uuid.NewString(),
		policy:    r.config.Policy,
		startedAt: time.Now(),
	}
	if cred != nil {
		res.kind = cred.Kind()
		res.identifier = cred.Identifier()
	}

	var err error
	switch r.config.Policy {
	case PolicyAllMustSucceed:
		err = r.allMustSucceed(ctx, cred, res)
	default:
		err = r.firstSuccess(ctx, cred, res)
	}
	res.duration = time.Since(res.startedAt)

	if r.config.Auditor != nil {
		r.config.Auditor.Record(context.WithoutCancel(ctx), res)
	}
	return res, err
}

func (r *Resolver) applicable(cred credential.Credential) []Handler {
	if cred == nil {
		return nil
	}
	return r.registry.Applicable(cred)
}

func (r *Resolver) firstSuccess(ctx context.Context, cred credential.Credential, res *Result) error {
	handlers := r.applicable(cred)
	if len(handlers) == 0 {
		res.outcome = OutcomeNoApplicableHandler
		return ErrNoApplicableHandler
	}

	for _, h := range handlers {
		principal, failure, err := r.invoke(ctx, h, cred)
		if err != nil {
			res.outcome = OutcomeCancelled
			return err
		}
		if failure != nil {
			res.failures = append(res.failures, *failure)
			continue
		}

		res.outcome = OutcomeSuccess
		res.handler = h.Name()
		res.satisfied = []string{h.Name()}
		res.principal = principal
		return nil
	}

	res.outcome = OutcomeAllHandlersFailed
	return &AllHandlersFailedError{Failures: res.Failures()}
}

func (r *Resolver) allMustSucceed(ctx context.Context, cred credential.Credential, res *Result) error {
	handlers := r.applicable(cred)
	if len(handlers) == 0 {
		res.outcome = OutcomeNoApplicableHandler
		return ErrNoApplicableHandler
	}

	var principal *Principal
	for _, h := range handlers {
		p, failure, err := r.invoke(ctx, h, cred)
		if err != nil {
			res.outcome = OutcomeCancelled
			return err
		}
		if failure != nil {
			// Remaining handlers are never invoked.
			res.outcome = OutcomeHandlerFailed
			res.failures = []Failure{*failure}
			return failure
		}

		res.satisfied = append(res.satisfied, h.Name())
		principal = mergePrincipal(principal, p)
	}

	res.outcome = OutcomeSuccess
	res.handler = res.satisfied[0]
	res.principal = principal
	return nil
}

// mergePrincipal keeps the first principal's ID and adds attributes from
// later factors without overwriting existing keys.
func mergePrincipal(into, from *Principal) *Principal {
	if into == nil {
		return from
	}
	for k, v := range from.Attributes {
		if into.Attributes == nil {
			into.Attributes = make(map[string]string)
		}
		if _, ok := into.Attributes[k]; !ok {
			into.Attributes[k] = v
		}
	}
	return into
}

type invocation struct {
	principal *Principal
	err       error
}

// invoke runs one handler under the per-handler timeout. It returns
// ErrCancelled when the caller's context ends first; in that case no
// failure is recorded for h.
func (r *Resolver) invoke(ctx context.Context, h Handler, cred credential.Credential) (*Principal, *Failure, error) {
	if ctx.Err() != nil {
		return nil, nil, ErrCancelled
	}

	hctx, cancel := ctx, context.CancelFunc(func() {})
	if r.config.HandlerTimeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, r.config.HandlerTimeout)
	}
	defer cancel()

	// Buffered so an abandoned handler can still finish and exit.
	done := make(chan invocation, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- invocation{err: fmt.Errorf("handler panic: %v", p)}
			}
		}()
		principal, err := h.Authenticate(hctx, cred)
		done <- invocation{principal: principal, err: err}
	}()

	var inv invocation
	select {
	case inv = <-done:
	case <-hctx.Done():
		select {
		case inv = <-done:
		default:
			if ctx.Err() != nil {
				return nil, nil, ErrCancelled
			}
			return nil, &Failure{Handler: h.Name(), Reason: ReasonTimeout, cause: hctx.Err()}, nil
		}
	}

	if inv.err == nil {
		if inv.principal == nil {
			return &Principal{ID: cred.Identifier()}, nil, nil
		}
		return inv.principal.Clone(), nil, nil
	}
	if ctx.Err() != nil {
		return nil, nil, ErrCancelled
	}
	return nil, sanitize(h.Name(), inv.err), nil
}

// sanitize converts any handler error into a Failure with a reason from the
// closed set. The raw error is kept only as the failure's cause.
func sanitize(handler string, err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		reason := f.Reason
		if !reason.Valid() {
			reason = ReasonInternal
		}
		return &Failure{Handler: handler, Reason: reason, cause: f.cause}
	}

	reason := ReasonInternal
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		reason = ReasonTimeout
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			reason = ReasonTimeout
		} else {
			reason = ReasonSourceUnavailable
		}
	}
	return &Failure{Handler: handler, Reason: reason, cause: err}
}

// Package throttle wraps a handler with per-identifier failure throttling.
//
// After MaxFailures invalid secrets for the same credential identifier
// within Window, further attempts for that identifier are rejected with
// ReasonThrottled without reaching the wrapped handler. A successful
// attempt clears the count. Attempts in flight count against the limit:
// once failures plus in-flight attempts reach MaxFailures, further attempts
// wait for one to finish, so concurrent guesses cannot overrun it.
// Credentials without an identifier (bearer tokens) are never throttled.
package throttle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rhuss/warden/pkg/authn"
	"github.com/rhuss/warden/pkg/credential"
	"github.com/rhuss/warden/pkg/debug"
	"github.com/rhuss/warden/pkg/observability"
)

var errAborted = errors.New("attempt aborted")

// sweepThreshold is the number of tracked identifiers above which expired
// windows are pruned.
const sweepThreshold = 1024

// Config holds throttle settings.
type Config struct {
	// MaxFailures is the number of failures tolerated within Window. Zero
	// or negative disables throttling.
	MaxFailures int

	// Window is the fixed window over which failures are counted. Default: 5 minutes.
	Window time.Duration

	// Now overrides the clock (useful for testing).
	Now func() time.Time
}

// Handler is a throttling decorator around another handler.
type Handler struct {
	inner       authn.Handler
	maxFailures int
	window      time.Duration
	now         func() time.Time

	mu       sync.Mutex
	counters map[string]*counter
}

type counter struct {
	failures int
	pending  int
	windowAt time.Time

	// released is closed and replaced whenever an in-flight attempt ends.
	released chan struct{}
}

var _ authn.Handler = (*Handler)(nil)

// Wrap returns inner decorated with failure throttling.
func Wrap(inner authn.Handler, cfg Config) *Handler {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Handler{
		inner:       inner,
		maxFailures: cfg.MaxFailures,
		window:      cfg.Window,
		now:         cfg.Now,
		counters:    make(map[string]*counter),
	}
}

// Name returns the wrapped handler's name.
func (h *Handler) Name() string { return h.inner.Name() }

func (h *Handler) Supports(cred credential.Credential) bool { return h.inner.Supports(cred) }

func (h *Handler) Authenticate(ctx context.Context, cred credential.Credential) (p *authn.Principal, err error) {
	key, tracked := h.key(cred)
	if !tracked {
		return h.inner.Authenticate(ctx, cred)
	}

	ok, err := h.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		debug.Log("throttle", "attempt throttled", "handler", h.Name(), "identifier", cred.Identifier())
		observability.ThrottleRejectedTotal.WithLabelValues(h.Name()).Inc()
		return nil, authn.Reject(authn.ReasonThrottled, nil)
	}

	// err stays errAborted if the wrapped handler panics.
	err = errAborted
	defer func() { h.release(key, err) }()
	return h.inner.Authenticate(ctx, cred)
}

func (h *Handler) key(cred credential.Credential) (string, bool) {
	if h.maxFailures <= 0 || cred == nil || cred.Identifier() == "" {
		return "", false
	}
	return string(cred.Kind()) + ":" + cred.Identifier(), true
}

func isInvalidSecret(err error) bool {
	var f *authn.Failure
	return errors.As(err, &f) && f.Reason == authn.ReasonInvalidSecret
}

// acquire reserves an attempt slot for key. It reports false once the
// recorded failures reach the limit, and waits while in-flight attempts
// fill the remaining budget.
func (h *Handler) acquire(ctx context.Context, key string) (bool, error) {
	for {
		h.mu.Lock()
		now := h.now()
		c, ok := h.counters[key]
		if !ok {
			if len(h.counters) >= sweepThreshold {
				h.sweep(now)
			}
			c = &counter{released: make(chan struct{})}
			h.counters[key] = c
		}
		h.expire(c, now)
		if c.failures >= h.maxFailures {
			h.mu.Unlock()
			return false, nil
		}
		if c.failures+c.pending < h.maxFailures {
			c.pending++
			h.mu.Unlock()
			return true, nil
		}
		wait := c.released
		h.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// release returns the slot taken by acquire. An invalid secret becomes a
// recorded failure; a success clears the count.
func (h *Handler) release(key string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.counters[key]
	if !ok {
		return
	}
	c.pending--
	close(c.released)
	c.released = make(chan struct{})
	switch {
	case err == nil:
		c.failures = 0
	case isInvalidSecret(err):
		now := h.now()
		h.expire(c, now)
		if c.failures == 0 {
			c.windowAt = now
		}
		c.failures++
	}
	if c.failures == 0 && c.pending <= 0 {
		delete(h.counters, key)
	}
}

// expire clears failures whose window has passed.
func (h *Handler) expire(c *counter, now time.Time) {
	if c.failures > 0 && now.Sub(c.windowAt) >= h.window {
		c.failures = 0
	}
}

// sweep drops idle counters. Must be called with the lock held.
func (h *Handler) sweep(now time.Time) {
	for k, c := range h.counters {
		h.expire(c, now)
		if c.failures == 0 && c.pending <= 0 {
			delete(h.counters, k)
		}
	}
}

package authn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/rhuss/warden/pkg/credential"
)

// mockHandler is a test handler with configurable behavior.
type mockHandler struct {
	name  string
	kinds []credential.Kind
	fn    func(ctx context.Context, cred credential.Credential) (*Principal, error)
	calls atomic.Int32
}

func (m *mockHandler) Name() string { return m.name }

func (m *mockHandler) Supports(cred credential.Credential) bool {
	for _, k := range m.kinds {
		if cred.Kind() == k {
			return true
		}
	}
	return false
}

func (m *mockHandler) Authenticate(ctx context.Context, cred credential.Credential) (*Principal, error) {
	m.calls.Add(1)
	return m.fn(ctx, cred)
}

// passwordHandler accepts username/password credentials whose password
// equals secret.
func passwordHandler(name, secret string) *mockHandler {
	return &mockHandler{
		name:  name,
		kinds: []credential.Kind{credential.KindUsernamePassword},
		fn: func(_ context.Context, cred credential.Credential) (*Principal, error) {
			up := cred.(credential.UsernamePassword)
			if up.Password() != secret {
				return nil, Reject(ReasonInvalidSecret, nil)
			}
			return &Principal{ID: up.Username(), Attributes: map[string]string{"source": name}}, nil
		},
	}
}

func certHandler(name string) *mockHandler {
	return &mockHandler{
		name:  name,
		kinds: []credential.Kind{credential.KindCertificate},
		fn: func(context.Context, credential.Credential) (*Principal, error) {
			return &Principal{ID: "cert-user"}, nil
		},
	}
}

func newResolver(t *testing.T, cfg ResolverConfig, handlers ...Handler) *Resolver {
	t.Helper()
	reg, err := NewRegistry(handlers...)
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}
	r, err := NewResolver(reg, cfg)
	if err != nil {
		t.Fatalf("NewResolver() error: %v", err)
	}
	return r
}

var ignoreCause = cmpopts.IgnoreUnexported(Failure{})

func TestResolver_WrongThenRightPassword(t *testing.T) {
	a := passwordHandler("A", "never")
	b := passwordHandler("B", "right")
	r := newResolver(t, ResolverConfig{}, a, b)

	res, err := r.Authenticate(context.Background(), credential.NewUsernamePassword("u", "wrong"))

	var all *AllHandlersFailedError
	if !errors.As(err, &all) {
		t.Fatalf("err = %v, want *AllHandlersFailedError", err)
	}
	if !errors.Is(err, ErrAllHandlersFailed) {
		t.Error("errors.Is(err, ErrAllHandlersFailed) = false")
	}
	want := []Failure{
		{Handler: "A", Reason: ReasonInvalidSecret},
		{Handler: "B", Reason: ReasonInvalidSecret},
	}
	if diff := cmp.Diff(want, all.Failures, ignoreCause); diff != "" {
		t.Errorf("failures mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, res.Failures(), ignoreCause); diff != "" {
		t.Errorf("result failures mismatch (-want +got):\n%s", diff)
	}
	if res.Outcome() != OutcomeAllHandlersFailed {
		t.Errorf("Outcome = %q, want %q", res.Outcome(), OutcomeAllHandlersFailed)
	}

	res, err = r.Authenticate(context.Background(), credential.NewUsernamePassword("u", "right"))
	if err != nil {
		t.Fatalf("second attempt error: %v", err)
	}
	if !res.Success() {
		t.Error("Success = false, want true")
	}
	if res.Handler() != "B" {
		t.Errorf("Handler = %q, want %q", res.Handler(), "B")
	}
	if res.Principal().ID != "u" {
		t.Errorf("Principal.ID = %q, want %q", res.Principal().ID, "u")
	}
	if diff := cmp.Diff([]Failure{{Handler: "A", Reason: ReasonInvalidSecret}}, res.Failures(), ignoreCause); diff != "" {
		t.Errorf("failures before success mismatch (-want +got):\n%s", diff)
	}
}

func TestResolver_EmptyRegistry(t *testing.T) {
	for _, policy := range []Policy{PolicyFirstSuccess, PolicyAllMustSucceed} {
		t.Run(string(policy), func(t *testing.T) {
			r := newResolver(t, ResolverConfig{Policy: policy})

			res, err := r.Authenticate(context.Background(), credential.NewUsernamePassword("u", "p"))
			if !errors.Is(err, ErrNoApplicableHandler) {
				t.Fatalf("err = %v, want ErrNoApplicableHandler", err)
			}
			if res.Outcome() != OutcomeNoApplicableHandler {
				t.Errorf("Outcome = %q, want %q", res.Outcome(), OutcomeNoApplicableHandler)
			}
		})
	}
}

func TestResolver_NoHandlerSupports(t *testing.T) {
	a := certHandler("A")
	r := newResolver(t, ResolverConfig{}, a)

	_, err := r.Authenticate(context.Background(), credential.NewUsernamePassword("u", "p"))
	if !errors.Is(err, ErrNoApplicableHandler) {
		t.Fatalf("err = %v, want ErrNoApplicableHandler", err)
	}
	if n := a.calls.Load(); n != 0 {
		t.Errorf("cert handler invoked %d times, want 0", n)
	}

	// Indistinguishable from the empty registry.
	empty := newResolver(t, ResolverConfig{})
	_, emptyErr := empty.Authenticate(context.Background(), credential.NewUsernamePassword("u", "p"))
	if err.Error() != emptyErr.Error() {
		t.Errorf("error %q differs from empty registry error %q", err, emptyErr)
	}
}

func TestResolver_NilCredential(t *testing.T) {
	r := newResolver(t, ResolverConfig{}, passwordHandler("A", "x"))

	res, err := r.Authenticate(context.Background(), nil)
	if !errors.Is(err, ErrNoApplicableHandler) {
		t.Fatalf("err = %v, want ErrNoApplicableHandler", err)
	}
	if res == nil {
		t.Fatal("result is nil")
	}
}

func TestResolver_FirstSuccessStopsAtWinner(t *testing.T) {
	a := passwordHandler("A", "nope")
	b := passwordHandler("B", "pw")
	c := passwordHandler("C", "pw")
	r := newResolver(t, ResolverConfig{}, a, b, c)

	res, err := r.Authenticate(context.Background(), credential.NewUsernamePassword("u", "pw"))
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if res.Handler() != "B" {
		t.Errorf("Handler = %q, want %q", res.Handler(), "B")
	}
	if n := a.calls.Load(); n != 1 {
		t.Errorf("A invoked %d times, want 1", n)
	}
	if n := c.calls.Load(); n != 0 {
		t.Errorf("C invoked %d times after winner, want 0", n)
	}
}

func TestResolver_SkipsUnsupportedHandlers(t *testing.T) {
	cert := certHandler("cert")
	pw := passwordHandler("pw", "secret")
	r := newResolver(t, ResolverConfig{}, cert, pw)

	res, err := r.Authenticate(context.Background(), credential.NewUsernamePassword("u", "secret"))
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if res.Handler() != "pw" {
		t.Errorf("Handler = %q, want %q", res.Handler(), "pw")
	}
	if len(res.Failures()) != 0 {
		t.Errorf("Failures = %v, want none (unsupported handlers are not failures)", res.Failures())
	}
	if n := cert.calls.Load(); n != 0 {
		t.Errorf("cert handler invoked %d times, want 0", n)
	}
}

func TestResolver_Deterministic(t *testing.T) {
	r := newResolver(t, ResolverConfig{},
		passwordHandler("A", "x"),
		passwordHandler("B", "pw"),
		passwordHandler("C", "pw"),
	)
	cred := credential.NewUsernamePassword("u", "pw")

	first, err := r.Authenticate(context.Background(), cred)
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	for i := 0; i < 20; i++ {
		res, err := r.Authenticate(context.Background(), cred)
		if err != nil {
			t.Fatalf("run %d: error: %v", i, err)
		}
		if res.Handler() != first.Handler() {
			t.Errorf("run %d: Handler = %q, want %q", i, res.Handler(), first.Handler())
		}
		if diff := cmp.Diff(first.Failures(), res.Failures(), ignoreCause); diff != "" {
			t.Errorf("run %d: failures mismatch (-first +got):\n%s", i, diff)
		}
	}
}

func TestResolver_AllMustSucceed(t *testing.T) {
	a := passwordHandler("A", "pw")
	b := &mockHandler{
		name:  "B",
		kinds: []credential.Kind{credential.KindUsernamePassword},
		fn: func(context.Context, credential.Credential) (*Principal, error) {
			return &Principal{ID: "other", Attributes: map[string]string{"source": "B", "otp": "ok"}}, nil
		},
	}
	r := newResolver(t, ResolverConfig{Policy: PolicyAllMustSucceed}, a, b)

	res, err := r.Authenticate(context.Background(), credential.NewUsernamePassword("u", "pw"))
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if diff := cmp.Diff([]string{"A", "B"}, res.Satisfied()); diff != "" {
		t.Errorf("Satisfied mismatch (-want +got):\n%s", diff)
	}
	p := res.Principal()
	if p.ID != "u" {
		t.Errorf("Principal.ID = %q, want first factor's %q", p.ID, "u")
	}
	want := map[string]string{"source": "A", "otp": "ok"}
	if diff := cmp.Diff(want, p.Attributes); diff != "" {
		t.Errorf("Attributes mismatch (-want +got):\n%s", diff)
	}
}

func TestResolver_AllMustSucceedShortCircuits(t *testing.T) {
	a := passwordHandler("A", "pw")
	b := passwordHandler("B", "other")
	c := passwordHandler("C", "pw")
	r := newResolver(t, ResolverConfig{Policy: PolicyAllMustSucceed}, a, b, c)

	res, err := r.Authenticate(context.Background(), credential.NewUsernamePassword("u", "pw"))

	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("err = %v, want *Failure", err)
	}
	if !errors.Is(err, ErrHandlerFailure) {
		t.Error("errors.Is(err, ErrHandlerFailure) = false")
	}
	if f.Handler != "B" || f.Reason != ReasonInvalidSecret {
		t.Errorf("failure = %s/%s, want B/%s", f.Handler, f.Reason, ReasonInvalidSecret)
	}
	if n := c.calls.Load(); n != 0 {
		t.Errorf("C invoked %d times after failure, want 0", n)
	}
	if res.Outcome() != OutcomeHandlerFailed {
		t.Errorf("Outcome = %q, want %q", res.Outcome(), OutcomeHandlerFailed)
	}
	if res.Success() || res.Principal() != nil {
		t.Error("failed conjunctive attempt must not expose a principal")
	}
	if len(res.Failures()) != 1 {
		t.Errorf("Failures = %d, want 1", len(res.Failures()))
	}
}

func TestResolver_AllMustSucceedTimeoutShortCircuits(t *testing.T) {
	slow := &mockHandler{
		name:  "slow",
		kinds: []credential.Kind{credential.KindUsernamePassword},
		fn: func(ctx context.Context, _ credential.Credential) (*Principal, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	next := passwordHandler("next", "pw")
	r := newResolver(t, ResolverConfig{
		Policy:         PolicyAllMustSucceed,
		HandlerTimeout: 10 * time.Millisecond,
	}, slow, next)

	res, err := r.Authenticate(context.Background(), credential.NewUsernamePassword("u", "pw"))

	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("err = %v, want *Failure", err)
	}
	if f.Handler != "slow" || f.Reason != ReasonTimeout {
		t.Errorf("failure = %s/%s, want slow/%s", f.Handler, f.Reason, ReasonTimeout)
	}
	if res.Outcome() != OutcomeHandlerFailed {
		t.Errorf("Outcome = %q, want %q", res.Outcome(), OutcomeHandlerFailed)
	}
	if n := next.calls.Load(); n != 0 {
		t.Errorf("next invoked %d times after timeout, want 0", n)
	}
}

func TestResolver_TimeoutContinuesChain(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	// slow ignores its context entirely.
	slow := &mockHandler{
		name:  "slow",
		kinds: []credential.Kind{credential.KindUsernamePassword},
		fn: func(context.Context, credential.Credential) (*Principal, error) {
			<-release
			return &Principal{ID: "late"}, nil
		},
	}
	fast := passwordHandler("fast", "pw")
	r := newResolver(t, ResolverConfig{HandlerTimeout: 20 * time.Millisecond}, slow, fast)

	res, err := r.Authenticate(context.Background(), credential.NewUsernamePassword("u", "pw"))
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if res.Handler() != "fast" {
		t.Errorf("Handler = %q, want %q", res.Handler(), "fast")
	}
	want := []Failure{{Handler: "slow", Reason: ReasonTimeout}}
	if diff := cmp.Diff(want, res.Failures(), ignoreCause); diff != "" {
		t.Errorf("failures mismatch (-want +got):\n%s", diff)
	}
}

func TestResolver_TimeoutHonoredByHandler(t *testing.T) {
	slow := &mockHandler{
		name:  "slow",
		kinds: []credential.Kind{credential.KindUsernamePassword},
		fn: func(ctx context.Context, _ credential.Credential) (*Principal, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	r := newResolver(t, ResolverConfig{HandlerTimeout: 10 * time.Millisecond}, slow)

	_, err := r.Authenticate(context.Background(), credential.NewUsernamePassword("u", "pw"))

	var all *AllHandlersFailedError
	if !errors.As(err, &all) {
		t.Fatalf("err = %v, want *AllHandlersFailedError", err)
	}
	if all.Failures[0].Reason != ReasonTimeout {
		t.Errorf("Reason = %q, want %q", all.Failures[0].Reason, ReasonTimeout)
	}
}

func TestResolver_CancelledMidChain(t *testing.T) {
	for _, policy := range []Policy{PolicyFirstSuccess, PolicyAllMustSucceed} {
		t.Run(string(policy), func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			started := make(chan struct{})
			blocking := &mockHandler{
				name:  "blocking",
				kinds: []credential.Kind{credential.KindUsernamePassword},
				fn: func(ctx context.Context, _ credential.Credential) (*Principal, error) {
					close(started)
					<-ctx.Done()
					return nil, Reject(ReasonSourceUnavailable, ctx.Err())
				},
			}
			next := passwordHandler("next", "pw")
			r := newResolver(t, ResolverConfig{Policy: policy}, blocking, next)

			go func() {
				<-started
				cancel()
			}()

			res, err := r.Authenticate(ctx, credential.NewUsernamePassword("u", "pw"))
			if !errors.Is(err, ErrCancelled) {
				t.Fatalf("err = %v, want ErrCancelled", err)
			}
			if errors.Is(err, ErrAllHandlersFailed) {
				t.Error("cancelled attempt reported as AllHandlersFailed")
			}
			if res.Outcome() != OutcomeCancelled {
				t.Errorf("Outcome = %q, want %q", res.Outcome(), OutcomeCancelled)
			}
			if len(res.Failures()) != 0 {
				t.Errorf("Failures = %v, want none", res.Failures())
			}
			if n := next.calls.Load(); n != 0 {
				t.Errorf("next invoked %d times after cancellation, want 0", n)
			}
		})
	}
}

func TestResolver_CancelledBeforeStart(t *testing.T) {
	a := passwordHandler("A", "pw")
	r := newResolver(t, ResolverConfig{}, a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Authenticate(ctx, credential.NewUsernamePassword("u", "pw"))
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if n := a.calls.Load(); n != 0 {
		t.Errorf("A invoked %d times, want 0", n)
	}
}

func TestResolver_SanitizesRawErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ReasonCode
	}{
		{"plain error", errors.New("pq: relation users does not exist"), ReasonInternal},
		{"network error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, ReasonSourceUnavailable},
		{"deadline", context.DeadlineExceeded, ReasonTimeout},
		{"unknown reason", Reject(ReasonCode("made_up"), nil), ReasonInternal},
		{"wrapped failure", fmt.Errorf("checking crl: %w", Reject(ReasonRevoked, errors.New("serial listed"))), ReasonRevoked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &mockHandler{
				name:  "h",
				kinds: []credential.Kind{credential.KindBearerToken},
				fn: func(context.Context, credential.Credential) (*Principal, error) {
					return nil, tt.err
				},
			}
			r := newResolver(t, ResolverConfig{}, h)

			res, err := r.Authenticate(context.Background(), credential.NewBearerToken("tok"))
			if !errors.Is(err, ErrAllHandlersFailed) {
				t.Fatalf("err = %v, want ErrAllHandlersFailed", err)
			}
			f := res.Failures()[0]
			if f.Reason != tt.want {
				t.Errorf("Reason = %q, want %q", f.Reason, tt.want)
			}
			if f.Cause() == nil && tt.name != "unknown reason" {
				t.Error("Cause() = nil, want the raw error kept for audit")
			}
			if got := err.Error(); got != "all authentication handlers failed: h="+string(tt.want) {
				t.Errorf("Error() = %q leaks internal detail", got)
			}
		})
	}
}

func TestResolver_RecoversHandlerPanic(t *testing.T) {
	h := &mockHandler{
		name:  "panicky",
		kinds: []credential.Kind{credential.KindBearerToken},
		fn: func(context.Context, credential.Credential) (*Principal, error) {
			panic("boom")
		},
	}
	r := newResolver(t, ResolverConfig{}, h, &mockHandler{
		name:  "ok",
		kinds: []credential.Kind{credential.KindBearerToken},
		fn: func(context.Context, credential.Credential) (*Principal, error) {
			return &Principal{ID: "svc"}, nil
		},
	})

	res, err := r.Authenticate(context.Background(), credential.NewBearerToken("tok"))
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if res.Handler() != "ok" {
		t.Errorf("Handler = %q, want %q", res.Handler(), "ok")
	}
	if f := res.Failures(); len(f) != 1 || f[0].Reason != ReasonInternal {
		t.Errorf("Failures = %v, want one internal failure", f)
	}
}

func TestResolver_NilPrincipalUsesIdentifier(t *testing.T) {
	h := &mockHandler{
		name:  "h",
		kinds: []credential.Kind{credential.KindUsernamePassword},
		fn: func(context.Context, credential.Credential) (*Principal, error) {
			return nil, nil
		},
	}
	r := newResolver(t, ResolverConfig{}, h)

	res, err := r.Authenticate(context.Background(), credential.NewUsernamePassword("carol", "pw"))
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if res.Principal().ID != "carol" {
		t.Errorf("Principal.ID = %q, want %q", res.Principal().ID, "carol")
	}
}

func TestResolver_Auditor(t *testing.T) {
	var mu sync.Mutex
	var got []*Result
	auditor := AuditorFunc(func(ctx context.Context, res *Result) {
		if ctx.Err() != nil {
			t.Error("auditor received a cancelled context")
		}
		mu.Lock()
		got = append(got, res)
		mu.Unlock()
	})
	r := newResolver(t, ResolverConfig{Auditor: auditor}, passwordHandler("A", "pw"))

	ctx, cancel := context.WithCancel(context.Background())
	_, _ = r.Authenticate(ctx, credential.NewUsernamePassword("u", "pw"))
	cancel()
	_, _ = r.Authenticate(ctx, credential.NewUsernamePassword("u", "pw"))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("auditor saw %d attempts, want 2", len(got))
	}
	if got[0].Outcome() != OutcomeSuccess || got[1].Outcome() != OutcomeCancelled {
		t.Errorf("outcomes = %q, %q, want success, cancelled", got[0].Outcome(), got[1].Outcome())
	}
	if got[0].AttemptID() == "" || got[0].AttemptID() == got[1].AttemptID() {
		t.Errorf("attempt IDs %q, %q must be unique and non-empty", got[0].AttemptID(), got[1].AttemptID())
	}
	if got[0].CredentialKind() != credential.KindUsernamePassword || got[0].Identifier() != "u" {
		t.Errorf("credential = %s/%s, want username_password/u", got[0].CredentialKind(), got[0].Identifier())
	}
}

func TestResolver_ConcurrentAttempts(t *testing.T) {
	r := newResolver(t, ResolverConfig{HandlerTimeout: time.Second},
		passwordHandler("A", "a"),
		passwordHandler("B", "b"),
	)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pw, want := "a", "A"
			if i%2 == 1 {
				pw, want = "b", "B"
			}
			res, err := r.Authenticate(context.Background(), credential.NewUsernamePassword("u", pw))
			if err != nil {
				t.Errorf("attempt %d: %v", i, err)
				return
			}
			if res.Handler() != want {
				t.Errorf("attempt %d: Handler = %q, want %q", i, res.Handler(), want)
			}
		}(i)
	}
	wg.Wait()
}

func TestResultAccessorsReturnCopies(t *testing.T) {
	r := newResolver(t, ResolverConfig{}, passwordHandler("A", "x"), passwordHandler("B", "pw"))
	res, err := r.Authenticate(context.Background(), credential.NewUsernamePassword("u", "pw"))
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}

	res.Failures()[0].Handler = "mutated"
	res.Principal().Attributes["source"] = "mutated"
	res.Satisfied()[0] = "mutated"

	if res.Failures()[0].Handler != "A" {
		t.Error("Failures() exposed internal slice")
	}
	if res.Principal().Attributes["source"] != "B" {
		t.Error("Principal() exposed internal map")
	}
	if res.Satisfied()[0] != "B" {
		t.Error("Satisfied() exposed internal slice")
	}
}

func TestNewResolver_Validation(t *testing.T) {
	reg, _ := NewRegistry()

	if _, err := NewResolver(nil, ResolverConfig{}); err == nil {
		t.Error("NewResolver(nil) error = nil, want error")
	}
	if _, err := NewResolver(reg, ResolverConfig{Policy: "majority"}); err == nil {
		t.Error("unknown policy error = nil, want error")
	}
	if _, err := NewResolver(reg, ResolverConfig{HandlerTimeout: -time.Second}); err == nil {
		t.Error("negative timeout error = nil, want error")
	}

	r, err := NewResolver(reg, ResolverConfig{})
	if err != nil {
		t.Fatalf("NewResolver() error: %v", err)
	}
	if r.Policy() != PolicyFirstSuccess {
		t.Errorf("default Policy = %q, want %q", r.Policy(), PolicyFirstSuccess)
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", PolicyFirstSuccess, false},
		{"first-success", PolicyFirstSuccess, false},
		{"all-must-succeed", PolicyAllMustSucceed, false},
		{"any", "", true},
	}

	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePolicy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

package audit

import (
	"context"
	"log/slog"

	"github.com/rhuss/warden/pkg/authn"
)

// Logger writes one structured log line per attempt: Info for accepted
// attempts, Warn for rejected ones. Raw handler causes are logged at Debug.
type Logger struct {
	// Log is the destination. If nil, slog.Default() is used.
	Log *slog.Logger
}

var _ authn.Auditor = Logger{}

func (l Logger) Record(ctx context.Context, res *authn.Result) {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}

	rec := FromResult(res)
	attrs := []any{
		"attempt_id", rec.AttemptID,
		"policy", rec.Policy,
		"credential_kind", rec.CredentialKind,
		"identifier", rec.Identifier,
		"outcome", rec.Outcome,
		"duration", rec.Duration,
	}

	if rec.Success() {
		attrs = append(attrs, "handler", rec.Handler, "principal", rec.PrincipalID, "satisfied", rec.Satisfied)
		log.InfoContext(ctx, "authentication succeeded", attrs...)
		return
	}

	failures := make([]string, 0, len(rec.Failures))
	for _, f := range rec.Failures {
		failures = append(failures, f.Handler+"="+f.Reason)
	}
	attrs = append(attrs, "failures", failures)
	log.WarnContext(ctx, "authentication failed", attrs...)

	for _, f := range res.Failures() {
		if f.Cause() != nil {
			log.DebugContext(ctx, "handler failure cause",
				"attempt_id", rec.AttemptID, "handler", f.Handler, "reason", f.Reason, "error", f.Cause())
		}
	}
}

// StoreAuditor saves every attempt to a Store. Save errors are logged and
// otherwise ignored.
type StoreAuditor struct {
	Store Store
}

var _ authn.Auditor = StoreAuditor{}

func (a StoreAuditor) Record(ctx context.Context, res *authn.Result) {
	rec := FromResult(res)
	if err := a.Store.Save(ctx, rec); err != nil {
		slog.Warn("failed to store audit record", "attempt_id", rec.AttemptID, "error", err)
	}
}

// Multi fans a result out to several auditors in order. Nil auditors are skipped.
func Multi(auditors ...authn.Auditor) authn.Auditor {
	var list []authn.Auditor
	for _, a := range auditors {
		if a != nil {
			list = append(list, a)
		}
	}
	return multi(list)
}

type multi []authn.Auditor

func (m multi) Record(ctx context.Context, res *authn.Result) {
	for _, a := range m {
		a.Record(ctx, res)
	}
}

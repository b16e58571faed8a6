package observability

import (
	"context"

	"github.com/rhuss/warden/pkg/authn"
)

// Auditor records metrics for every completed attempt.
type Auditor struct{}

var _ authn.Auditor = Auditor{}

func (Auditor) Record(_ context.Context, res *authn.Result) {
	policy := string(res.Policy())

	AttemptsTotal.WithLabelValues(policy, string(res.Outcome())).Inc()
	AttemptDuration.WithLabelValues(policy).Observe(res.Duration().Seconds())

	for _, name := range res.Satisfied() {
		HandlerResultsTotal.WithLabelValues(name, "success", "").Inc()
	}
	for _, f := range res.Failures() {
		HandlerResultsTotal.WithLabelValues(f.Handler, "failure", string(f.Reason)).Inc()
	}
}

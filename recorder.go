package keygate

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// recorder ingests one attempt result: health transition, post-hoc usage
// accounting on both the credential and the virtual key, and one immutable
// trace. Accounting and trace failures are logged, never propagated — they
// must not fail the proxied request.
type recorder struct {
	limits LimitStore
	health *HealthTracker
	sink   TraceSink
	logger *slog.Logger
}

func (r *recorder) record(ctx context.Context, vk *VirtualKey, cred *Credential, attempt int, start time.Time, elapsed time.Duration, res AttemptResult) Trace {
	r.transition(cred.ID, start.Add(elapsed), res)
	r.account(ctx, vk, cred, res)

	tr := Trace{
		ID:           uuid.NewString(),
		VirtualKeyID: vk.ID,
		CredentialID: cred.ID,
		Provider:     cred.Provider,
		Attempt:      attempt,
		Success:      res.Success,
		StartedAt:    start,
		Duration:     elapsed,
		StatusCode:   res.StatusCode,
		Usage:        res.Usage,
		Cost:         res.Cost,
		ErrorKind:    errorKind(res),
	}
	if res.Err != nil {
		tr.ErrorMessage = res.Err.Error()
	}

	if err := r.sink.Emit(tr); err != nil {
		r.logger.Warn("trace emit failed",
			"trace_id", tr.ID,
			"credential", cred.ID,
			"error", err,
		)
	}
	return tr
}

// transition applies the health state machine for one attempt outcome.
func (r *recorder) transition(credentialID string, at time.Time, res AttemptResult) {
	switch {
	case res.Success:
		r.health.RecordSuccess(credentialID)
	case res.StatusCode == http.StatusTooManyRequests:
		var retryAfter time.Time
		if res.RetryAfter > 0 {
			retryAfter = at.Add(res.RetryAfter)
		}
		r.health.RecordRateLimited(credentialID, retryAfter)
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		r.health.RecordAuthError(credentialID)
	case res.StatusCode == 0 || res.StatusCode >= 500:
		r.health.RecordFailure(credentialID)
	default:
		// Client errors say nothing about credential health.
	}
}

// account records actual token and cost consumption after the fact.
// Ceilings are not re-checked here; overruns block future admission until
// the window resets.
func (r *recorder) account(ctx context.Context, vk *VirtualKey, cred *Credential, res AttemptResult) {
	credKey := CredentialKey(cred.ID)
	vkKey := VirtualKeyKey(vk.ID)

	if tokens := res.Usage.Billable(); tokens > 0 {
		amount := float64(tokens)
		r.recordUsage(ctx, credKey, MetricTokensPerMinute, amount)
		r.recordUsage(ctx, credKey, MetricTokensPerDay, amount)
		r.recordUsage(ctx, vkKey, MetricTokensPerDay, amount)
	}
	if res.Cost > 0 {
		r.recordUsage(ctx, credKey, MetricCostPerDay, res.Cost)
		r.recordUsage(ctx, vkKey, MetricCostPerDay, res.Cost)
	}
}

func (r *recorder) recordUsage(ctx context.Context, key string, metric Metric, amount float64) {
	if err := r.limits.RecordUsage(ctx, key, metric, amount); err != nil {
		r.logger.Warn("usage record failed",
			"key", key,
			"metric", string(metric),
			"error", err,
		)
	}
}

func errorKind(res AttemptResult) string {
	switch {
	case res.Success:
		return ""
	case res.StatusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return "auth"
	case res.StatusCode >= 500:
		return "server"
	case res.StatusCode > 0:
		return "client"
	default:
		return "transport"
	}
}

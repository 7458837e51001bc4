package keygate

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Gateway executes proxied calls: it resolves the virtual key's pool,
// selects a credential, invokes the caller-supplied SendFunc, records the
// outcome, and fails over within the virtual key's retry and wall-clock
// budgets.
type Gateway struct {
	source   PoolSource
	limits   LimitStore
	health   *HealthTracker
	selector *Selector
	recorder *recorder
	logger   *slog.Logger
	now      func() time.Time

	refresher     TokenRefresher
	refreshMargin time.Duration
	selectorRand  func(n int) int
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLimitStore sets the limit store (default: unlimited, nothing counted
// against ceilings; use limit.NewMemoryStore or a shared backend in
// production).
func WithLimitStore(ls LimitStore) Option {
	return func(g *Gateway) { g.limits = ls }
}

// WithHealthTracker sets the health tracker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(g *Gateway) { g.health = h }
}

// WithTraceSink sets the trace sink.
func WithTraceSink(sink TraceSink) Option {
	return func(g *Gateway) { g.recorder.sink = sink }
}

// WithRefresher wires the OAuth token lifecycle into selection.
func WithRefresher(r TokenRefresher) Option {
	return func(g *Gateway) { g.refresher = r }
}

// WithGatewayRefreshMargin sets the token refresh safety margin.
func WithGatewayRefreshMargin(d time.Duration) Option {
	return func(g *Gateway) { g.refreshMargin = d }
}

// WithLogger sets the logger (default slog.Default).
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithSelectorRand overrides the weighted strategy's random source, for
// deterministic tests.
func WithSelectorRand(fn func(n int) int) Option {
	return func(g *Gateway) { g.selectorRand = fn }
}

// New creates a Gateway over the given pool source.
func New(source PoolSource, opts ...Option) *Gateway {
	g := &Gateway{
		source:        source,
		limits:        unlimitedLimits{},
		health:        NewHealthTracker(),
		recorder:      &recorder{},
		logger:        slog.Default(),
		now:           time.Now,
		refreshMargin: defaultRefreshMargin,
	}
	for _, opt := range opts {
		opt(g)
	}

	selOpts := []SelectorOption{WithRefreshMargin(g.refreshMargin)}
	if g.refresher != nil {
		selOpts = append(selOpts, WithTokenRefresher(g.refresher))
	}
	if g.selectorRand != nil {
		selOpts = append(selOpts, WithRand(g.selectorRand))
	}
	g.selector = NewSelector(g.limits, g.health, selOpts...)

	g.recorder.limits = g.limits
	g.recorder.health = g.health
	g.recorder.logger = g.logger
	if g.recorder.sink == nil {
		g.recorder.sink = noopSink{}
	}
	return g
}

// Health exposes the gateway's health tracker for probes and dashboards.
func (g *Gateway) Health() *HealthTracker { return g.health }

// Result is the envelope returned to the HTTP/CLI layer.
type Result struct {
	Success        bool
	CredentialUsed string
	Attempts       int
	TraceID        string
}

// SelectAndForward is the single entry point wrapping Execute: it resolves
// the virtual key and its pool, runs the failover loop, and returns the
// envelope for the HTTP layer.
func (g *Gateway) SelectAndForward(ctx context.Context, virtualKeyID string, send SendFunc) (Result, error) {
	vk, err := g.source.VirtualKey(ctx, virtualKeyID)
	if err != nil {
		return Result{}, err
	}
	pool, err := g.source.Pool(ctx, virtualKeyID)
	if err != nil {
		return Result{}, err
	}

	out := g.Execute(ctx, vk, pool, send)
	return Result{
		Success:        out.Success,
		CredentialUsed: out.CredentialID,
		Attempts:       out.Attempts,
		TraceID:        out.TraceID,
	}, out.Err
}

// Execute runs one logical request against the pool: at most RetryCount+1
// attempts under the virtual key's wall-clock budget. Each failed retryable
// attempt excludes its credential from the next selection. Admission
// failures (no eligible credential, virtual-key ceiling) are terminal, not
// retried.
func (g *Gateway) Execute(ctx context.Context, vk *VirtualKey, pool []*Credential, send SendFunc) Outcome {
	if vk.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, vk.Timeout)
		defer cancel()
	}

	if !g.admitVirtualKey(ctx, vk) {
		return Outcome{Err: &GatewayError{
			VirtualKeyID: vk.ID,
			Terminal:     ErrCeilingExceeded,
		}}
	}

	excluded := make(map[string]bool)
	var lastErr error
	var lastCred string
	var lastTrace string
	attempts := 0

	maxAttempts := vk.RetryCount + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			break
		}

		cred, err := g.selector.Select(ctx, vk, pool, excluded)
		if err != nil {
			return Outcome{
				Attempts: attempts,
				TraceID:  lastTrace,
				Err: &GatewayError{
					VirtualKeyID: vk.ID,
					Attempts:     attempts,
					Terminal:     ErrAllCredentialsExhausted,
					Last:         lastErr,
				},
			}
		}

		start := g.now()
		res := send(ctx, cred)
		elapsed := g.now().Sub(start)
		attempts = attempt

		// A send cancelled because the overall budget ran out is final.
		if !res.Success && ctx.Err() != nil {
			res.Retryable = false
			if res.Err == nil {
				res.Err = ctx.Err()
			}
		}

		tr := g.recorder.record(ctx, vk, cred, attempt, start, elapsed, res)
		lastTrace = tr.ID
		lastCred = cred.ID

		if res.Success {
			return Outcome{
				Success:      true,
				CredentialID: cred.ID,
				Provider:     cred.Provider,
				Attempts:     attempt,
				TraceID:      tr.ID,
			}
		}

		lastErr = attemptError(res)
		if !res.Retryable {
			// Non-retryable failures surface immediately without consuming
			// further attempts. A spent wall-clock budget classifies like
			// running out of attempts.
			terminal, last := lastErr, error(nil)
			if ctx.Err() != nil {
				terminal, last = ErrRetriesExhausted, lastErr
			}
			return Outcome{
				CredentialID: cred.ID,
				Provider:     cred.Provider,
				Attempts:     attempt,
				TraceID:      tr.ID,
				Err: &GatewayError{
					VirtualKeyID: vk.ID,
					CredentialID: cred.ID,
					Attempts:     attempt,
					Terminal:     terminal,
					Last:         last,
				},
			}
		}

		excluded[cred.ID] = true
	}

	return Outcome{
		CredentialID: lastCred,
		Attempts:     attempts,
		TraceID:      lastTrace,
		Err: &GatewayError{
			VirtualKeyID: vk.ID,
			CredentialID: lastCred,
			Attempts:     attempts,
			Terminal:     ErrRetriesExhausted,
			Last:         lastErr,
		},
	}
}

// admitVirtualKey performs the virtual-key-level pre-flight checks: hard
// requests/minute and requests/day increments plus zero-amount probes of
// the advisory tokens/day and cost/day ceilings.
func (g *Gateway) admitVirtualKey(ctx context.Context, vk *VirtualKey) bool {
	key := VirtualKeyKey(vk.ID)

	if vk.TokensPerDay > 0 {
		d, err := g.limits.TryConsume(ctx, key, MetricTokensPerDay, 0, float64(vk.TokensPerDay))
		if err != nil || !d.Allowed {
			return false
		}
	}
	if vk.CostPerDay > 0 {
		d, err := g.limits.TryConsume(ctx, key, MetricCostPerDay, 0, vk.CostPerDay)
		if err != nil || !d.Allowed {
			return false
		}
	}

	d, err := g.limits.TryConsume(ctx, key, MetricRequestsPerMinute, 1, float64(vk.RequestsPerMinute))
	if err != nil || !d.Allowed {
		return false
	}
	d, err = g.limits.TryConsume(ctx, key, MetricRequestsPerDay, 1, float64(vk.RequestsPerDay))
	if err != nil || !d.Allowed {
		return false
	}
	return true
}

func attemptError(res AttemptResult) error {
	if res.Err != nil {
		return res.Err
	}
	if res.StatusCode > 0 {
		return fmt.Errorf("keygate: upstream status %d", res.StatusCode)
	}
	return fmt.Errorf("keygate: attempt failed")
}

// unlimitedLimits is the default store: everything is admitted and nothing
// is counted. Production deployments should wire limit.NewMemoryStore or a
// shared backend.
type unlimitedLimits struct{}

func (unlimitedLimits) TryConsume(context.Context, string, Metric, float64, float64) (Decision, error) {
	return Decision{Allowed: true, Remaining: -1}, nil
}
func (unlimitedLimits) RecordUsage(context.Context, string, Metric, float64) error { return nil }
func (unlimitedLimits) Used(context.Context, string, Metric) (float64, error)      { return 0, nil }

// noopSink discards traces.
type noopSink struct{}

func (noopSink) Emit(Trace) error { return nil }

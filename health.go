package keygate

import (
	"sync"
	"time"
)

const (
	defaultFailureThreshold = 3
	defaultMaxBackoff       = 30 * time.Minute
)

// HealthStatus describes the availability of one credential.
type HealthStatus int

const (
	HealthHealthy HealthStatus = iota
	HealthRateLimited
	HealthUnhealthy
	HealthError
)

func (s HealthStatus) String() string {
	switch s {
	case HealthHealthy:
		return "healthy"
	case HealthRateLimited:
		return "rate_limited"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthError:
		return "error"
	default:
		return "unknown"
	}
}

// HealthState is the externally visible health of a credential. RetryAfter
// is set if and only if Status is HealthRateLimited.
type HealthState struct {
	Status     HealthStatus
	RetryAfter time.Time
}

// HealthTracker keeps a per-credential health state machine.
//
// Transitions: healthy→rate_limited on an upstream 429 (recovering lazily
// once RetryAfter passes), healthy→unhealthy after N consecutive transport
// or 5xx failures, any→error on irrecoverable auth failures. Error never
// auto-recovers; it takes Reactivate. Unhealthy recovers through
// MarkProbeSuccess, driven by the external health-check collaborator.
type HealthTracker struct {
	mu    sync.RWMutex
	creds map[string]*credentialHealth

	failureThreshold int
	maxBackoff       time.Duration
	now              func() time.Time
}

type credentialHealth struct {
	status     HealthStatus
	retryAfter time.Time
	failures   int // consecutive transport/5xx failures
	limitStep  int // consecutive rate limits, drives the default backoff
}

// HealthOption configures a HealthTracker.
type HealthOption func(*HealthTracker)

// WithFailureThreshold sets the consecutive-failure count that flips a
// credential to unhealthy (default 3).
func WithFailureThreshold(n int) HealthOption {
	return func(h *HealthTracker) { h.failureThreshold = n }
}

// WithHealthClock overrides the time source, for tests.
func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthTracker) { h.now = now }
}

// NewHealthTracker creates a HealthTracker.
func NewHealthTracker(opts ...HealthOption) *HealthTracker {
	h := &HealthTracker{
		creds:            make(map[string]*credentialHealth),
		failureThreshold: defaultFailureThreshold,
		maxBackoff:       defaultMaxBackoff,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// State returns the current health of a credential. A rate-limited
// credential whose RetryAfter has passed is transitioned back to healthy
// on this read; no background timer is involved.
func (h *HealthTracker) State(credentialID string) HealthState {
	h.mu.RLock()
	ch, ok := h.creds[credentialID]
	h.mu.RUnlock()

	if !ok {
		return HealthState{Status: HealthHealthy}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if ch.status == HealthRateLimited && !h.now().Before(ch.retryAfter) {
		ch.status = HealthHealthy
		ch.retryAfter = time.Time{}
	}

	if ch.status == HealthRateLimited {
		return HealthState{Status: HealthRateLimited, RetryAfter: ch.retryAfter}
	}
	return HealthState{Status: ch.status}
}

// Eligible reports whether a credential may be offered to the selector.
func (h *HealthTracker) Eligible(credentialID string) bool {
	return h.State(credentialID).Status == HealthHealthy
}

// RecordSuccess marks a successful attempt: the failure counters reset and
// the credential returns to healthy, unless it is in the error state, which
// only Reactivate clears.
func (h *HealthTracker) RecordSuccess(credentialID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.getOrCreate(credentialID)
	ch.failures = 0
	ch.limitStep = 0
	if ch.status != HealthError {
		ch.status = HealthHealthy
		ch.retryAfter = time.Time{}
	}
}

// RecordFailure counts a transport or 5xx failure. At the configured
// threshold the credential flips to unhealthy.
func (h *HealthTracker) RecordFailure(credentialID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.getOrCreate(credentialID)
	if ch.status == HealthError {
		return
	}
	ch.failures++
	if ch.failures >= h.failureThreshold {
		ch.status = HealthUnhealthy
	}
}

// RecordRateLimited marks the credential rate limited until retryAfter.
// A zero retryAfter falls back to exponential backoff: 1s doubling per
// consecutive rate limit, capped at 30 minutes.
func (h *HealthTracker) RecordRateLimited(credentialID string, retryAfter time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.getOrCreate(credentialID)
	if ch.status == HealthError {
		return
	}

	ch.limitStep++
	if retryAfter.IsZero() {
		retryAfter = h.now().Add(h.backoff(ch.limitStep))
	}
	ch.status = HealthRateLimited
	ch.retryAfter = retryAfter
}

// RecordAuthError marks the credential irrecoverably failed (revoked key,
// invalid grant). Only Reactivate clears it.
func (h *HealthTracker) RecordAuthError(credentialID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.getOrCreate(credentialID)
	ch.status = HealthError
	ch.retryAfter = time.Time{}
}

// MarkProbeSuccess transitions an unhealthy credential back to healthy
// after a successful active probe by the health-check collaborator.
func (h *HealthTracker) MarkProbeSuccess(credentialID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.creds[credentialID]
	if !ok || ch.status != HealthUnhealthy {
		return
	}
	ch.status = HealthHealthy
	ch.failures = 0
}

// Reactivate restores a credential to healthy regardless of state. Intended
// for administrative re-activation after manual re-authorization.
func (h *HealthTracker) Reactivate(credentialID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.getOrCreate(credentialID)
	ch.status = HealthHealthy
	ch.retryAfter = time.Time{}
	ch.failures = 0
	ch.limitStep = 0
}

// Sweep eagerly recovers rate-limited credentials whose RetryAfter has
// passed and returns how many it flipped. Correctness does not depend on
// it; it keeps dashboard snapshots fresh.
func (h *HealthTracker) Sweep() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	n := 0
	for _, ch := range h.creds {
		if ch.status == HealthRateLimited && !now.Before(ch.retryAfter) {
			ch.status = HealthHealthy
			ch.retryAfter = time.Time{}
			n++
		}
	}
	return n
}

func (h *HealthTracker) getOrCreate(credentialID string) *credentialHealth {
	ch, ok := h.creds[credentialID]
	if !ok {
		ch = &credentialHealth{status: HealthHealthy}
		h.creds[credentialID] = ch
	}
	return ch
}

func (h *HealthTracker) backoff(step int) time.Duration {
	if step <= 0 {
		return time.Second
	}
	if step > 20 {
		step = 20
	}
	delay := time.Second << (step - 1)
	if delay > h.maxBackoff {
		return h.maxBackoff
	}
	return delay
}

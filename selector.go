package keygate

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"
)

const defaultRefreshMargin = 60 * time.Second

// Selector picks one eligible credential from a virtual key's pool.
//
// Candidates are filtered by exclusion set and health, ordered by the
// virtual key's strategy, then offered in order: the first candidate that
// passes atomic requests/minute and requests/day admission (and, for OAuth
// credentials near token expiry, a synchronous refresh) wins. Admission
// doubles as the pre-flight request increment; a reservation is never
// rolled back when a candidate is skipped afterwards — bounded
// over-counting is accepted over reservation bookkeeping.
type Selector struct {
	limits    LimitStore
	health    *HealthTracker
	refresher TokenRefresher

	refreshMargin time.Duration
	now           func() time.Time
	randInt       func(n int) int

	mu      sync.Mutex
	cursors map[string]int // per-virtual-key round-robin position
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithTokenRefresher wires the OAuth token lifecycle into selection.
func WithTokenRefresher(r TokenRefresher) SelectorOption {
	return func(s *Selector) { s.refresher = r }
}

// WithRefreshMargin sets how long before token expiry a refresh is forced
// (default 60s).
func WithRefreshMargin(d time.Duration) SelectorOption {
	return func(s *Selector) { s.refreshMargin = d }
}

// WithSelectorClock overrides the time source, for tests.
func WithSelectorClock(now func() time.Time) SelectorOption {
	return func(s *Selector) { s.now = now }
}

// WithRand overrides the random source used by the weighted strategy, for
// deterministic tests. fn must return a value in [0, n).
func WithRand(fn func(n int) int) SelectorOption {
	return func(s *Selector) { s.randInt = fn }
}

// NewSelector creates a Selector over the given limit store and health
// tracker.
func NewSelector(limits LimitStore, health *HealthTracker, opts ...SelectorOption) *Selector {
	s := &Selector{
		limits:        limits,
		health:        health,
		refreshMargin: defaultRefreshMargin,
		now:           time.Now,
		randInt:       rand.Intn,
		cursors:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select returns one eligible credential, or ErrNoEligibleCredential when
// no candidate survives health, admission and token checks.
func (s *Selector) Select(ctx context.Context, vk *VirtualKey, pool []*Credential, exclude map[string]bool) (*Credential, error) {
	candidates := make([]*Credential, 0, len(pool))
	for _, c := range pool {
		if exclude[c.ID] {
			continue
		}
		if !s.health.Eligible(c.ID) {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil, ErrNoEligibleCredential
	}

	var ordered []*Credential
	switch vk.Strategy {
	case StrategyWeighted:
		ordered = s.weightedOrder(candidates)
	case StrategyLeastUsed:
		ordered = s.leastUsedOrder(ctx, candidates)
	default:
		// Round-robin is the default strategy.
		ordered = s.roundRobinOrder(vk.ID, candidates)
	}

	for _, c := range ordered {
		if !s.admit(ctx, c) {
			continue
		}
		if !s.ensureToken(ctx, c) {
			// Refresh failure drops the candidate; its request reservation
			// stands (non-refundable).
			continue
		}
		return c, nil
	}
	return nil, ErrNoEligibleCredential
}

// admit performs the atomic pre-flight request increments for a candidate.
// Token ceilings are advisory: a zero-amount probe rejects candidates whose
// post-hoc token counters already ran over.
func (s *Selector) admit(ctx context.Context, c *Credential) bool {
	key := CredentialKey(c.ID)

	if c.TokensPerMinute > 0 {
		d, err := s.limits.TryConsume(ctx, key, MetricTokensPerMinute, 0, float64(c.TokensPerMinute))
		if err != nil || !d.Allowed {
			return false
		}
	}

	d, err := s.limits.TryConsume(ctx, key, MetricRequestsPerMinute, 1, float64(c.RequestsPerMinute))
	if err != nil || !d.Allowed {
		return false
	}

	d, err = s.limits.TryConsume(ctx, key, MetricRequestsPerDay, 1, float64(c.RequestsPerDay))
	if err != nil || !d.Allowed {
		return false
	}
	return true
}

// ensureToken refreshes an OAuth credential whose token is inside the
// safety margin. Reports whether the credential is usable.
func (s *Selector) ensureToken(ctx context.Context, c *Credential) bool {
	if c.Kind != AuthOAuth || s.refresher == nil {
		return true
	}
	rec := c.TokenRecord()
	if rec == nil {
		return false
	}
	if s.now().Before(rec.ExpiresAt.Add(-s.refreshMargin)) {
		return true
	}
	_, err := s.refresher.Refresh(ctx, c)
	return err == nil
}

// roundRobinOrder rotates the id-sorted candidate list by a per-virtual-key
// cursor that advances on every selection, regardless of outcome.
func (s *Selector) roundRobinOrder(virtualKeyID string, candidates []*Credential) []*Credential {
	sortByID(candidates)

	s.mu.Lock()
	cursor := s.cursors[virtualKeyID]
	s.cursors[virtualKeyID] = cursor + 1
	s.mu.Unlock()

	n := len(candidates)
	start := cursor % n
	ordered := make([]*Credential, 0, n)
	for i := 0; i < n; i++ {
		ordered = append(ordered, candidates[(start+i)%n])
	}
	return ordered
}

// weightedOrder samples candidates without replacement with probability
// proportional to weight. Candidates are id-sorted first so equal draws
// resolve deterministically.
func (s *Selector) weightedOrder(candidates []*Credential) []*Credential {
	remaining := make([]*Credential, len(candidates))
	copy(remaining, candidates)
	sortByID(remaining)

	ordered := make([]*Credential, 0, len(remaining))
	for len(remaining) > 0 {
		total := 0
		for _, c := range remaining {
			total += c.EffectiveWeight()
		}
		r := s.randInt(total)
		idx := 0
		for i, c := range remaining {
			w := c.EffectiveWeight()
			if r < w {
				idx = i
				break
			}
			r -= w
		}
		ordered = append(ordered, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return ordered
}

// leastUsedOrder sorts by current-minute request count ascending, breaking
// ties by weight descending, then id ascending.
func (s *Selector) leastUsedOrder(ctx context.Context, candidates []*Credential) []*Credential {
	type loaded struct {
		cred *Credential
		used float64
	}
	items := make([]loaded, 0, len(candidates))
	for _, c := range candidates {
		used, err := s.limits.Used(ctx, CredentialKey(c.ID), MetricRequestsPerMinute)
		if err != nil {
			used = 0
		}
		items = append(items, loaded{cred: c, used: used})
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.used != b.used {
			return a.used < b.used
		}
		if a.cred.EffectiveWeight() != b.cred.EffectiveWeight() {
			return a.cred.EffectiveWeight() > b.cred.EffectiveWeight()
		}
		return a.cred.ID < b.cred.ID
	})

	ordered := make([]*Credential, len(items))
	for i, it := range items {
		ordered[i] = it.cred
	}
	return ordered
}

func sortByID(creds []*Credential) {
	sort.Slice(creds, func(i, j int) bool { return creds[i].ID < creds[j].ID })
}

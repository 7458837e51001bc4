package keygate

import (
	"context"
	"sync"
	"time"
)

// Strategy selects how the Selector schedules credentials within a pool.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyWeighted   Strategy = "weighted"
	StrategyLeastUsed  Strategy = "least_used"
)

// AuthKind describes how a credential authenticates against its provider.
type AuthKind string

const (
	AuthAPIKey AuthKind = "api_key"
	AuthOAuth  AuthKind = "oauth"
)

// VirtualKey is the client-facing credential: a budget and policy envelope
// over a pool of upstream credentials. The core reads it per request and
// never mutates it; ownership stays with the administrative layer.
type VirtualKey struct {
	ID       string
	UserID   string
	Strategy Strategy

	// RetryCount is the number of failover retries; total attempts per
	// logical request is RetryCount+1.
	RetryCount int

	// Timeout is the wall-clock budget for the entire logical request,
	// not per attempt. Zero means no deadline.
	Timeout time.Duration

	// Ceilings. Zero means unlimited.
	RequestsPerMinute int64
	RequestsPerDay    int64
	TokensPerDay      int64
	CostPerDay        float64
}

// Credential is one real upstream account or API key. The core mutates only
// its health state (via HealthTracker) and its token record (via
// oauth.Manager); every other field belongs to the administrative layer and
// is read fresh per request.
type Credential struct {
	ID       string
	Provider string
	Kind     AuthKind

	// APIKey holds the secret for AuthAPIKey credentials.
	APIKey string

	// Weight biases the Weighted strategy. Values below 1 count as 1.
	Weight int

	// Ceilings. Zero means unlimited.
	RequestsPerMinute int64
	TokensPerMinute   int64
	RequestsPerDay    int64

	// tokenMu guards token: the selector reads it on the hot path while
	// oauth.Manager replaces it on exchange, refresh and revoke.
	tokenMu sync.Mutex
	token   *OAuthTokenRecord
}

// EffectiveWeight returns the scheduling weight, defaulting to 1.
func (c *Credential) EffectiveWeight() int {
	if c.Weight < 1 {
		return 1
	}
	return c.Weight
}

// TokenRecord returns the current OAuth token record, or nil when the
// credential has none. Records are immutable once published; writers
// replace them wholesale through SetTokenRecord.
func (c *Credential) TokenRecord() *OAuthTokenRecord {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	return c.token
}

// SetTokenRecord replaces the OAuth token record. A nil record deletes the
// token material.
func (c *Credential) SetTokenRecord(rec *OAuthTokenRecord) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.token = rec
}

// OAuthTokenRecord holds the token material for an OAuth-backed credential.
type OAuthTokenRecord struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time

	// SessionID references the authorization session that produced this
	// record, when known.
	SessionID string
}

// TokenUsage is the token accounting for one attempt. Cache tokens are
// tracked separately and never folded into token ceilings; only
// prompt+completion count as billable here. Provider-specific mappings that
// decide otherwise live in the forwarding layer, which can pre-fold them.
type TokenUsage struct {
	PromptTokens      int64
	CompletionTokens  int64
	CacheCreateTokens int64
	CacheReadTokens   int64
}

// Billable returns the token count charged against token ceilings.
func (u TokenUsage) Billable() int64 {
	return u.PromptTokens + u.CompletionTokens
}

// AttemptResult is what the forwarding layer reports back for one attempt.
type AttemptResult struct {
	Success bool

	// StatusCode is the upstream HTTP status; zero for transport errors.
	StatusCode int

	// Retryable tells the gateway whether another credential may be tried.
	// Classification is owned by the forwarding layer.
	Retryable bool

	// RetryAfter is the backoff parsed from an upstream 429, if any.
	RetryAfter time.Duration

	Usage TokenUsage
	Cost  float64
	Err   error
}

// SendFunc forwards one attempt using the chosen credential. Supplied by
// the HTTP-forwarding collaborator; the gateway never builds upstream
// requests itself.
type SendFunc func(ctx context.Context, cred *Credential) AttemptResult

// Outcome is the terminal result of one logical request.
type Outcome struct {
	Success      bool
	CredentialID string
	Provider     string
	Attempts     int

	// TraceID identifies the trace of the final attempt, when one was made.
	TraceID string

	Err error
}

// Trace is the immutable record of one attempt, emitted to a TraceSink.
type Trace struct {
	ID           string
	VirtualKeyID string
	CredentialID string
	Provider     string
	Attempt      int
	Success      bool
	StartedAt    time.Time
	Duration     time.Duration
	StatusCode   int
	Usage        TokenUsage
	Cost         float64
	ErrorKind    string
	ErrorMessage string
}

// TraceSink consumes attempt traces. Emission is fire-and-forget: a sink
// error is logged by the gateway and never fails the proxied request.
type TraceSink interface {
	Emit(t Trace) error
}

// TokenRefresher renews OAuth tokens ahead of use. Implemented by
// oauth.Manager; consulted by the Selector when a token is inside the
// refresh safety margin.
type TokenRefresher interface {
	Refresh(ctx context.Context, cred *Credential) (*OAuthTokenRecord, error)
}

// PoolSource supplies virtual keys and their credential pools. The gateway
// resolves both fresh on every request so administrative edits to ceilings
// and weights take effect immediately.
type PoolSource interface {
	VirtualKey(ctx context.Context, id string) (*VirtualKey, error)
	Pool(ctx context.Context, virtualKeyID string) ([]*Credential, error)
}

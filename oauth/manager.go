// Package oauth owns PKCE authorization sessions and access/refresh token
// lifecycle for OAuth-backed keygate credentials.
//
// Sessions are single-use: a session moves from pending to authorized
// exactly once, on a successful Exchange; expiry and cancellation are
// checked lazily on access, so no background timer is required. Manager
// implements keygate.TokenRefresher for the selector's pre-flight refresh.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relayforge/keygate"
)

const (
	defaultSessionTTL     = 15 * time.Minute
	defaultRefreshTimeout = 10 * time.Second
)

// Status is the lifecycle state of an authorization session.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAuthorized Status = "authorized"
	StatusExpired    Status = "expired"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

type session struct {
	id            string
	provider      string
	state         string
	codeVerifier  string
	codeChallenge string
	redirectURI   string
	createdAt     time.Time
	expiresAt     time.Time
	status        Status
	credential    *keygate.Credential // nil until bound
}

// SessionInfo is a read-only snapshot of a session for the administrative
// API layer.
type SessionInfo struct {
	ID           string
	Provider     string
	Status       Status
	CreatedAt    time.Time
	ExpiresAt    time.Time
	CredentialID string
}

// StartResult is returned by StartAuthorization.
type StartResult struct {
	SessionID        string
	AuthorizationURL string
}

// CleanupResult counts sessions removed by Cleanup.
type CleanupResult struct {
	Expired   int
	Cancelled int
	Orphaned  int
}

// Manager owns OAuth sessions and token records.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	byState  map[string]string // state -> session id

	providers map[string]keygate.ProviderAuthConfig

	httpClient     *http.Client
	health         *keygate.HealthTracker
	credentialOK   func(id string) bool
	sessionTTL     time.Duration
	refreshTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

var _ keygate.TokenRefresher = (*Manager)(nil)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHTTPClient sets the client used for token endpoint calls.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) { m.httpClient = c }
}

// WithHealthTracker lets the manager force a credential into the error
// state when its refresh token is rejected.
func WithHealthTracker(h *keygate.HealthTracker) ManagerOption {
	return func(m *Manager) { m.health = h }
}

// WithCredentialChecker wires credential existence checks so Cleanup can
// detect orphaned sessions. keygate.MemorySource.HasCredential fits.
func WithCredentialChecker(fn func(id string) bool) ManagerOption {
	return func(m *Manager) { m.credentialOK = fn }
}

// WithSessionTTL sets how long a pending session stays valid (default 15m).
func WithSessionTTL(d time.Duration) ManagerOption {
	return func(m *Manager) { m.sessionTTL = d }
}

// WithRefreshTimeout sets the deadline for token refresh calls (default
// 10s), independent of the proxied request's budget.
func WithRefreshTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.refreshTimeout = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger (default slog.Default).
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager over the given provider auth templates,
// keyed by provider name.
func NewManager(providers map[string]keygate.ProviderAuthConfig, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:       make(map[string]*session),
		byState:        make(map[string]string),
		providers:      providers,
		httpClient:     http.DefaultClient,
		sessionTTL:     defaultSessionTTL,
		refreshTimeout: defaultRefreshTimeout,
		now:            time.Now,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartOption configures one authorization session.
type StartOption func(*session)

// BindCredential associates the session with an existing credential whose
// token record Exchange will replace.
func BindCredential(cred *keygate.Credential) StartOption {
	return func(s *session) { s.credential = cred }
}

// StartAuthorization creates a pending session and builds the provider's
// authorization URL with state and, when the provider requires it, a PKCE
// challenge.
func (m *Manager) StartAuthorization(_ context.Context, provider, redirectURI string, opts ...StartOption) (StartResult, error) {
	cfg, ok := m.providers[provider]
	if !ok {
		return StartResult{}, fmt.Errorf("%w: %s", keygate.ErrProviderNotConfigured, provider)
	}

	state, err := newState()
	if err != nil {
		return StartResult{}, err
	}

	now := m.now()
	sess := &session{
		id:          uuid.NewString(),
		provider:    provider,
		state:       state,
		redirectURI: redirectURI,
		createdAt:   now,
		expiresAt:   now.Add(m.sessionTTL),
		status:      StatusPending,
	}
	for _, opt := range opts {
		opt(sess)
	}

	vars := map[string]string{
		"client_id":    cfg.ClientID,
		"redirect_uri": redirectURI,
		"state":        state,
		"scope":        cfg.Scope,
	}
	if cfg.UsePKCE {
		verifier, err := newVerifier()
		if err != nil {
			return StartResult{}, err
		}
		sess.codeVerifier = verifier
		sess.codeChallenge = challengeS256(verifier)
		vars["code_challenge"] = sess.codeChallenge
	}

	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.byState[state] = sess.id
	m.mu.Unlock()

	return StartResult{
		SessionID:        sess.id,
		AuthorizationURL: expand(cfg.AuthorizeURL, vars),
	}, nil
}

// ResolveState maps a callback's state token to its session id. Unknown
// state means a forged or stale callback.
func (m *Manager) ResolveState(state string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byState[state]
	if !ok {
		return "", keygate.ErrInvalidState
	}
	return id, nil
}

// Exchange trades an authorization code for tokens. The session must be
// pending and unexpired; it transitions to authorized exactly once, so a
// second Exchange with the same session id fails with ErrInvalidSession.
func (m *Manager) Exchange(ctx context.Context, sessionID, code string) (*keygate.OAuthTokenRecord, error) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, keygate.ErrInvalidSession
	}
	if sess.status == StatusPending && !m.now().Before(sess.expiresAt) {
		sess.status = StatusExpired
		m.mu.Unlock()
		return nil, keygate.ErrSessionExpired
	}
	if sess.status != StatusPending {
		m.mu.Unlock()
		return nil, keygate.ErrInvalidSession
	}
	cfg := m.providers[sess.provider]
	verifier := sess.codeVerifier
	redirectURI := sess.redirectURI
	m.mu.Unlock()

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
		"client_id":    {cfg.ClientID},
	}
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}
	if verifier != "" {
		form.Set("code_verifier", verifier)
	}

	tok, status, err := m.postToken(ctx, cfg.TokenURL, form)
	if err != nil || status >= 400 {
		m.mu.Lock()
		sess.status = StatusError
		m.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", keygate.ErrTokenExchangeFailed, err)
		}
		return nil, fmt.Errorf("%w: status %d", keygate.ErrTokenExchangeFailed, status)
	}

	record := &keygate.OAuthTokenRecord{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    m.now().Add(time.Duration(tok.ExpiresIn) * time.Second),
		SessionID:    sessionID,
	}

	m.mu.Lock()
	sess.status = StatusAuthorized
	if sess.credential != nil {
		sess.credential.SetTokenRecord(record)
	}
	m.mu.Unlock()

	return record, nil
}

// Refresh renews an OAuth credential's tokens using its refresh token. A
// provider rejection (invalid or revoked grant) returns
// ErrRefreshTokenInvalid and forces the credential's health to error;
// manual re-authorization is required from there.
func (m *Manager) Refresh(ctx context.Context, cred *keygate.Credential) (*keygate.OAuthTokenRecord, error) {
	if cred.Kind != keygate.AuthOAuth {
		return nil, fmt.Errorf("keygate/oauth: credential %s is not oauth-backed", cred.ID)
	}

	cfg, ok := m.providers[cred.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", keygate.ErrProviderNotConfigured, cred.Provider)
	}

	current := cred.TokenRecord()
	if current == nil || current.RefreshToken == "" {
		return nil, keygate.ErrRefreshTokenInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, m.refreshTimeout)
	defer cancel()

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {current.RefreshToken},
		"client_id":     {cfg.ClientID},
	}
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}

	tok, status, err := m.postToken(ctx, cfg.TokenURL, form)
	if err != nil {
		return nil, fmt.Errorf("keygate/oauth: refresh: %w", err)
	}
	if status == http.StatusBadRequest || status == http.StatusUnauthorized {
		if m.health != nil {
			m.health.RecordAuthError(cred.ID)
		}
		m.logger.Warn("refresh token rejected",
			"credential", cred.ID,
			"provider", cred.Provider,
			"status", status,
		)
		return nil, keygate.ErrRefreshTokenInvalid
	}
	if status >= 400 {
		return nil, fmt.Errorf("keygate/oauth: refresh: status %d", status)
	}

	record := &keygate.OAuthTokenRecord{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    m.now().Add(time.Duration(tok.ExpiresIn) * time.Second),
		SessionID:    current.SessionID,
	}
	// Providers may omit the refresh token on rotation; keep the old one.
	if record.RefreshToken == "" {
		record.RefreshToken = current.RefreshToken
	}

	cred.SetTokenRecord(record)

	return record, nil
}

// Revoke calls the provider's revocation endpoint best-effort, then deletes
// the local token material regardless of the upstream outcome.
func (m *Manager) Revoke(ctx context.Context, cred *keygate.Credential) error {
	current := cred.TokenRecord()

	cfg, ok := m.providers[cred.Provider]
	if ok && cfg.RevokeURL != "" && current != nil && current.AccessToken != "" {
		form := url.Values{
			"token":     {current.AccessToken},
			"client_id": {cfg.ClientID},
		}
		if cfg.ClientSecret != "" {
			form.Set("client_secret", cfg.ClientSecret)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.RevokeURL, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			if resp, err := m.httpClient.Do(req); err == nil {
				resp.Body.Close()
			} else {
				m.logger.Warn("upstream revocation failed", "credential", cred.ID, "error", err)
			}
		}
	}

	cred.SetTokenRecord(nil)
	return nil
}

// Cancel marks a pending session cancelled.
func (m *Manager) Cancel(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok || sess.status != StatusPending {
		return keygate.ErrInvalidSession
	}
	sess.status = StatusCancelled
	return nil
}

// ListSessions returns snapshots of all sessions, lazily expiring pending
// ones past their deadline.
func (m *Manager) ListSessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if sess.status == StatusPending && !now.Before(sess.expiresAt) {
			sess.status = StatusExpired
		}
		info := SessionInfo{
			ID:        sess.id,
			Provider:  sess.provider,
			Status:    sess.status,
			CreatedAt: sess.createdAt,
			ExpiresAt: sess.expiresAt,
		}
		if sess.credential != nil {
			info.CredentialID = sess.credential.ID
		}
		out = append(out, info)
	}
	return out
}

// Cleanup removes expired and cancelled sessions, plus sessions bound to a
// credential that no longer exists. Idempotent and safe to run concurrently
// with new session creation.
func (m *Manager) Cleanup(_ context.Context) CleanupResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var res CleanupResult
	for id, sess := range m.sessions {
		if sess.status == StatusPending && !now.Before(sess.expiresAt) {
			sess.status = StatusExpired
		}

		remove := false
		switch {
		case sess.status == StatusExpired:
			res.Expired++
			remove = true
		case sess.status == StatusCancelled:
			res.Cancelled++
			remove = true
		case sess.credential != nil && m.credentialOK != nil && !m.credentialOK(sess.credential.ID):
			res.Orphaned++
			remove = true
		}
		if remove {
			delete(m.sessions, id)
			delete(m.byState, sess.state)
		}
	}
	return res
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Error        string `json:"error"`
}

func (m *Manager) postToken(ctx context.Context, tokenURL string, form url.Values) (tokenResponse, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenResponse{}, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return tokenResponse{}, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return tokenResponse{}, resp.StatusCode, err
	}

	var tok tokenResponse
	if resp.StatusCode < 400 {
		if err := json.Unmarshal(body, &tok); err != nil {
			return tokenResponse{}, resp.StatusCode, fmt.Errorf("decode token response: %w", err)
		}
		if tok.AccessToken == "" {
			return tokenResponse{}, resp.StatusCode, errors.New("token response missing access_token")
		}
	}
	return tok, resp.StatusCode, nil
}

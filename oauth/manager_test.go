package oauth_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/keygate"
	"github.com/relayforge/keygate/oauth"
)

// tokenServer is a fake provider token endpoint that records the last form
// it received.
type tokenServer struct {
	*httptest.Server
	lastForm url.Values
	status   int
	reply    map[string]any
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{
		status: http.StatusOK,
		reply: map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"expires_in":    3600,
			"token_type":    "Bearer",
		},
	}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		ts.lastForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(ts.status)
		json.NewEncoder(w).Encode(ts.reply)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func providerConfig(ts *tokenServer) map[string]keygate.ProviderAuthConfig {
	return map[string]keygate.ProviderAuthConfig{
		"mock": {
			ClientID:     "client-1",
			Scope:        "inference offline_access",
			AuthorizeURL: "https://auth.example.com/authorize?client_id={{client_id}}&redirect_uri={{redirect_uri}}&state={{state}}&scope={{scope}}&code_challenge={{code_challenge}}&code_challenge_method=S256",
			TokenURL:     ts.URL + "/token",
			UsePKCE:      true,
		},
	}
}

// Test 1: StartAuthorization fills the URL template with escaped values
func TestStartAuthorization_BuildsURL(t *testing.T) {
	ts := newTokenServer(t)
	m := oauth.NewManager(providerConfig(ts))

	res, err := m.StartAuthorization(context.Background(), "mock", "http://localhost:8080/callback")
	require.NoError(t, err)
	assert.NotEmpty(t, res.SessionID)

	u, err := url.Parse(res.AuthorizationURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "http://localhost:8080/callback", q.Get("redirect_uri"))
	assert.Equal(t, "inference offline_access", q.Get("scope"))
	assert.NotEmpty(t, q.Get("state"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
}

// Test 2: unknown provider is rejected
func TestStartAuthorization_UnknownProvider(t *testing.T) {
	m := oauth.NewManager(nil)
	_, err := m.StartAuthorization(context.Background(), "nope", "http://localhost/cb")
	assert.ErrorIs(t, err, keygate.ErrProviderNotConfigured)
}

// Test 3: the verifier posted on Exchange hashes to the challenge from the
// authorization URL
func TestExchange_PKCERoundTrip(t *testing.T) {
	ts := newTokenServer(t)
	m := oauth.NewManager(providerConfig(ts))

	res, err := m.StartAuthorization(context.Background(), "mock", "http://localhost/cb")
	require.NoError(t, err)

	u, err := url.Parse(res.AuthorizationURL)
	require.NoError(t, err)
	challenge := u.Query().Get("code_challenge")
	require.NotEmpty(t, challenge)

	rec, err := m.Exchange(context.Background(), res.SessionID, "auth-code-123")
	require.NoError(t, err)
	assert.Equal(t, "at-1", rec.AccessToken)
	assert.Equal(t, "rt-1", rec.RefreshToken)
	assert.Equal(t, res.SessionID, rec.SessionID)

	assert.Equal(t, "authorization_code", ts.lastForm.Get("grant_type"))
	assert.Equal(t, "auth-code-123", ts.lastForm.Get("code"))
	verifier := ts.lastForm.Get("code_verifier")
	require.NotEmpty(t, verifier)

	sum := sha256.Sum256([]byte(verifier))
	assert.Equal(t, challenge, base64.RawURLEncoding.EncodeToString(sum[:]))
	assert.False(t, strings.ContainsAny(challenge, "+/="), "challenge must be unpadded base64url")
}

// Test 4: a session can be exchanged exactly once
func TestExchange_SingleUse(t *testing.T) {
	ts := newTokenServer(t)
	m := oauth.NewManager(providerConfig(ts))

	res, err := m.StartAuthorization(context.Background(), "mock", "http://localhost/cb")
	require.NoError(t, err)

	_, err = m.Exchange(context.Background(), res.SessionID, "code-1")
	require.NoError(t, err)

	_, err = m.Exchange(context.Background(), res.SessionID, "code-1")
	assert.ErrorIs(t, err, keygate.ErrInvalidSession)
}

// Test 5: a pending session past its TTL expires lazily
func TestExchange_SessionExpiry(t *testing.T) {
	ts := newTokenServer(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m := oauth.NewManager(providerConfig(ts), oauth.WithClock(func() time.Time { return now }))

	res, err := m.StartAuthorization(context.Background(), "mock", "http://localhost/cb")
	require.NoError(t, err)

	now = now.Add(16 * time.Minute)
	_, err = m.Exchange(context.Background(), res.SessionID, "code-1")
	assert.ErrorIs(t, err, keygate.ErrSessionExpired)

	infos := m.ListSessions()
	require.Len(t, infos, 1)
	assert.Equal(t, oauth.StatusExpired, infos[0].Status)
}

// Test 6: a provider rejection marks the session errored
func TestExchange_ProviderRejection(t *testing.T) {
	ts := newTokenServer(t)
	ts.status = http.StatusBadRequest
	ts.reply = map[string]any{"error": "invalid_grant"}
	m := oauth.NewManager(providerConfig(ts))

	res, err := m.StartAuthorization(context.Background(), "mock", "http://localhost/cb")
	require.NoError(t, err)

	_, err = m.Exchange(context.Background(), res.SessionID, "bad-code")
	assert.ErrorIs(t, err, keygate.ErrTokenExchangeFailed)

	infos := m.ListSessions()
	require.Len(t, infos, 1)
	assert.Equal(t, oauth.StatusError, infos[0].Status)
}

// Test 7: ResolveState maps the callback's state to the session
func TestResolveState(t *testing.T) {
	ts := newTokenServer(t)
	m := oauth.NewManager(providerConfig(ts))

	res, err := m.StartAuthorization(context.Background(), "mock", "http://localhost/cb")
	require.NoError(t, err)

	u, err := url.Parse(res.AuthorizationURL)
	require.NoError(t, err)

	id, err := m.ResolveState(u.Query().Get("state"))
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, id)

	_, err = m.ResolveState("forged")
	assert.ErrorIs(t, err, keygate.ErrInvalidState)
}

// Test 8: Exchange writes the token record onto the bound credential
func TestExchange_BindsCredential(t *testing.T) {
	ts := newTokenServer(t)
	m := oauth.NewManager(providerConfig(ts))

	cred := &keygate.Credential{ID: "c1", Provider: "mock", Kind: keygate.AuthOAuth}
	res, err := m.StartAuthorization(context.Background(), "mock", "http://localhost/cb",
		oauth.BindCredential(cred))
	require.NoError(t, err)

	rec, err := m.Exchange(context.Background(), res.SessionID, "code-1")
	require.NoError(t, err)
	require.NotNil(t, cred.TokenRecord())
	assert.Equal(t, rec, cred.TokenRecord())
}

// Test 9: Refresh updates the credential and keeps the old refresh token
// when the provider omits one
func TestRefresh_KeepsRefreshTokenOnRotation(t *testing.T) {
	ts := newTokenServer(t)
	ts.reply = map[string]any{"access_token": "at-2", "expires_in": 1800}
	m := oauth.NewManager(providerConfig(ts))

	cred := &keygate.Credential{ID: "c1", Provider: "mock", Kind: keygate.AuthOAuth}
	cred.SetTokenRecord(&keygate.OAuthTokenRecord{AccessToken: "at-1", RefreshToken: "rt-keep"})

	rec, err := m.Refresh(context.Background(), cred)
	require.NoError(t, err)
	assert.Equal(t, "at-2", rec.AccessToken)
	assert.Equal(t, "rt-keep", rec.RefreshToken)
	assert.Equal(t, rec, cred.TokenRecord())

	assert.Equal(t, "refresh_token", ts.lastForm.Get("grant_type"))
	assert.Equal(t, "rt-keep", ts.lastForm.Get("refresh_token"))
}

// Test 10: a rejected refresh token errors the credential's health
func TestRefresh_InvalidGrant(t *testing.T) {
	ts := newTokenServer(t)
	ts.status = http.StatusBadRequest
	ts.reply = map[string]any{"error": "invalid_grant"}

	h := keygate.NewHealthTracker()
	m := oauth.NewManager(providerConfig(ts), oauth.WithHealthTracker(h))

	cred := &keygate.Credential{ID: "c1", Provider: "mock", Kind: keygate.AuthOAuth}
	cred.SetTokenRecord(&keygate.OAuthTokenRecord{AccessToken: "at-1", RefreshToken: "rt-dead"})

	_, err := m.Refresh(context.Background(), cred)
	assert.ErrorIs(t, err, keygate.ErrRefreshTokenInvalid)
	assert.Equal(t, keygate.HealthError, h.State("c1").Status)
}

// Test 11: a credential without a refresh token cannot be refreshed
func TestRefresh_MissingRefreshToken(t *testing.T) {
	ts := newTokenServer(t)
	m := oauth.NewManager(providerConfig(ts))

	cred := &keygate.Credential{ID: "c1", Provider: "mock", Kind: keygate.AuthOAuth}
	_, err := m.Refresh(context.Background(), cred)
	assert.ErrorIs(t, err, keygate.ErrRefreshTokenInvalid)
}

// Test 12: Revoke wipes local token material even when the provider has no
// revocation endpoint
func TestRevoke_WipesToken(t *testing.T) {
	ts := newTokenServer(t)
	m := oauth.NewManager(providerConfig(ts))

	cred := &keygate.Credential{ID: "c1", Provider: "mock", Kind: keygate.AuthOAuth}
	cred.SetTokenRecord(&keygate.OAuthTokenRecord{AccessToken: "at-1", RefreshToken: "rt-1"})

	require.NoError(t, m.Revoke(context.Background(), cred))
	assert.Nil(t, cred.TokenRecord())
}

// Test 13: Cancel works on pending sessions only
func TestCancel(t *testing.T) {
	ts := newTokenServer(t)
	m := oauth.NewManager(providerConfig(ts))

	res, err := m.StartAuthorization(context.Background(), "mock", "http://localhost/cb")
	require.NoError(t, err)

	require.NoError(t, m.Cancel(res.SessionID))
	assert.ErrorIs(t, m.Cancel(res.SessionID), keygate.ErrInvalidSession)
	assert.ErrorIs(t, m.Cancel("unknown"), keygate.ErrInvalidSession)
}

// Test 14: Cleanup removes expired, cancelled and orphaned sessions and
// leaves live ones
func TestCleanup(t *testing.T) {
	ts := newTokenServer(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	live := map[string]bool{"kept": true}
	m := oauth.NewManager(providerConfig(ts),
		oauth.WithClock(func() time.Time { return now }),
		oauth.WithCredentialChecker(func(id string) bool { return live[id] }),
	)

	ctx := context.Background()

	expired, err := m.StartAuthorization(ctx, "mock", "http://localhost/cb")
	require.NoError(t, err)
	_ = expired

	now = now.Add(20 * time.Minute)

	cancelled, err := m.StartAuthorization(ctx, "mock", "http://localhost/cb")
	require.NoError(t, err)
	require.NoError(t, m.Cancel(cancelled.SessionID))

	_, err = m.StartAuthorization(ctx, "mock", "http://localhost/cb",
		oauth.BindCredential(&keygate.Credential{ID: "gone", Kind: keygate.AuthOAuth}))
	require.NoError(t, err)

	keep, err := m.StartAuthorization(ctx, "mock", "http://localhost/cb",
		oauth.BindCredential(&keygate.Credential{ID: "kept", Kind: keygate.AuthOAuth}))
	require.NoError(t, err)

	res := m.Cleanup(ctx)
	assert.Equal(t, oauth.CleanupResult{Expired: 1, Cancelled: 1, Orphaned: 1}, res)

	infos := m.ListSessions()
	require.Len(t, infos, 1)
	assert.Equal(t, keep.SessionID, infos[0].ID)
	assert.Equal(t, oauth.StatusPending, infos[0].Status)
}

// Test 15: refresh calls carry their own deadline, independent of the caller
func TestRefresh_OwnTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server watches the connection; the request
		// context is only cancelled on client disconnect once the body is
		// consumed, and without that Close deadlocks on this handler.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer slow.Close()

	m := oauth.NewManager(map[string]keygate.ProviderAuthConfig{
		"mock": {ClientID: "client-1", TokenURL: slow.URL},
	}, oauth.WithRefreshTimeout(30*time.Millisecond))

	cred := &keygate.Credential{ID: "c1", Provider: "mock", Kind: keygate.AuthOAuth}
	cred.SetTokenRecord(&keygate.OAuthTokenRecord{AccessToken: "at-1", RefreshToken: "rt-1"})

	start := time.Now()
	_, err := m.Refresh(context.Background(), cred)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

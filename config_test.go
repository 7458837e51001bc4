package keygate_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/keygate"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keygate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const validConfig = `
timezone: America/New_York

credentials:
  - id: openai-main
    provider: openai
    kind: api_key
    api_key: ${KEYGATE_TEST_OPENAI_KEY}
    weight: 3
    requests_per_minute: 60
    tokens_per_minute: 90000
  - id: anthropic-oauth
    provider: anthropic
    kind: oauth
    requests_per_minute: 50

virtual_keys:
  - id: team-alpha
    user: alice
    strategy: weighted
    retry_count: 2
    timeout_seconds: 30
    requests_per_minute: 100
    tokens_per_day: 500000
    cost_per_day: 25.5
    credentials: [openai-main, anthropic-oauth]

providers:
  anthropic:
    client_id: cid-123
    scope: inference
    authorize_url: https://auth.anthropic.example/authorize?client_id={{client_id}}&state={{state}}
    token_url: https://auth.anthropic.example/token
    use_pkce: true
`

// Test 1: a full config parses with environment expansion
func TestLoadConfig_Valid(t *testing.T) {
	t.Setenv("KEYGATE_TEST_OPENAI_KEY", "sk-expanded")
	path := writeConfig(t, validConfig)

	cfg, err := keygate.LoadConfig(path)
	require.NoError(t, err)

	require.Len(t, cfg.Credentials, 2)
	assert.Equal(t, "sk-expanded", cfg.Credentials[0].APIKey)
	assert.Equal(t, keygate.AuthOAuth, cfg.Credentials[1].Kind)

	require.Len(t, cfg.VirtualKeys, 1)
	vk := cfg.VirtualKeys[0]
	assert.Equal(t, keygate.StrategyWeighted, vk.Strategy)
	assert.Equal(t, 2, vk.RetryCount)
	assert.Equal(t, int64(500000), vk.TokensPerDay)
	assert.InDelta(t, 25.5, vk.CostPerDay, 1e-9)

	assert.True(t, cfg.Providers["anthropic"].UsePKCE)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", loc.String())
}

// Test 2: a missing file errors
func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := keygate.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

// Test 3: malformed YAML errors
func TestLoadConfig_BadYAML(t *testing.T) {
	path := writeConfig(t, "virtual_keys: [\n")
	_, err := keygate.LoadConfig(path)
	assert.ErrorContains(t, err, "parse config")
}

// Test 4: validation failure cases
func TestValidate(t *testing.T) {
	base := func() keygate.Config {
		return keygate.Config{
			Credentials: []keygate.CredentialConfig{
				{ID: "c1", Provider: "openai", Kind: keygate.AuthAPIKey, APIKey: "sk-1"},
			},
			VirtualKeys: []keygate.VirtualKeyConfig{
				{ID: "vk1", Credentials: []string{"c1"}},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*keygate.Config)
		wantErr string
	}{
		{
			name:   "valid baseline",
			mutate: func(*keygate.Config) {},
		},
		{
			name:    "credential without id",
			mutate:  func(c *keygate.Config) { c.Credentials[0].ID = "" },
			wantErr: "id is required",
		},
		{
			name: "duplicate credential id",
			mutate: func(c *keygate.Config) {
				c.Credentials = append(c.Credentials, c.Credentials[0])
			},
			wantErr: "duplicate credential id",
		},
		{
			name:    "api_key credential without key",
			mutate:  func(c *keygate.Config) { c.Credentials[0].APIKey = "" },
			wantErr: "api_key is required",
		},
		{
			name:    "invalid kind",
			mutate:  func(c *keygate.Config) { c.Credentials[0].Kind = "basic" },
			wantErr: "invalid kind",
		},
		{
			name:    "oauth credential without provider config",
			mutate:  func(c *keygate.Config) { c.Credentials[0].Kind = keygate.AuthOAuth },
			wantErr: "no oauth provider config",
		},
		{
			name:    "no virtual keys",
			mutate:  func(c *keygate.Config) { c.VirtualKeys = nil },
			wantErr: "at least one virtual key",
		},
		{
			name:    "invalid strategy",
			mutate:  func(c *keygate.Config) { c.VirtualKeys[0].Strategy = "random" },
			wantErr: "invalid strategy",
		},
		{
			name:    "negative retry count",
			mutate:  func(c *keygate.Config) { c.VirtualKeys[0].RetryCount = -1 },
			wantErr: "retry_count must be >= 0",
		},
		{
			name:    "virtual key without credentials",
			mutate:  func(c *keygate.Config) { c.VirtualKeys[0].Credentials = nil },
			wantErr: "at least one credential",
		},
		{
			name:    "unknown credential reference",
			mutate:  func(c *keygate.Config) { c.VirtualKeys[0].Credentials = []string{"ghost"} },
			wantErr: `unknown credential "ghost"`,
		},
		{
			name: "provider without token_url",
			mutate: func(c *keygate.Config) {
				c.Providers = map[string]keygate.ProviderAuthConfig{
					"p": {ClientID: "cid", AuthorizeURL: "https://x/authorize"},
				}
			},
			wantErr: "token_url are required",
		},
		{
			name: "provider without client_id",
			mutate: func(c *keygate.Config) {
				c.Providers = map[string]keygate.ProviderAuthConfig{
					"p": {AuthorizeURL: "https://x/a", TokenURL: "https://x/t"},
				}
			},
			wantErr: "client_id is required",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tc.wantErr)
			}
		})
	}
}

// Test 5: BuildSource materializes keys, pools and defaults
func TestBuildSource(t *testing.T) {
	t.Setenv("KEYGATE_TEST_OPENAI_KEY", "sk-x")
	cfg, err := keygate.LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	src := cfg.BuildSource()
	ctx := context.Background()

	vk, err := src.VirtualKey(ctx, "team-alpha")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, vk.Timeout)
	assert.Equal(t, keygate.StrategyWeighted, vk.Strategy)

	pool, err := src.Pool(ctx, "team-alpha")
	require.NoError(t, err)
	require.Len(t, pool, 2)

	_, err = src.VirtualKey(ctx, "missing")
	assert.ErrorIs(t, err, keygate.ErrVirtualKeyNotFound)
}

// Test 6: omitted strategy defaults to round-robin
func TestBuildSource_DefaultStrategy(t *testing.T) {
	cfg := keygate.Config{
		Credentials: []keygate.CredentialConfig{
			{ID: "c1", Provider: "openai", Kind: keygate.AuthAPIKey, APIKey: "sk-1"},
		},
		VirtualKeys: []keygate.VirtualKeyConfig{
			{ID: "vk1", Credentials: []string{"c1"}},
		},
	}
	require.NoError(t, cfg.Validate())

	vk, err := cfg.BuildSource().VirtualKey(context.Background(), "vk1")
	require.NoError(t, err)
	assert.Equal(t, keygate.StrategyRoundRobin, vk.Strategy)
}

package keygate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	// Timezone names the location for day-window boundaries (default UTC).
	Timezone string `yaml:"timezone"`

	VirtualKeys []VirtualKeyConfig            `yaml:"virtual_keys"`
	Credentials []CredentialConfig            `yaml:"credentials"`
	Providers   map[string]ProviderAuthConfig `yaml:"providers"`
}

// VirtualKeyConfig configures one client-facing virtual key.
type VirtualKeyConfig struct {
	ID       string   `yaml:"id"`
	UserID   string   `yaml:"user"`
	Strategy Strategy `yaml:"strategy"`

	RetryCount     int `yaml:"retry_count"`
	TimeoutSeconds int `yaml:"timeout_seconds"`

	RequestsPerMinute int64   `yaml:"requests_per_minute"`
	RequestsPerDay    int64   `yaml:"requests_per_day"`
	TokensPerDay      int64   `yaml:"tokens_per_day"`
	CostPerDay        float64 `yaml:"cost_per_day"`

	Credentials []string `yaml:"credentials"`
}

// CredentialConfig configures one upstream credential.
type CredentialConfig struct {
	ID       string   `yaml:"id"`
	Provider string   `yaml:"provider"`
	Kind     AuthKind `yaml:"kind"`
	APIKey   string   `yaml:"api_key"`
	Weight   int      `yaml:"weight"`

	RequestsPerMinute int64 `yaml:"requests_per_minute"`
	TokensPerMinute   int64 `yaml:"tokens_per_minute"`
	RequestsPerDay    int64 `yaml:"requests_per_day"`
}

// ProviderAuthConfig describes a provider's OAuth endpoints. AuthorizeURL
// is a template: {{client_id}}, {{redirect_uri}}, {{state}}, {{scope}} and
// {{code_challenge}} are substituted when a session starts.
type ProviderAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Scope        string `yaml:"scope"`
	AuthorizeURL string `yaml:"authorize_url"`
	TokenURL     string `yaml:"token_url"`
	RevokeURL    string `yaml:"revoke_url"`
	UsePKCE      bool   `yaml:"use_pkce"`
}

// LoadConfig reads and parses a YAML config file. Environment variables in
// the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("keygate: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("keygate: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Location resolves the configured timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("keygate: config: timezone: %w", err)
	}
	return loc, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	credIDs := make(map[string]bool, len(c.Credentials))
	for i, cred := range c.Credentials {
		if cred.ID == "" {
			return fmt.Errorf("keygate: config: credentials[%d]: id is required", i)
		}
		if credIDs[cred.ID] {
			return fmt.Errorf("keygate: config: duplicate credential id %q", cred.ID)
		}
		credIDs[cred.ID] = true

		if cred.Provider == "" {
			return fmt.Errorf("keygate: config: credential %q: provider is required", cred.ID)
		}
		switch cred.Kind {
		case AuthAPIKey:
			if cred.APIKey == "" {
				return fmt.Errorf("keygate: config: credential %q: api_key is required", cred.ID)
			}
		case AuthOAuth:
			if _, ok := c.Providers[cred.Provider]; !ok {
				return fmt.Errorf("keygate: config: credential %q: no oauth provider config for %q", cred.ID, cred.Provider)
			}
		default:
			return fmt.Errorf("keygate: config: credential %q: invalid kind %q", cred.ID, cred.Kind)
		}
	}

	if len(c.VirtualKeys) == 0 {
		return fmt.Errorf("keygate: config: at least one virtual key is required")
	}

	vkIDs := make(map[string]bool, len(c.VirtualKeys))
	for i, vk := range c.VirtualKeys {
		if vk.ID == "" {
			return fmt.Errorf("keygate: config: virtual_keys[%d]: id is required", i)
		}
		if vkIDs[vk.ID] {
			return fmt.Errorf("keygate: config: duplicate virtual key id %q", vk.ID)
		}
		vkIDs[vk.ID] = true

		switch vk.Strategy {
		case "", StrategyRoundRobin, StrategyWeighted, StrategyLeastUsed:
		default:
			return fmt.Errorf("keygate: config: virtual key %q: invalid strategy %q", vk.ID, vk.Strategy)
		}
		if vk.RetryCount < 0 {
			return fmt.Errorf("keygate: config: virtual key %q: retry_count must be >= 0", vk.ID)
		}
		if len(vk.Credentials) == 0 {
			return fmt.Errorf("keygate: config: virtual key %q: at least one credential is required", vk.ID)
		}
		for _, cid := range vk.Credentials {
			if !credIDs[cid] {
				return fmt.Errorf("keygate: config: virtual key %q: unknown credential %q", vk.ID, cid)
			}
		}
	}

	for name, p := range c.Providers {
		if p.AuthorizeURL == "" || p.TokenURL == "" {
			return fmt.Errorf("keygate: config: provider %q: authorize_url and token_url are required", name)
		}
		if p.ClientID == "" {
			return fmt.Errorf("keygate: config: provider %q: client_id is required", name)
		}
	}

	return nil
}

// BuildSource materializes the config into a MemorySource.
func (c Config) BuildSource() *MemorySource {
	src := NewMemorySource()

	for _, cc := range c.Credentials {
		src.PutCredential(&Credential{
			ID:                cc.ID,
			Provider:          cc.Provider,
			Kind:              cc.Kind,
			APIKey:            cc.APIKey,
			Weight:            cc.Weight,
			RequestsPerMinute: cc.RequestsPerMinute,
			TokensPerMinute:   cc.TokensPerMinute,
			RequestsPerDay:    cc.RequestsPerDay,
		})
	}

	for _, kc := range c.VirtualKeys {
		strategy := kc.Strategy
		if strategy == "" {
			strategy = StrategyRoundRobin
		}
		src.PutVirtualKey(&VirtualKey{
			ID:                kc.ID,
			UserID:            kc.UserID,
			Strategy:          strategy,
			RetryCount:        kc.RetryCount,
			Timeout:           time.Duration(kc.TimeoutSeconds) * time.Second,
			RequestsPerMinute: kc.RequestsPerMinute,
			RequestsPerDay:    kc.RequestsPerDay,
			TokensPerDay:      kc.TokensPerDay,
			CostPerDay:        kc.CostPerDay,
		})
		src.Bind(kc.ID, kc.Credentials...)
	}

	return src
}

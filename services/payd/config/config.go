package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for payd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	DatabasePath  string          `yaml:"database"`
	Ledger        LedgerConfig    `yaml:"ledger"`
	Auth          AuthConfig      `yaml:"auth"`
	Quote         QuoteConfig     `yaml:"quote"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
}

// LedgerConfig locates the ledger node and its notification feed.
type LedgerConfig struct {
	RPCURL    string `yaml:"rpc_url"`
	WSURL     string `yaml:"ws_url"`
	AuthToken string `yaml:"auth_token"`
}

// AuthConfig guards the v1 API.
type AuthConfig struct {
	BearerToken string `yaml:"bearer_token"`
}

// QuoteConfig tunes the quoting phase. MaxHold of zero leaves the hold
// duration unbounded.
type QuoteConfig struct {
	MaxHold Duration `yaml:"max_hold"`
}

// RateLimitConfig throttles API clients.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/payd.sqlite"
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 10
	}
}

func validate(cfg Config) error {
	if cfg.Ledger.RPCURL == "" {
		return fmt.Errorf("ledger rpc_url must be configured")
	}
	if cfg.Ledger.WSURL == "" {
		return fmt.Errorf("ledger ws_url must be configured")
	}
	if cfg.Auth.BearerToken == "" {
		return fmt.Errorf("auth bearer_token must be configured")
	}
	if cfg.Quote.MaxHold.Duration < 0 {
		return fmt.Errorf("quote max_hold must not be negative")
	}
	return nil
}

// Package platform wires the dispatch service together: configuration,
// the session registry and its store, the bot authenticator, auditing,
// and the dispatcher.
package platform

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/txn2/dm-dispatch/pkg/bot"
)

// Configuration defaults.
const (
	defaultAddress              = ":8000"
	defaultSessionTimeoutSec    = 3600
	defaultSweepIntervalSec     = 300
	defaultResultsDir           = "results"
	defaultAuditRetentionDays   = 90
	defaultAuditCleanupInterval = time.Hour
)

// Config holds the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Instagram InstagramConfig `yaml:"instagram"`
	Delay     DelayConfig     `yaml:"delay"`
	Database  DatabaseConfig  `yaml:"database"`
	Audit     AuditConfig     `yaml:"audit"`
	Admin     AdminConfig     `yaml:"admin"`
	Results   ResultsConfig   `yaml:"results"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Address string    `yaml:"address"`
	TLS     TLSConfig `yaml:"tls"`
}

// TLSConfig configures TLS.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SessionConfig configures the session registry. TimeoutSeconds is the
// sole tunable affecting registry behavior.
type SessionConfig struct {
	TimeoutSeconds       int    `yaml:"timeout_seconds"`
	SweepIntervalSeconds int    `yaml:"sweep_interval_seconds"`
	Store                string `yaml:"store"` // "memory" (default) or "postgres"
}

// InstagramConfig configures the platform web API client.
type InstagramConfig struct {
	BaseURL        string `yaml:"base_url"`
	UserAgent      string `yaml:"user_agent"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// DelayConfig bounds the randomized pause between messages.
type DelayConfig struct {
	MinSeconds int `yaml:"min_seconds"`
	MaxSeconds int `yaml:"max_seconds"`
}

// DatabaseConfig configures the optional PostgreSQL backend.
type DatabaseConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// AuditConfig configures audit logging.
type AuditConfig struct {
	Enabled       bool `yaml:"enabled"`
	RetentionDays int  `yaml:"retention_days"`
}

// AdminConfig configures admin access to the session listing and
// manual sweep endpoints. Keys carry bcrypt hashes, never plaintext.
type AdminConfig struct {
	JWTSecret string           `yaml:"jwt_secret"`
	Keys      []AdminKeyConfig `yaml:"keys"`
}

// AdminKeyConfig is one named admin API key hash.
type AdminKeyConfig struct {
	Name string `yaml:"name"`
	Hash string `yaml:"hash"`
}

// ResultsConfig configures file-based result persistence.
type ResultsConfig struct {
	Dir string `yaml:"dir"`
}

// LoadConfig reads, env-expands, parses, and validates a config file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = defaultAddress
	}
	if cfg.Session.TimeoutSeconds == 0 {
		cfg.Session.TimeoutSeconds = defaultSessionTimeoutSec
	}
	if cfg.Session.SweepIntervalSeconds == 0 {
		cfg.Session.SweepIntervalSeconds = defaultSweepIntervalSec
	}
	if cfg.Session.Store == "" {
		cfg.Session.Store = "memory"
	}
	if cfg.Delay.MinSeconds == 0 && cfg.Delay.MaxSeconds == 0 {
		cfg.Delay.MinSeconds = bot.DefaultDelayMinSeconds
		cfg.Delay.MaxSeconds = bot.DefaultDelayMaxSeconds
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = defaultAuditRetentionDays
	}
	if cfg.Results.Dir == "" {
		cfg.Results.Dir = defaultResultsDir
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.Session.Store {
	case "memory", "postgres":
	default:
		return fmt.Errorf("session.store must be memory or postgres, got %q", c.Session.Store)
	}
	if c.Session.Store == "postgres" && !c.Database.Enabled {
		return fmt.Errorf("session.store postgres requires database.enabled")
	}
	if c.Database.Enabled && c.Database.DSN == "" {
		return fmt.Errorf("database.enabled requires database.dsn")
	}
	if c.Session.TimeoutSeconds < 0 {
		return fmt.Errorf("session.timeout_seconds must not be negative")
	}
	if c.Delay.MaxSeconds < c.Delay.MinSeconds {
		return fmt.Errorf("delay.max_seconds must be >= delay.min_seconds")
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("tls.enabled requires cert_file and key_file")
	}
	return nil
}

// SessionTimeout returns the idle timeout as a duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Session.TimeoutSeconds) * time.Second
}

// SweepInterval returns the background sweep cadence as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Session.SweepIntervalSeconds) * time.Second
}

// DelayPolicy returns the configured inter-message delay policy.
func (c *Config) DelayPolicy() bot.DelayPolicy {
	return bot.DelayPolicy{
		Min: time.Duration(c.Delay.MinSeconds) * time.Second,
		Max: time.Duration(c.Delay.MaxSeconds) * time.Second,
	}
}

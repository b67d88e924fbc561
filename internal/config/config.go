// Package config loads the coordination core configuration: base persistence
// path, lock timing, retry ceilings, and history bounds, each with documented
// defaults. Durations are configured as strings ("5s", "250ms") and parsed
// during validation.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/pipestate/internal/retry"
)

// Defaults applied by Load when fields are absent.
const (
	DefaultBasePath          = "./pipestate-data"
	DefaultLockTimeout       = "5s"
	DefaultHeartbeatInterval = "2s"
	DefaultHeartbeatTimeout  = "10s"
	DefaultRetryAttempts     = 10
	DefaultMaxHistoryEntries = 50
	DefaultTakeover          = "cooperative"
	DefaultMetricsListen     = "127.0.0.1:9180"
)

// Config is the application configuration.
type Config struct {
	BasePath string        `yaml:"base_path"`
	Lock     LockConfig    `yaml:"lock"`
	Store    StoreConfig   `yaml:"store"`
	Retry    RetryConfig   `yaml:"retry"`
	Metrics  MetricsConfig `yaml:"metrics"`
	Janitor  JanitorConfig `yaml:"janitor"`
}

// LockConfig controls the file lock manager.
type LockConfig struct {
	Timeout           string `yaml:"timeout"`            // acquisition bound, default 5s
	HeartbeatInterval string `yaml:"heartbeat_interval"` // renewal cadence, default 2s
	HeartbeatTimeout  string `yaml:"heartbeat_timeout"`  // staleness threshold, default 10s
	RetryAttempts     int    `yaml:"retry_attempts"`     // acquisition attempts, default 10
	Takeover          string `yaml:"takeover"`           // cooperative|force, default cooperative
}

// StoreConfig controls the versioned state store.
type StoreConfig struct {
	MaxHistoryEntries int `yaml:"max_history_entries"` // per section, default 50
}

// RetryConfig overrides the per-category retry policies.
type RetryConfig struct {
	Transient   PolicyConfig `yaml:"transient"`
	Recoverable PolicyConfig `yaml:"recoverable"`
}

// PolicyConfig mirrors retry.Policy with string durations.
type PolicyConfig struct {
	Mode        string  `yaml:"mode"` // fixed|linear|exponential
	Initial     string  `yaml:"initial"`
	Max         string  `yaml:"max"`
	MaxAttempts int     `yaml:"max_attempts"`
	Jitter      float64 `yaml:"jitter"`
}

// MetricsConfig controls the Prometheus endpoint in serve mode.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // default 127.0.0.1:9180
}

// JanitorConfig controls the periodic stale-lock sweep in serve mode.
type JanitorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"` // default = lock heartbeat_timeout
}

// Load reads configuration from path. A missing file yields the defaults; a
// present but malformed file is an error. Environment variables referenced as
// ${VAR} in the YAML are expanded, and .env/.env.local are preloaded first.
func Load(path string) (*Config, error) {
	// Existing process environment variables are not overwritten.
	_ = godotenv.Load(".env", ".env.local")

	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.BasePath == "" {
		c.BasePath = DefaultBasePath
	}
	if c.Lock.Timeout == "" {
		c.Lock.Timeout = DefaultLockTimeout
	}
	if c.Lock.HeartbeatInterval == "" {
		c.Lock.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Lock.HeartbeatTimeout == "" {
		c.Lock.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Lock.RetryAttempts == 0 {
		c.Lock.RetryAttempts = DefaultRetryAttempts
	}
	if c.Lock.Takeover == "" {
		c.Lock.Takeover = DefaultTakeover
	}
	if c.Store.MaxHistoryEntries == 0 {
		c.Store.MaxHistoryEntries = DefaultMaxHistoryEntries
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = DefaultMetricsListen
	}
	if c.Janitor.Interval == "" {
		c.Janitor.Interval = c.Lock.HeartbeatTimeout
	}
}

// Validate parses every duration and checks ranges.
func (c *Config) Validate() error {
	for field, raw := range map[string]string{
		"lock.timeout":            c.Lock.Timeout,
		"lock.heartbeat_interval": c.Lock.HeartbeatInterval,
		"lock.heartbeat_timeout":  c.Lock.HeartbeatTimeout,
		"janitor.interval":        c.Janitor.Interval,
	} {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s: must be positive, got %q", field, raw)
		}
	}
	if c.Lock.RetryAttempts < 1 {
		return fmt.Errorf("lock.retry_attempts: must be >=1")
	}
	if c.Store.MaxHistoryEntries < 1 {
		return fmt.Errorf("store.max_history_entries: must be >=1")
	}
	switch c.Lock.Takeover {
	case "cooperative", "force":
	default:
		return fmt.Errorf("lock.takeover: must be cooperative or force, got %q", c.Lock.Takeover)
	}
	if hi, ht := c.heartbeatInterval(), c.heartbeatTimeout(); hi >= ht {
		return fmt.Errorf("lock.heartbeat_interval (%v) must be below lock.heartbeat_timeout (%v)", hi, ht)
	}
	for _, pc := range []struct {
		name string
		cfg  PolicyConfig
	}{{"retry.transient", c.Retry.Transient}, {"retry.recoverable", c.Retry.Recoverable}} {
		if _, _, err := pc.cfg.parse(); err != nil {
			return fmt.Errorf("%s: %w", pc.name, err)
		}
	}
	return nil
}

// Accessors returning parsed values. Call only after Load/Validate; a raw
// struct with unvalidated strings yields zero durations.

func (c *Config) LockTimeout() time.Duration       { return mustDuration(c.Lock.Timeout) }
func (c *Config) HeartbeatInterval() time.Duration { return mustDuration(c.Lock.HeartbeatInterval) }
func (c *Config) heartbeatInterval() time.Duration { return mustDuration(c.Lock.HeartbeatInterval) }
func (c *Config) HeartbeatTimeout() time.Duration  { return mustDuration(c.Lock.HeartbeatTimeout) }
func (c *Config) heartbeatTimeout() time.Duration  { return mustDuration(c.Lock.HeartbeatTimeout) }
func (c *Config) JanitorInterval() time.Duration   { return mustDuration(c.Janitor.Interval) }

func mustDuration(raw string) time.Duration {
	d, _ := time.ParseDuration(raw)
	return d
}

// TransientPolicy returns the configured transient retry policy, or the
// package default when unset.
func (c *Config) TransientPolicy() retry.Policy {
	return c.Retry.Transient.policyOr(retry.TransientPolicy())
}

// RecoverablePolicy returns the configured recoverable retry policy, or the
// package default when unset.
func (c *Config) RecoverablePolicy() retry.Policy {
	return c.Retry.Recoverable.policyOr(retry.RecoverablePolicy())
}

func (p PolicyConfig) parse() (initial, max time.Duration, err error) {
	if p.Initial != "" {
		if initial, err = time.ParseDuration(p.Initial); err != nil {
			return 0, 0, fmt.Errorf("invalid initial duration %q: %w", p.Initial, err)
		}
	}
	if p.Max != "" {
		if max, err = time.ParseDuration(p.Max); err != nil {
			return 0, 0, fmt.Errorf("invalid max duration %q: %w", p.Max, err)
		}
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return 0, 0, fmt.Errorf("jitter must be in [0,1), got %v", p.Jitter)
	}
	return initial, max, nil
}

func (p PolicyConfig) policyOr(fallback retry.Policy) retry.Policy {
	if p == (PolicyConfig{}) {
		return fallback
	}
	initial, max, err := p.parse()
	if err != nil {
		return fallback
	}
	out := fallback
	switch retry.BackoffMode(p.Mode) {
	case retry.BackoffFixed, retry.BackoffLinear, retry.BackoffExponential:
		out.Mode = retry.BackoffMode(p.Mode)
	}
	if initial > 0 {
		out.Initial = initial
	}
	if max > 0 {
		out.Max = max
	}
	if p.MaxAttempts > 0 {
		out.MaxAttempts = p.MaxAttempts
	}
	if p.Jitter > 0 {
		out.Jitter = p.Jitter
	}
	if out.Initial > out.Max {
		out.Initial = out.Max
	}
	return out
}

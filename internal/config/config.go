// Package config provides configuration loading for the sync agent.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written in the usual
// "30s" / "5m" form.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Remote    RemoteConfig    `yaml:"remote"`
	Sync      SyncConfig      `yaml:"sync,omitempty"`
	Retention RetentionConfig `yaml:"retention,omitempty"`
	API       APIConfig       `yaml:"api,omitempty"`
	Log       LogConfig       `yaml:"log,omitempty"`
}

// DatabaseConfig defines where the local queue lives
type DatabaseConfig struct {
	// Path is the SQLite database file path
	Path string `yaml:"path"`
}

// RemoteConfig defines the backend the agent syncs against
type RemoteConfig struct {
	// BaseURL is the backend API root
	BaseURL string `yaml:"baseUrl"`

	// ProbeURL is the endpoint polled to detect connectivity. Defaults to
	// BaseURL + "/health" when empty.
	ProbeURL string `yaml:"probeUrl,omitempty"`

	// ProbeInterval is how often connectivity is probed
	ProbeInterval Duration `yaml:"probeInterval,omitempty"`

	// AuthToken is the bearer token presented to the backend
	AuthToken string `yaml:"authToken,omitempty"`
}

// SyncConfig tunes the drain coordinator
type SyncConfig struct {
	Interval          Duration `yaml:"interval,omitempty"`
	Jitter            Duration `yaml:"jitter,omitempty"`
	BatchSize         int      `yaml:"batchSize,omitempty"`
	InterCommandDelay Duration `yaml:"interCommandDelay,omitempty"`
	SessionFailureCap int      `yaml:"sessionFailureCap,omitempty"`
	Cooldown          Duration `yaml:"cooldown,omitempty"`
	ExecutingTimeout  Duration `yaml:"executingTimeout,omitempty"`
	Backoff           Backoff  `yaml:"backoff,omitempty"`
}

// Backoff tunes per-command retry delays
type Backoff struct {
	Initial    Duration `yaml:"initial,omitempty"`
	Max        Duration `yaml:"max,omitempty"`
	Multiplier float64  `yaml:"multiplier,omitempty"`
}

// RetentionConfig tunes the sweeper
type RetentionConfig struct {
	SweepInterval Duration `yaml:"sweepInterval,omitempty"`
	Done          Duration `yaml:"done,omitempty"`
	Dead          Duration `yaml:"dead,omitempty"`
}

// APIConfig defines the local control API listener
type APIConfig struct {
	// Address is the listen address, defaulting to localhost only
	Address string `yaml:"address,omitempty"`
}

// LogConfig defines logging behavior
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level,omitempty"`

	// Format is "json" or "text"
	Format string `yaml:"format,omitempty"`
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	config.applyDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Remote.ProbeURL == "" && c.Remote.BaseURL != "" {
		c.Remote.ProbeURL = c.Remote.BaseURL + "/health"
	}
	if c.API.Address == "" {
		c.API.Address = "127.0.0.1:7381"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.baseUrl is required")
	}
	for _, u := range []string{c.Remote.BaseURL, c.Remote.ProbeURL} {
		parsed, err := url.Parse(u)
		if err != nil {
			return fmt.Errorf("invalid remote URL %q: %w", u, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("remote URL %q must use http or https", u)
		}
	}

	if c.Sync.BatchSize < 0 {
		return fmt.Errorf("sync.batchSize cannot be negative")
	}
	if c.Sync.SessionFailureCap < 0 {
		return fmt.Errorf("sync.sessionFailureCap cannot be negative")
	}
	if c.Sync.Backoff.Multiplier != 0 && c.Sync.Backoff.Multiplier < 1 {
		return fmt.Errorf("sync.backoff.multiplier must be at least 1")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text")
	}

	return nil
}

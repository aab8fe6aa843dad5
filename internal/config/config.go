// Package config manages the clipagent daemon configuration.
//
// The configuration file is YAML and lives at
// $XDG_CONFIG_HOME/clipagent/config.yaml. Every field is optional; missing
// fields take the defaults from DefaultConfig. Environment variables override
// the file. User-editable settings (API endpoints, feature toggles) are not
// configuration: they live in the local store and only take their defaults
// from here.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultListenAddr           = "127.0.0.1:7878"
	DefaultAPIBase              = "https://api.clipagent.app"
	DefaultWebappBase           = "https://clipagent.app"
	DefaultPollInterval         = 3 * time.Second
	DefaultRetryInterval        = 3 * time.Second
	DefaultRefreshLookahead     = 72 * time.Hour
	DefaultRefreshCheckInterval = time.Hour
	DefaultRequestTimeout       = 30 * time.Second
	DefaultFinishedJobsKept     = 20
)

// Environment overrides.
const (
	EnvListenAddr   = "CLIPAGENT_LISTEN_ADDR"
	EnvDBPath       = "CLIPAGENT_DB_PATH"
	EnvAPIBase      = "CLIPAGENT_API_BASE"
	EnvWebappBase   = "CLIPAGENT_WEBAPP_BASE"
	EnvPollInterval = "CLIPAGENT_POLL_INTERVAL"
)

// Duration is a time.Duration that reads and writes as a Go duration string.
type Duration time.Duration

// Duration returns the value as a time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the daemon configuration.
type Config struct {
	// ListenAddr is where surfaces reach the daemon.
	ListenAddr string `yaml:"listen_addr"`

	// DBPath is the local sqlite database. Empty means db.DefaultPath().
	DBPath string `yaml:"db_path,omitempty"`

	// APIBase and WebappBase are the defaults for the user settings of the
	// same name.
	APIBase    string `yaml:"api_base"`
	WebappBase string `yaml:"webapp_base"`

	// PollInterval is the delay between job status polls.
	PollInterval Duration `yaml:"poll_interval"`

	// RetryInterval is the delay before the next poll after a transient error.
	RetryInterval Duration `yaml:"retry_interval"`

	// RefreshLookahead is how long before expiry a token is refreshed.
	RefreshLookahead Duration `yaml:"refresh_lookahead"`

	// RefreshCheckInterval is how often the daemon proactively checks expiry.
	RefreshCheckInterval Duration `yaml:"refresh_check_interval"`

	// RequestTimeout bounds each outbound HTTP exchange.
	RequestTimeout Duration `yaml:"request_timeout"`

	// FinishedJobsKept bounds the list of terminal jobs kept for surfaces.
	FinishedJobsKept int `yaml:"finished_jobs_kept"`
}

// DefaultConfig returns a Config with defaults applied.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:           DefaultListenAddr,
		APIBase:              DefaultAPIBase,
		WebappBase:           DefaultWebappBase,
		PollInterval:         Duration(DefaultPollInterval),
		RetryInterval:        Duration(DefaultRetryInterval),
		RefreshLookahead:     Duration(DefaultRefreshLookahead),
		RefreshCheckInterval: Duration(DefaultRefreshCheckInterval),
		RequestTimeout:       Duration(DefaultRequestTimeout),
		FinishedJobsKept:     DefaultFinishedJobsKept,
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "clipagent", "config.yaml")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "clipagent", "config.yaml")
	}
	return filepath.Join(homeDir, ".config", "clipagent", "config.yaml")
}

// Load reads the configuration from ConfigPath and applies the environment.
func Load() (*Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom reads the configuration file at path, applies defaults for missing
// fields and then the environment. A missing file yields the defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CLIPAGENT_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvListenAddr)); v != "" {
		c.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDBPath)); v != "" {
		c.DBPath = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAPIBase)); v != "" {
		c.APIBase = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvWebappBase)); v != "" {
		c.WebappBase = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPollInterval)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPollInterval, err)
		}
		c.PollInterval = Duration(d)
	}
	return nil
}

// normalize fills zero values left by a partial file.
func (c *Config) normalize() {
	def := DefaultConfig()
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
	if strings.TrimSpace(c.APIBase) == "" {
		c.APIBase = def.APIBase
	}
	if strings.TrimSpace(c.WebappBase) == "" {
		c.WebappBase = def.WebappBase
	}
	c.APIBase = strings.TrimRight(strings.TrimSpace(c.APIBase), "/")
	c.WebappBase = strings.TrimRight(strings.TrimSpace(c.WebappBase), "/")
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = c.PollInterval
	}
	if c.RefreshLookahead <= 0 {
		c.RefreshLookahead = def.RefreshLookahead
	}
	if c.RefreshCheckInterval <= 0 {
		c.RefreshCheckInterval = def.RefreshCheckInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.FinishedJobsKept <= 0 {
		c.FinishedJobsKept = def.FinishedJobsKept
	}
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.APIBase, "http://") && !strings.HasPrefix(c.APIBase, "https://") {
		return fmt.Errorf("api_base must be an http(s) URL, got %q", c.APIBase)
	}
	if !strings.HasPrefix(c.WebappBase, "http://") && !strings.HasPrefix(c.WebappBase, "https://") {
		return fmt.Errorf("webapp_base must be an http(s) URL, got %q", c.WebappBase)
	}
	if c.PollInterval.Duration() < 10*time.Millisecond {
		return fmt.Errorf("poll_interval %s is too short", c.PollInterval.Duration())
	}
	return nil
}

// Save writes the configuration to path atomically.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "config.*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}

	success = true
	return nil
}

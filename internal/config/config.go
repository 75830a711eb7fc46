// Package config loads taskflow settings from .taskflow/config.yaml, the
// environment and command-line flags, in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/harrison/taskflow/internal/models"
)

// EnvPrefix prefixes every environment override, e.g. TASKFLOW_WORKERS
const EnvPrefix = "TASKFLOW_"

// NATSConfig configures the NATS notification sink
type NATSConfig struct {
	// Enabled publishes task notifications to NATS
	Enabled bool `yaml:"enabled"`

	// URL is the NATS server address
	URL string `yaml:"url"`

	// Subject is the subject prefix; events go to <subject>.<kind>.<user>
	Subject string `yaml:"subject"`
}

// PlannerConfig configures the plan inbox
type PlannerConfig struct {
	// InboxDir is watched for plan files by `serve --inbox`
	InboxDir string `yaml:"inbox_dir"`

	// Pattern selects plan files inside InboxDir (doublestar syntax)
	Pattern string `yaml:"pattern"`

	// DefaultUserID owns inbox plans that do not declare a user_id
	DefaultUserID string `yaml:"default_user_id"`

	// Execute requests execution of inbox plans as they are submitted.
	// When false they are only created and wait for `taskflow execute`.
	Execute bool `yaml:"execute"`
}

// Config represents taskflow configuration options
type Config struct {
	// Workers is the number of dispatcher workers
	Workers int `yaml:"workers"`

	// PollInterval is how often due waits and orphaned tasks are polled
	PollInterval time.Duration `yaml:"poll_interval"`

	// ToolTimeout bounds a single tool call
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// BaseBackoff and MaxBackoff bound the retry delay
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`

	// DefaultMaxRetries applies to plans without max_retries
	DefaultMaxRetries int `yaml:"default_max_retries"`

	// LogLevel sets the logging verbosity (trace, debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// LogDir is the directory where run and task logs are written
	LogDir string `yaml:"log_dir"`

	// DBPath is the sqlite database holding tasks and steps
	DBPath string `yaml:"db_path"`

	// ListenAddr is the HTTP address used by `serve`
	ListenAddr string `yaml:"listen_addr"`

	NATS    NATSConfig    `yaml:"nats"`
	Planner PlannerConfig `yaml:"planner"`
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		Workers:           4,
		PollInterval:      2 * time.Second,
		ToolTimeout:       30 * time.Second,
		BaseBackoff:       time.Second,
		MaxBackoff:        5 * time.Minute,
		DefaultMaxRetries: models.DefaultMaxRetries,
		LogLevel:          "info",
		LogDir:            ".taskflow/logs",
		DBPath:            ".taskflow/taskflow.db",
		ListenAddr:        ":8080",
		NATS: NATSConfig{
			URL:     "nats://127.0.0.1:4222",
			Subject: "taskflow",
		},
		Planner: PlannerConfig{
			InboxDir: ".taskflow/inbox",
			Pattern:  "*.{md,markdown,yaml,yml,json}",
			Execute:  true,
		},
	}
}

// fileConfig mirrors Config with optional fields so that a key present in
// the file overrides the default even when set to its zero value.
type fileConfig struct {
	Workers           *int    `yaml:"workers"`
	PollInterval      *string `yaml:"poll_interval"`
	ToolTimeout       *string `yaml:"tool_timeout"`
	BaseBackoff       *string `yaml:"base_backoff"`
	MaxBackoff        *string `yaml:"max_backoff"`
	DefaultMaxRetries *int    `yaml:"default_max_retries"`
	LogLevel          *string `yaml:"log_level"`
	LogDir            *string `yaml:"log_dir"`
	DBPath            *string `yaml:"db_path"`
	ListenAddr        *string `yaml:"listen_addr"`
	NATS              *struct {
		Enabled *bool   `yaml:"enabled"`
		URL     *string `yaml:"url"`
		Subject *string `yaml:"subject"`
	} `yaml:"nats"`
	Planner *struct {
		InboxDir      *string `yaml:"inbox_dir"`
		Pattern       *string `yaml:"pattern"`
		DefaultUserID *string `yaml:"default_user_id"`
		Execute       *bool   `yaml:"execute"`
	} `yaml:"planner"`
}

// LoadConfig loads configuration from the specified file path
// If the file doesn't exist, returns default configuration without error
// If the file exists but is malformed, returns an error
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.apply(&fc); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFromDir loads .taskflow/config.yaml in dir, then applies a .env
// file from dir and TASKFLOW_* environment variables on top
func LoadConfigFromDir(dir string) (*Config, error) {
	cfg, err := LoadConfig(filepath.Join(dir, ".taskflow", "config.yaml"))
	if err != nil {
		return nil, err
	}
	if err := LoadDotEnv(filepath.Join(dir, ".env")); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads path into the process environment. Variables already set
// win over the file, and a missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func (c *Config) apply(fc *fileConfig) error {
	durations := []struct {
		key string
		src *string
		dst *time.Duration
	}{
		{"poll_interval", fc.PollInterval, &c.PollInterval},
		{"tool_timeout", fc.ToolTimeout, &c.ToolTimeout},
		{"base_backoff", fc.BaseBackoff, &c.BaseBackoff},
		{"max_backoff", fc.MaxBackoff, &c.MaxBackoff},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("invalid %s format %q: %w", d.key, *d.src, err)
		}
		*d.dst = v
	}

	setInt(&c.Workers, fc.Workers)
	setInt(&c.DefaultMaxRetries, fc.DefaultMaxRetries)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.LogDir, fc.LogDir)
	setString(&c.DBPath, fc.DBPath)
	setString(&c.ListenAddr, fc.ListenAddr)

	if fc.NATS != nil {
		if fc.NATS.Enabled != nil {
			c.NATS.Enabled = *fc.NATS.Enabled
		}
		setString(&c.NATS.URL, fc.NATS.URL)
		setString(&c.NATS.Subject, fc.NATS.Subject)
	}
	if fc.Planner != nil {
		setString(&c.Planner.InboxDir, fc.Planner.InboxDir)
		setString(&c.Planner.Pattern, fc.Planner.Pattern)
		setString(&c.Planner.DefaultUserID, fc.Planner.DefaultUserID)
		if fc.Planner.Execute != nil {
			c.Planner.Execute = *fc.Planner.Execute
		}
	}
	return nil
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

// ApplyEnv overrides fields from TASKFLOW_* variables found by lookup
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
		return nil
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
		return nil
	}

	if err := num("WORKERS", &c.Workers); err != nil {
		return err
	}
	if err := num("DEFAULT_MAX_RETRIES", &c.DefaultMaxRetries); err != nil {
		return err
	}
	for name, dst := range map[string]*time.Duration{
		"POLL_INTERVAL": &c.PollInterval,
		"TOOL_TIMEOUT":  &c.ToolTimeout,
		"BASE_BACKOFF":  &c.BaseBackoff,
		"MAX_BACKOFF":   &c.MaxBackoff,
	} {
		if err := dur(name, dst); err != nil {
			return err
		}
	}
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_DIR", &c.LogDir)
	str("DB_PATH", &c.DBPath)
	str("LISTEN_ADDR", &c.ListenAddr)
	str("NATS_URL", &c.NATS.URL)
	str("NATS_SUBJECT", &c.NATS.Subject)
	str("INBOX_DIR", &c.Planner.InboxDir)
	str("INBOX_PATTERN", &c.Planner.Pattern)
	str("INBOX_USER_ID", &c.Planner.DefaultUserID)

	for name, dst := range map[string]*bool{
		"NATS_ENABLED":  &c.NATS.Enabled,
		"INBOX_EXECUTE": &c.Planner.Execute,
	} {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = b
	}
	return nil
}

// ResolvePaths makes relative file locations relative to base, the
// project directory, rather than to the working directory
func (c *Config) ResolvePaths(base string) {
	for _, p := range []*string{&c.DBPath, &c.LogDir, &c.Planner.InboxDir} {
		if *p != "" && *p != ":memory:" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

// Flags holds command-line overrides. Nil fields were not given.
type Flags struct {
	Workers    *int
	LogLevel   *string
	LogDir     *string
	DBPath     *string
	ListenAddr *string
	InboxDir   *string
	NATSURL    *string
}

// MergeWithFlags merges CLI flags into the configuration
// Non-nil flag values override configuration values
func (c *Config) MergeWithFlags(f Flags) {
	setInt(&c.Workers, f.Workers)
	setString(&c.LogLevel, f.LogLevel)
	setString(&c.LogDir, f.LogDir)
	setString(&c.DBPath, f.DBPath)
	setString(&c.ListenAddr, f.ListenAddr)
	setString(&c.Planner.InboxDir, f.InboxDir)
	if f.NATSURL != nil {
		c.NATS.URL = *f.NATSURL
		c.NATS.Enabled = *f.NATSURL != ""
	}
}

// Validate validates the configuration values
// Returns an error if any values are invalid
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be > 0, got %v", c.PollInterval)
	}
	if c.ToolTimeout <= 0 {
		return fmt.Errorf("tool_timeout must be > 0, got %v", c.ToolTimeout)
	}
	if c.BaseBackoff <= 0 {
		return fmt.Errorf("base_backoff must be > 0, got %v", c.BaseBackoff)
	}
	if c.MaxBackoff < c.BaseBackoff {
		return fmt.Errorf("max_backoff (%v) must be >= base_backoff (%v)", c.MaxBackoff, c.BaseBackoff)
	}
	if c.DefaultMaxRetries < 0 {
		return fmt.Errorf("default_max_retries must be >= 0, got %d", c.DefaultMaxRetries)
	}

	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}

	if c.DBPath == "" {
		return fmt.Errorf("db_path cannot be empty")
	}
	if c.NATS.Enabled {
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url cannot be empty when nats is enabled")
		}
		if c.NATS.Subject == "" {
			return fmt.Errorf("nats.subject cannot be empty when nats is enabled")
		}
	}
	return nil
}

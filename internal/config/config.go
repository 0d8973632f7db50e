// Package config builds the process configuration once at startup. Components
// receive the sections they need through their constructors and never re-read
// configuration during a run.
package config

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults/default.yaml
var defaultsFS embed.FS

// EnvConfigPath names the environment variable that points at an overlay file.
const EnvConfigPath = "OPPSYNC_CONFIG"

type Config struct {
	Upstream  Upstream  `yaml:"upstream"`
	Auth      Auth      `yaml:"auth"`
	Database  Database  `yaml:"database"`
	Schedule  Schedule  `yaml:"schedule"`
	Normalize Normalize `yaml:"normalize"`
	Server    Server    `yaml:"server"`
	Log       Log       `yaml:"log"`
}

// Upstream configures the opportunities list endpoint.
type Upstream struct {
	BaseURL           string  `yaml:"base_url"`
	OpportunitiesPath string  `yaml:"opportunities_path"`
	PageLimit         int     `yaml:"page_limit"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	RateLimitRPS      float64 `yaml:"rate_limit_rps"`
}

// Auth configures the bearer token provider. When CredentialsFile exists it
// wins over AccessToken.
type Auth struct {
	TokenURL        string        `yaml:"token_url"`
	CredentialsFile string        `yaml:"credentials_file"`
	AccessToken     string        `yaml:"access_token"`
	RefreshSkew     time.Duration `yaml:"refresh_skew"`
}

type Database struct {
	Driver string `yaml:"driver"` // postgres | sqlite | sqlserver
	URL    string `yaml:"url"`
}

// Schedule configures recurring incremental runs.
type Schedule struct {
	Interval          time.Duration `yaml:"interval"`
	Lookback          time.Duration `yaml:"lookback"`
	RunTimeout        time.Duration `yaml:"run_timeout"`
	BackfillWhenEmpty bool          `yaml:"backfill_when_empty"`
}

type Normalize struct {
	MaxTextLength     int    `yaml:"max_text_length"`
	MaxLongTextLength int    `yaml:"max_long_text_length"`
	Placeholder       string `yaml:"placeholder"`
}

type Server struct {
	Port            string `yaml:"port"`
	AdminSecretHash string `yaml:"admin_secret_hash"` // bcrypt
}

// Log configures an optional rotating log file next to stderr.
type Log struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the embedded defaults with environment variables expanded.
func Default() (*Config, error) {
	data, err := defaultsFS.ReadFile("defaults/default.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded defaults: %w", err)
	}
	var cfg Config
	if err := decode(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse embedded defaults: %w", err)
	}
	return &cfg, nil
}

// Load builds the configuration: embedded defaults, then the overlay file at
// path (or $OPPSYNC_CONFIG when path is empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envRef matches braced ${NAME} references only. A bare $ is literal, so
// bcrypt hashes and passwords pass through unchanged.
var envRef = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}`)

// decode expands ${VAR} references before unmarshalling into cfg, so values
// already present in cfg survive when the document omits them.
func decode(data []byte, cfg *Config) error {
	expanded := envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		return []byte(os.Getenv(string(ref[2 : len(ref)-1])))
	})
	return yaml.Unmarshal(expanded, cfg)
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		c.Database.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_DRIVER")); v != "" {
		c.Database.Driver = v
	}
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		c.Server.Port = v
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Upstream.BaseURL == "" {
		errs = append(errs, errors.New("upstream.base_url is required"))
	}
	if c.Upstream.PageLimit <= 0 {
		errs = append(errs, fmt.Errorf("upstream.page_limit must be positive, got %d", c.Upstream.PageLimit))
	}
	if c.Upstream.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("upstream.rate_limit_rps must not be negative, got %v", c.Upstream.RateLimitRPS))
	}
	switch c.Database.Driver {
	case "postgres", "sqlite", "sqlserver":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not one of postgres, sqlite, sqlserver", c.Database.Driver))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.Schedule.Interval <= 0 {
		errs = append(errs, fmt.Errorf("schedule.interval must be positive, got %s", c.Schedule.Interval))
	}
	if c.Schedule.Lookback <= 0 {
		errs = append(errs, fmt.Errorf("schedule.lookback must be positive, got %s", c.Schedule.Lookback))
	}
	if c.Schedule.RunTimeout <= 0 {
		errs = append(errs, fmt.Errorf("schedule.run_timeout must be positive, got %s", c.Schedule.RunTimeout))
	}
	if c.Normalize.MaxTextLength <= 0 || c.Normalize.MaxLongTextLength <= 0 {
		errs = append(errs, errors.New("normalize text lengths must be positive"))
	}
	if c.Normalize.MaxTextLength > MaxShortColumn {
		errs = append(errs, fmt.Errorf("normalize.max_text_length must be at most %d, got %d", MaxShortColumn, c.Normalize.MaxTextLength))
	}
	if len(c.Normalize.Placeholder) != 1 || c.Normalize.Placeholder[0] < 0x20 || c.Normalize.Placeholder[0] > 0x7e {
		errs = append(errs, fmt.Errorf("normalize.placeholder must be one printable ASCII character, got %q", c.Normalize.Placeholder))
	}
	return errors.Join(errs...)
}

// MaxShortColumn is the width of every short text column in the schema.
const MaxShortColumn = 255

// Timeout returns the per-request HTTP timeout.
func (u Upstream) Timeout() time.Duration {
	if u.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(u.TimeoutSeconds) * time.Second
}

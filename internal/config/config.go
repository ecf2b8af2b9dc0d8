// ABOUTME: Configuration loading and parsing for switchboard
// ABOUTME: Supports YAML or TOML files with ${VAR} expansion, env overrides and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the complete switchboard configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Browser  BrowserConfig  `yaml:"browser" toml:"browser"`
	Bot      BotConfig      `yaml:"bot" toml:"bot"`
	Shared   SharedConfig   `yaml:"shared" toml:"shared"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" env:"SWITCHBOARD_HTTP_ADDR"`

	ShutdownTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" toml:"shutdown_timeout" env:"SWITCHBOARD_SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path" env:"SWITCHBOARD_DB_PATH"`
}

// AuthConfig holds tenant authentication and credential sealing configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret" env:"SWITCHBOARD_JWT_SECRET"`
	Issuer    string `yaml:"issuer" toml:"issuer" env:"SWITCHBOARD_JWT_ISSUER"`

	// SealSecret keys the sealing of bot tokens at rest. Defaults to JWTSecret.
	SealSecret string `yaml:"seal_secret" toml:"seal_secret" env:"SWITCHBOARD_SEAL_SECRET"`
}

// BrowserConfig holds the browser-session connector configuration
type BrowserConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled" env:"SWITCHBOARD_BROWSER_ENABLED"`

	// Binary overrides browser discovery. Empty means search known install
	// locations, then fall back to the automation library's own lookup.
	Binary string `yaml:"binary" toml:"binary" env:"SWITCHBOARD_BROWSER_BIN"`

	// ProfileDir holds one persistent profile per tenant. Defaults to
	// "<database dir>/browser".
	ProfileDir string `yaml:"profile_dir" toml:"profile_dir" env:"SWITCHBOARD_BROWSER_PROFILE_DIR"`

	// WebURL is the messaging web client the browser signs in to.
	WebURL string `yaml:"web_url" toml:"web_url" env:"SWITCHBOARD_BROWSER_WEB_URL"`

	Headless         bool `yaml:"headless" toml:"headless" env:"SWITCHBOARD_BROWSER_HEADLESS"`
	FetchConcurrency int  `yaml:"fetch_concurrency" toml:"fetch_concurrency" env:"SWITCHBOARD_BROWSER_FETCH_CONCURRENCY"`
	RestoreOnStart   bool `yaml:"restore_on_start" toml:"restore_on_start" env:"SWITCHBOARD_BROWSER_RESTORE"`

	ChallengeTimeout time.Duration `yaml:"-" toml:"-"`
	LockRetryDelay   time.Duration `yaml:"-" toml:"-"`
	ProbeInterval    time.Duration `yaml:"-" toml:"-"`

	ChallengeTimeoutRaw string `yaml:"challenge_timeout" toml:"challenge_timeout" env:"SWITCHBOARD_BROWSER_CHALLENGE_TIMEOUT"`
	LockRetryDelayRaw   string `yaml:"lock_retry_delay" toml:"lock_retry_delay" env:"SWITCHBOARD_BROWSER_LOCK_RETRY_DELAY"`
	ProbeIntervalRaw    string `yaml:"probe_interval" toml:"probe_interval" env:"SWITCHBOARD_BROWSER_PROBE_INTERVAL"`
}

// BotConfig holds the per-tenant long-polling bot connector configuration
type BotConfig struct {
	// APIURL overrides the Bot API server, mainly for tests and self-hosted servers.
	APIURL string `yaml:"api_url" toml:"api_url" env:"SWITCHBOARD_BOT_API_URL"`

	PollInterval time.Duration `yaml:"-" toml:"-"`
	PollTimeout  time.Duration `yaml:"-" toml:"-"`

	PollIntervalRaw string `yaml:"poll_interval" toml:"poll_interval" env:"SWITCHBOARD_BOT_POLL_INTERVAL"`
	PollTimeoutRaw  string `yaml:"poll_timeout" toml:"poll_timeout" env:"SWITCHBOARD_BOT_POLL_TIMEOUT"`
}

// SharedConfig holds the shared bot router configuration
type SharedConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled" env:"SWITCHBOARD_SHARED_ENABLED"`
	BotToken string `yaml:"bot_token" toml:"bot_token" env:"SWITCHBOARD_SHARED_BOT_TOKEN"`

	// LinkReply is sent to users whose conversation is not linked to any tenant.
	LinkReply string `yaml:"link_reply" toml:"link_reply" env:"SWITCHBOARD_SHARED_LINK_REPLY"`

	DedupeSize int `yaml:"dedupe_size" toml:"dedupe_size" env:"SWITCHBOARD_SHARED_DEDUPE_SIZE"`

	LinkCodeTTL time.Duration `yaml:"-" toml:"-"`
	DedupeTTL   time.Duration `yaml:"-" toml:"-"`

	LinkCodeTTLRaw string `yaml:"link_code_ttl" toml:"link_code_ttl" env:"SWITCHBOARD_SHARED_LINK_CODE_TTL"`
	DedupeTTLRaw   string `yaml:"dedupe_ttl" toml:"dedupe_ttl" env:"SWITCHBOARD_SHARED_DEDUPE_TTL"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"SWITCHBOARD_LOG_LEVEL"`
	Format string `yaml:"format" toml:"format" env:"SWITCHBOARD_LOG_FORMAT"`

	// File, when set, receives a copy of the log output with size-based rotation.
	File       string `yaml:"file" toml:"file" env:"SWITCHBOARD_LOG_FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" env:"SWITCHBOARD_METRICS_ENABLED"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// ${VAR_NAME} references are expanded before parsing, SWITCHBOARD_* environment
// variables then override file values, and defaults fill whatever is left.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	return finish(cfg)
}

// FromEnv builds a configuration from defaults and environment variables only.
func FromEnv() (*Config, error) {
	return finish(Default())
}

func finish(cfg *Config) (*Config, error) {
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	cfg.applyDefaults()

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration populated with defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:           "127.0.0.1:8088",
			ShutdownTimeoutRaw: "10s",
		},
		Browser: BrowserConfig{
			Enabled:             true,
			WebURL:              "https://web.whatsapp.com",
			Headless:            true,
			FetchConcurrency:    4,
			RestoreOnStart:      true,
			ChallengeTimeoutRaw: "3m",
			LockRetryDelayRaw:   "2s",
			ProbeIntervalRaw:    "2s",
		},
		Bot: BotConfig{
			PollIntervalRaw: "2s",
			PollTimeoutRaw:  "30s",
		},
		Shared: SharedConfig{
			LinkReply:      "This chat isn't linked to an account yet. Open your dashboard, create a link code and send /start <code> here.",
			DedupeSize:     10000,
			LinkCodeTTLRaw: "15m",
			DedupeTTLRaw:   "10m",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// applyDefaults fills values derived from other settings.
func (c *Config) applyDefaults() {
	if c.Auth.SealSecret == "" {
		c.Auth.SealSecret = c.Auth.JWTSecret
	}
	if c.Browser.ProfileDir == "" && c.Database.Path != "" {
		c.Browser.ProfileDir = filepath.Join(filepath.Dir(c.Database.Path), "browser")
	}
	if c.Browser.FetchConcurrency <= 0 {
		c.Browser.FetchConcurrency = 1
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("auth.jwt_secret must be at least 16 characters")
	}
	if c.Shared.Enabled && c.Shared.BotToken == "" {
		return fmt.Errorf("shared.bot_token is required when the shared bot is enabled")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	if c.Bot.PollInterval <= 0 {
		return fmt.Errorf("bot.poll_interval must be positive")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"browser.challenge_timeout", cfg.Browser.ChallengeTimeoutRaw, &cfg.Browser.ChallengeTimeout},
		{"browser.lock_retry_delay", cfg.Browser.LockRetryDelayRaw, &cfg.Browser.LockRetryDelay},
		{"browser.probe_interval", cfg.Browser.ProbeIntervalRaw, &cfg.Browser.ProbeInterval},
		{"bot.poll_interval", cfg.Bot.PollIntervalRaw, &cfg.Bot.PollInterval},
		{"bot.poll_timeout", cfg.Bot.PollTimeoutRaw, &cfg.Bot.PollTimeout},
		{"shared.link_code_ttl", cfg.Shared.LinkCodeTTLRaw, &cfg.Shared.LinkCodeTTL},
		{"shared.dedupe_ttl", cfg.Shared.DedupeTTLRaw, &cfg.Shared.DedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

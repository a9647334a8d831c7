// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Queue     QueueConfig     `yaml:"queue"`
	Responder ResponderConfig `yaml:"responder"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp"`
	Push      PushConfig      `yaml:"push"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// QueueConfig holds job queue policy configuration
type QueueConfig struct {
	Attempts    int `yaml:"attempts"`    // attempts per job before permanent failure
	Concurrency int `yaml:"concurrency"` // worker slots

	RetryBackoff   time.Duration `yaml:"-"` // initial retry delay, doubled each attempt
	AttemptTimeout time.Duration `yaml:"-"` // hard timeout per attempt

	// Raw string values for YAML unmarshaling
	RetryBackoffRaw   string `yaml:"retry_backoff"`
	AttemptTimeoutRaw string `yaml:"attempt_timeout"`
}

// ResponderConfig holds the external responder endpoint configuration
type ResponderConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	Timeout time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// TelegramConfig holds Telegram delivery configuration
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

// WhatsAppConfig holds the external-protocol session manager configuration
type WhatsAppConfig struct {
	Enabled   bool   `yaml:"enabled"`
	AuthDir   string `yaml:"auth_dir"`   // per-session credential directories
	BridgeURL string `yaml:"bridge_url"` // protocol bridge websocket endpoint

	ReconnectInitialDelay time.Duration `yaml:"-"`
	ReconnectMaxDelay     time.Duration `yaml:"-"`
	MaxReconnectAttempts  int           `yaml:"max_reconnect_attempts"`

	ReconnectInitialDelayRaw string `yaml:"reconnect_initial_delay"`
	ReconnectMaxDelayRaw     string `yaml:"reconnect_max_delay"`
}

// PushConfig holds live push delivery configuration
type PushConfig struct {
	// FallbackBroadcast sends orphaned events to every open connection when
	// no connection matches the event's agent or conversation. Matches the
	// historical behavior; disable to keep orphaned events private.
	FallbackBroadcast *bool `yaml:"fallback_broadcast"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
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

// applyDefaults fills in the queue/reconnect policy defaults.
func (c *Config) applyDefaults() {
	if c.Queue.Attempts == 0 {
		c.Queue.Attempts = 3
	}
	if c.Queue.Concurrency == 0 {
		c.Queue.Concurrency = 5
	}
	if c.Queue.RetryBackoff == 0 {
		c.Queue.RetryBackoff = 2 * time.Second
	}
	if c.Queue.AttemptTimeout == 0 {
		c.Queue.AttemptTimeout = 2 * time.Minute
	}
	if c.Responder.Timeout == 0 {
		c.Responder.Timeout = 2 * time.Minute
	}
	if c.WhatsApp.AuthDir == "" {
		c.WhatsApp.AuthDir = "whatsapp_sessions"
	}
	if c.WhatsApp.ReconnectInitialDelay == 0 {
		c.WhatsApp.ReconnectInitialDelay = 3 * time.Second
	}
	if c.WhatsApp.ReconnectMaxDelay == 0 {
		c.WhatsApp.ReconnectMaxDelay = 5 * time.Minute
	}
	if c.WhatsApp.MaxReconnectAttempts == 0 {
		c.WhatsApp.MaxReconnectAttempts = 10
	}
	if c.Push.FallbackBroadcast == nil {
		enabled := true
		c.Push.FallbackBroadcast = &enabled
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Responder.URL == "" {
		return fmt.Errorf("responder.url is required")
	}

	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
	}

	if c.WhatsApp.Enabled && c.WhatsApp.BridgeURL == "" {
		return fmt.Errorf("whatsapp.bridge_url is required when whatsapp is enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Queue.RetryBackoffRaw, &cfg.Queue.RetryBackoff, "queue.retry_backoff"},
		{cfg.Queue.AttemptTimeoutRaw, &cfg.Queue.AttemptTimeout, "queue.attempt_timeout"},
		{cfg.Responder.TimeoutRaw, &cfg.Responder.Timeout, "responder.timeout"},
		{cfg.WhatsApp.ReconnectInitialDelayRaw, &cfg.WhatsApp.ReconnectInitialDelay, "whatsapp.reconnect_initial_delay"},
		{cfg.WhatsApp.ReconnectMaxDelayRaw, &cfg.WhatsApp.ReconnectMaxDelay, "whatsapp.reconnect_max_delay"},
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

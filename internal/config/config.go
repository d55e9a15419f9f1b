// ABOUTME: Configuration loading and parsing for mission-control
// ABOUTME: Supports YAML or TOML files with environment variable expansion, defaults, and duration parsing

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Reply modes for SMS routed through the gateway.
const (
	ReplyModeFinal  = "final"
	ReplyModeStream = "stream"
)

// Defaults.
const (
	DefaultHTTPAddr      = "127.0.0.1:8090"
	DefaultDatabasePath  = "mission-control.db"
	DefaultGatewayURL    = "ws://127.0.0.1:18789"
	DefaultClientID      = "mission-control"
	DefaultRole          = "operator"
	DefaultSMSSessionKey = "sms"
	DefaultDailyLimit    = 25.0
	DefaultGreeting      = "Hello, you have reached Agent Zero. How can I help you?"
	DefaultClaimTTL      = 5 * time.Minute
	DefaultIdleFlush     = 3 * time.Second
	DefaultHistoryDepth  = 10
	DefaultMetricsPath   = "/metrics"
	DefaultSummaryCron   = "0 0 * * *"
)

// DefaultScopes are requested in the gateway handshake.
var DefaultScopes = []string{"operator.read", "operator.write"}

// Config represents the complete mission-control configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Gateway  GatewayConfig  `yaml:"gateway" toml:"gateway"`
	Cost     CostConfig     `yaml:"cost" toml:"cost"`
	Telnyx   TelnyxConfig   `yaml:"telnyx" toml:"telnyx"`
	LLM      LLMConfig      `yaml:"llm" toml:"llm"`
	SMS      SMSConfig      `yaml:"sms" toml:"sms"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the webhook/status listener address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// GatewayConfig describes the agent gateway connection
type GatewayConfig struct {
	URL         string   `yaml:"url" toml:"url"`
	Token       string   `yaml:"token" toml:"token"`
	JWTSecret   string   `yaml:"jwt_secret" toml:"jwt_secret"`
	ClientID    string   `yaml:"client_id" toml:"client_id"`
	DisplayName string   `yaml:"display_name" toml:"display_name"`
	Role        string   `yaml:"role" toml:"role"`
	Scopes      []string `yaml:"scopes" toml:"scopes"`
	// SMSSessionKey is reserved for SMS-originated exchanges.
	SMSSessionKey string `yaml:"sms_session_key" toml:"sms_session_key"`
}

// CostConfig holds the daily spend ceiling and token pricing (USD per million)
type CostConfig struct {
	DailyLimit       float64 `yaml:"daily_limit" toml:"daily_limit"`
	InputPerMillion  float64 `yaml:"input_per_million" toml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million" toml:"output_per_million"`
	// SummarySchedule is a 5-field cron expression for the daily usage summary.
	SummarySchedule string `yaml:"summary_schedule" toml:"summary_schedule"`
}

// TelnyxConfig holds telephony provider settings
type TelnyxConfig struct {
	APIKey       string `yaml:"api_key" toml:"api_key"`
	APIBase      string `yaml:"api_base" toml:"api_base"`
	PhoneNumber  string `yaml:"phone_number" toml:"phone_number"`
	PublicKey    string `yaml:"public_key" toml:"public_key"`
	VoiceEnabled bool   `yaml:"voice_enabled" toml:"voice_enabled"`
	Greeting     string `yaml:"greeting" toml:"greeting"`
	Voice        string `yaml:"voice" toml:"voice"`
	Language     string `yaml:"language" toml:"language"`

	GatherTimeout    time.Duration `yaml:"-" toml:"-"`
	GatherTimeoutRaw string        `yaml:"gather_timeout" toml:"gather_timeout"`
}

// LLMConfig holds response generator settings
type LLMConfig struct {
	APIKey       string `yaml:"api_key" toml:"api_key"`
	BaseURL      string `yaml:"base_url" toml:"base_url"`
	Model        string `yaml:"model" toml:"model"`
	MaxTokens    int    `yaml:"max_tokens" toml:"max_tokens"`
	SystemPrompt string `yaml:"system_prompt" toml:"system_prompt"`
}

// SMSConfig controls how gateway replies are routed back to texters
type SMSConfig struct {
	ReplyMode    string `yaml:"reply_mode" toml:"reply_mode"`
	HistoryDepth int    `yaml:"history_depth" toml:"history_depth"`

	ClaimTTL     time.Duration `yaml:"-" toml:"-"`
	IdleFlush    time.Duration `yaml:"-" toml:"-"`
	ClaimTTLRaw  string        `yaml:"claim_ttl" toml:"claim_ttl"`
	IdleFlushRaw string        `yaml:"idle_flush" toml:"idle_flush"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the environment value, or "" when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}
	if c.Gateway.URL == "" {
		c.Gateway.URL = DefaultGatewayURL
	}
	if c.Gateway.ClientID == "" {
		c.Gateway.ClientID = DefaultClientID
	}
	if c.Gateway.DisplayName == "" {
		c.Gateway.DisplayName = "Mission Control"
	}
	if c.Gateway.Role == "" {
		c.Gateway.Role = DefaultRole
	}
	if len(c.Gateway.Scopes) == 0 {
		c.Gateway.Scopes = append([]string(nil), DefaultScopes...)
	}
	if c.Gateway.SMSSessionKey == "" {
		c.Gateway.SMSSessionKey = DefaultSMSSessionKey
	}
	if c.Cost.DailyLimit == 0 {
		c.Cost.DailyLimit = DefaultDailyLimit
	}
	if c.Cost.SummarySchedule == "" {
		c.Cost.SummarySchedule = DefaultSummaryCron
	}
	if c.Telnyx.Greeting == "" {
		c.Telnyx.Greeting = DefaultGreeting
	}
	if c.SMS.ReplyMode == "" {
		c.SMS.ReplyMode = ReplyModeFinal
	}
	if c.SMS.HistoryDepth == 0 {
		c.SMS.HistoryDepth = DefaultHistoryDepth
	}
	if c.SMS.ClaimTTL == 0 {
		c.SMS.ClaimTTL = DefaultClaimTTL
	}
	if c.SMS.IdleFlush == 0 {
		c.SMS.IdleFlush = DefaultIdleFlush
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all configuration fields are usable.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url is invalid: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("gateway.url must use ws or wss, got %q", u.Scheme)
	}
	if c.Gateway.Token != "" && c.Gateway.JWTSecret != "" {
		return errors.New("gateway.token and gateway.jwt_secret are mutually exclusive")
	}

	if c.Cost.DailyLimit < 0 {
		return errors.New("cost.daily_limit must not be negative")
	}
	if c.Cost.InputPerMillion < 0 || c.Cost.OutputPerMillion < 0 {
		return errors.New("cost pricing must not be negative")
	}
	if _, err := cron.ParseStandard(c.Cost.SummarySchedule); err != nil {
		return fmt.Errorf("cost.summary_schedule is invalid: %w", err)
	}

	switch c.SMS.ReplyMode {
	case ReplyModeFinal, ReplyModeStream:
	default:
		return fmt.Errorf("sms.reply_mode must be %q or %q, got %q", ReplyModeFinal, ReplyModeStream, c.SMS.ReplyMode)
	}
	if c.SMS.HistoryDepth < 0 {
		return errors.New("sms.history_depth must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"telnyx.gather_timeout", cfg.Telnyx.GatherTimeoutRaw, &cfg.Telnyx.GatherTimeout},
		{"sms.claim_ttl", cfg.SMS.ClaimTTLRaw, &cfg.SMS.ClaimTTL},
		{"sms.idle_flush", cfg.SMS.IdleFlushRaw, &cfg.SMS.IdleFlush},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}

// ResolvePath picks the config file: MISSION_CONFIG, then the XDG config
// dir, then ~/.config. The first candidate is returned even if it does not
// exist so the caller reports a useful error.
func ResolvePath() string {
	if p := os.Getenv("MISSION_CONFIG"); p != "" {
		return p
	}

	var candidates []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		candidates = append(candidates, filepath.Join(xdg, "mission-control", "config.yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "mission-control", "config.yaml"))
	}
	if len(candidates) == 0 {
		return "config.yaml"
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return candidates[0]
}

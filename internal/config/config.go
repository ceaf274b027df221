// Package config provides YAML-based configuration loading for WhisprNet.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the top-level WhisprNet configuration, loaded from whispr.yaml.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	AppURL        string              `yaml:"app_url" env:"APP_URL"`
	Database      DatabaseConfig      `yaml:"database"`
	Telephony     TelephonyConfig     `yaml:"telephony"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Completion    CompletionConfig    `yaml:"completion"`
	Escalation    EscalationConfig    `yaml:"escalation"`
	Outbox        OutboxConfig        `yaml:"outbox"`
	Feed          FeedConfig          `yaml:"feed"`
	Log           LogConfig           `yaml:"log"`
}

// ServerConfig holds the HTTP listener and the public base URL the telephony
// provider uses to reach the voice callbacks.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	PublicURL      string   `yaml:"public_url" env:"PUBLIC_URL"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig selects the session store backend.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // sqlite, mysql, postgres
	DSN      string `yaml:"dsn" env:"DATABASE_DSN"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password" env:"DATABASE_PASSWORD"`
	Name     string `yaml:"name"`
}

// TelephonyConfig holds the voice/SMS provider account and call script tuning.
type TelephonyConfig struct {
	AccountSID         string `yaml:"account_sid" env:"TWILIO_ACCOUNT_SID"`
	AuthToken          string `yaml:"auth_token" env:"TWILIO_AUTH_TOKEN"`
	FromNumber         string `yaml:"from_number" env:"TWILIO_FROM"`
	Voice              string `yaml:"voice"`
	RecordTimeoutSec   int    `yaml:"record_timeout_sec"`
	RecordMaxLengthSec int    `yaml:"record_max_length_sec"`
	HoldPauseSec       int    `yaml:"hold_pause_sec"`
	MaxCallDurationSec int    `yaml:"max_call_duration_sec"`
}

// TranscriptionConfig holds the speech-to-text endpoint and recording download policy.
type TranscriptionConfig struct {
	URL             string `yaml:"url" env:"STT_URL"`
	APIKey          string `yaml:"api_key" env:"STT_API_KEY"`
	DownloadRetries int    `yaml:"download_retries"`
	DownloadDelayMs int    `yaml:"download_delay_ms"`
	RecordingAuth   bool   `yaml:"recording_auth"` // send provider credentials when fetching recordings
}

// CompletionConfig selects the language-model provider.
type CompletionConfig struct {
	Provider  string `yaml:"provider"` // watsonx, openai
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	IAMURL    string `yaml:"iam_url"`
	ProjectID string `yaml:"project_id" env:"LLM_PROJECT_ID"`
	APIKey    string `yaml:"api_key" env:"LLM_API_KEY"`
}

// EscalationConfig holds optional operator channels that mirror contact alerts.
type EscalationConfig struct {
	Ops OpsConfig `yaml:"ops"`
}

// OpsConfig lists the chat channels alerts are mirrored to. Empty tokens disable a channel.
type OpsConfig struct {
	Slack    ChannelConfig `yaml:"slack"`
	Discord  ChannelConfig `yaml:"discord"`
	Telegram ChannelConfig `yaml:"telegram"`
}

// ChannelConfig identifies a bot and the channel it posts to.
type ChannelConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// OutboxConfig controls the side-effect dispatcher and the stale call reaper.
type OutboxConfig struct {
	Schedule     string `yaml:"schedule"`
	MaxAttempts  int    `yaml:"max_attempts"`
	BatchSize    int    `yaml:"batch_size"`
	ReapSchedule string `yaml:"reap_schedule"`
}

// FeedConfig controls cross-process row-change fan-out.
type FeedConfig struct {
	PGNotify bool   `yaml:"pg_notify"`
	Channel  string `yaml:"channel"`
}

// LogConfig controls log level and optional file rotation.
type LogConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// secrets holds env-only overrides for the ops channel bot tokens.
type secrets struct {
	SlackToken    string `env:"SLACK_BOT_TOKEN"`
	DiscordToken  string `env:"DISCORD_BOT_TOKEN"`
	TelegramToken string `env:"TELEGRAM_BOT_TOKEN"`
}

// Load reads a YAML config file from path, overlays secrets from the
// environment, and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.overlayEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// overlayEnv replaces fields with environment values when the variables are set.
func (c *Config) overlayEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("config: env: %w", err)
	}
	var s secrets
	if err := env.Parse(&s); err != nil {
		return fmt.Errorf("config: env: %w", err)
	}
	if s.SlackToken != "" {
		c.Escalation.Ops.Slack.BotToken = s.SlackToken
	}
	if s.DiscordToken != "" {
		c.Escalation.Ops.Discord.BotToken = s.DiscordToken
	}
	if s.TelegramToken != "" {
		c.Escalation.Ops.Telegram.BotToken = s.TelegramToken
	}
	return nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	c.Server.PublicURL = strings.TrimRight(c.Server.PublicURL, "/")
	if c.AppURL == "" {
		c.AppURL = c.Server.PublicURL
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.DSN == "" {
		c.Database.DSN = "whisprnet.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "whisprnet"
		}
	}

	if c.Telephony.Voice == "" {
		c.Telephony.Voice = "Polly.Joanna"
	}
	if c.Telephony.RecordTimeoutSec == 0 {
		c.Telephony.RecordTimeoutSec = 10
	}
	if c.Telephony.RecordMaxLengthSec == 0 {
		c.Telephony.RecordMaxLengthSec = 60
	}
	if c.Telephony.HoldPauseSec == 0 {
		c.Telephony.HoldPauseSec = 5
	}
	if c.Telephony.MaxCallDurationSec == 0 {
		c.Telephony.MaxCallDurationSec = 1800
	}

	if c.Transcription.DownloadRetries == 0 {
		c.Transcription.DownloadRetries = 3
	}
	if c.Transcription.DownloadDelayMs == 0 {
		c.Transcription.DownloadDelayMs = 3000
	}

	if c.Completion.Provider == "" {
		c.Completion.Provider = "watsonx"
	}
	switch c.Completion.Provider {
	case "watsonx":
		if c.Completion.Model == "" {
			c.Completion.Model = "ibm/granite-3-3-8b-instruct"
		}
		if c.Completion.BaseURL == "" {
			c.Completion.BaseURL = "https://us-south.ml.cloud.ibm.com/ml/v1/text/chat?version=2023-05-29"
		}
		if c.Completion.IAMURL == "" {
			c.Completion.IAMURL = "https://iam.cloud.ibm.com/identity/token"
		}
	case "openai":
		if c.Completion.BaseURL == "" {
			c.Completion.BaseURL = "https://openrouter.ai/api/v1"
		}
	}

	if c.Outbox.Schedule == "" {
		c.Outbox.Schedule = "@every 5s"
	}
	if c.Outbox.MaxAttempts == 0 {
		c.Outbox.MaxAttempts = 5
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 20
	}
	if c.Outbox.ReapSchedule == "" {
		c.Outbox.ReapSchedule = "@every 1m"
	}

	if c.Feed.Channel == "" {
		c.Feed.Channel = "sos_changes"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.File != "" {
		if c.Log.MaxSizeMB == 0 {
			c.Log.MaxSizeMB = 10
		}
		if c.Log.MaxBackups == 0 {
			c.Log.MaxBackups = 3
		}
		if c.Log.MaxAgeDays == 0 {
			c.Log.MaxAgeDays = 28
		}
	}
}

// validate checks that all fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql":
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not one of sqlite, mysql, postgres", c.Database.Driver))
	}
	switch c.Completion.Provider {
	case "watsonx", "openai":
	default:
		errs = append(errs, fmt.Sprintf("completion.provider %q is not one of watsonx, openai", c.Completion.Provider))
	}
	if c.Completion.Provider == "openai" && c.Completion.Model == "" {
		errs = append(errs, "completion.model is required for openai")
	}
	if c.Feed.PGNotify && c.Database.Driver != "postgres" {
		errs = append(errs, "feed.pg_notify requires database.driver postgres")
	}
	if c.Telephony.RecordTimeoutSec < 0 || c.Telephony.RecordMaxLengthSec < 0 || c.Telephony.HoldPauseSec < 0 {
		errs = append(errs, "telephony timings must not be negative")
	}
	if c.Transcription.DownloadRetries < 1 {
		errs = append(errs, "transcription.download_retries must be at least 1")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateServe checks the fields only the serve command needs: the callback
// base URL and the provider credentials.
func (c *Config) ValidateServe() error {
	var errs []string
	if c.Server.PublicURL == "" {
		errs = append(errs, "server.public_url is required")
	}
	if c.Telephony.AccountSID == "" {
		errs = append(errs, "telephony.account_sid is required")
	}
	if c.Telephony.AuthToken == "" {
		errs = append(errs, "telephony.auth_token is required")
	}
	if c.Telephony.FromNumber == "" {
		errs = append(errs, "telephony.from_number is required")
	}
	if c.Transcription.URL == "" {
		errs = append(errs, "transcription.url is required")
	}
	if c.Completion.APIKey == "" {
		errs = append(errs, "completion.api_key is required")
	}
	if c.Completion.Provider == "watsonx" && c.Completion.ProjectID == "" {
		errs = append(errs, "completion.project_id is required for watsonx")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: serve validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// LiveViewURL returns the monitoring link for a session.
func (c *Config) LiveViewURL(sessionID string) string {
	base := strings.TrimRight(c.AppURL, "/")
	return base + "?session=" + url.QueryEscape(sessionID)
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for RelayBot.
type Config struct {
	General     GeneralConfig          `yaml:"general"`
	Models      map[string]ModelConfig `yaml:"models"`
	Channels    ChannelsConfig         `yaml:"channels"`
	Attachments AttachmentsConfig      `yaml:"attachments"`
	Transcript  TranscriptConfig       `yaml:"transcript"`
	Metrics     MetricsConfig          `yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel              string `yaml:"logLevel"`
	DefaultModel          string `yaml:"defaultModel"`
	APIBase               string `yaml:"apiBase"`
	MaxContextLength      int    `yaml:"maxContextLength"`
	MaxTokens             int    `yaml:"maxTokens"`
	RequestTimeoutSeconds int    `yaml:"requestTimeoutSeconds"`
	MaxConcurrentMessages int    `yaml:"maxConcurrentMessages"`
}

// ModelConfig declares one selectable model. The API key itself never
// lives in the file; apiKeyEnv names the environment variable that holds
// it, and the registry resolves it once at startup.
type ModelConfig struct {
	RemoteModel string `yaml:"remoteModel"`
	APIKeyEnv   string `yaml:"apiKeyEnv"`
	Description string `yaml:"description,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	Slack    SlackConfig    `yaml:"slack"`
}

type TelegramConfig struct {
	Enabled   bool     `yaml:"enabled"`
	TokenEnv  string   `yaml:"tokenEnv"`
	AllowFrom []string `yaml:"allowFrom,omitempty"`
	ParseMode string   `yaml:"parseMode"`
}

type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"tokenEnv"`
	GuildID  string `yaml:"guildId,omitempty"`
}

type SlackConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BotTokenEnv string `yaml:"botTokenEnv"`
	AppTokenEnv string `yaml:"appTokenEnv"`
}

// AttachmentsConfig bounds what users may upload and how images reach the
// backend: "describe" replaces the image with a placeholder tag, "inline"
// forwards the raw bytes as an inline segment of the user message.
type AttachmentsConfig struct {
	AllowedMimeTypes []string `yaml:"allowedMimeTypes"`
	MaxBytes         int64    `yaml:"maxBytes"`
	ImageMode        string   `yaml:"imageMode"` // "describe" | "inline"
}

type TranscriptConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"dbPath"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// DefaultConfigDir returns ~/.relaybot.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaybot"
	}
	return filepath.Join(home, ".relaybot")
}

// DefaultConfigPath returns ~/.relaybot/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Load reads, expands, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Transcript.DBPath = expandHome(cfg.Transcript.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks structural invariants. Credential presence is checked
// later by the registry and the channel wiring, which resolve the env
// references; Validate only ensures the references exist in the file.
func Validate(cfg *Config) error {
	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("general.logLevel: invalid level %q", cfg.General.LogLevel)
	}

	if len(cfg.Models) == 0 {
		return fmt.Errorf("models: at least one model must be configured")
	}
	if cfg.General.DefaultModel == "" {
		return fmt.Errorf("general.defaultModel is required")
	}
	if _, ok := cfg.Models[cfg.General.DefaultModel]; !ok {
		return fmt.Errorf("general.defaultModel %q is not a configured model", cfg.General.DefaultModel)
	}
	for id, m := range cfg.Models {
		if m.RemoteModel == "" {
			return fmt.Errorf("models.%s.remoteModel is required", id)
		}
		if m.APIKeyEnv == "" {
			return fmt.Errorf("models.%s.apiKeyEnv is required", id)
		}
	}

	if cfg.General.MaxContextLength <= 0 {
		return fmt.Errorf("general.maxContextLength must be positive")
	}
	if cfg.General.MaxTokens <= 0 {
		return fmt.Errorf("general.maxTokens must be positive")
	}
	if cfg.General.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("general.requestTimeoutSeconds must be positive")
	}
	if cfg.General.MaxConcurrentMessages <= 0 {
		return fmt.Errorf("general.maxConcurrentMessages must be positive")
	}

	switch cfg.Attachments.ImageMode {
	case "describe", "inline":
	default:
		return fmt.Errorf("attachments.imageMode: must be \"describe\" or \"inline\", got %q", cfg.Attachments.ImageMode)
	}
	if cfg.Attachments.MaxBytes <= 0 {
		return fmt.Errorf("attachments.maxBytes must be positive")
	}

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.TokenEnv == "" {
		return fmt.Errorf("channels.telegram.tokenEnv is required when telegram is enabled")
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.TokenEnv == "" {
		return fmt.Errorf("channels.discord.tokenEnv is required when discord is enabled")
	}
	if cfg.Channels.Slack.Enabled && (cfg.Channels.Slack.BotTokenEnv == "" || cfg.Channels.Slack.AppTokenEnv == "") {
		return fmt.Errorf("channels.slack.botTokenEnv and appTokenEnv are required when slack is enabled")
	}

	if cfg.Transcript.Enabled && cfg.Transcript.DBPath == "" {
		return fmt.Errorf("transcript.dbPath is required when the transcript is enabled")
	}
	if cfg.Metrics.Enabled && (cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port: invalid port %d", cfg.Metrics.Port)
	}

	return nil
}

// AllowedMimeSet returns the attachment allow list as a lookup set.
func (c *Config) AllowedMimeSet() map[string]bool {
	set := make(map[string]bool, len(c.Attachments.AllowedMimeTypes))
	for _, t := range c.Attachments.AllowedMimeTypes {
		set[strings.TrimSpace(t)] = true
	}
	return set
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

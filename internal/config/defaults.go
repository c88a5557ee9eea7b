package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:              "info",
			DefaultModel:          "gemini",
			APIBase:               "https://openrouter.ai/api/v1",
			MaxContextLength:      4096,
			MaxTokens:             4096,
			RequestTimeoutSeconds: 120,
			MaxConcurrentMessages: 5,
		},
		Models: map[string]ModelConfig{
			"gemini": {
				RemoteModel: "google/gemini-pro",
				APIKeyEnv:   "OPENROUTER_API_KEY_GEMINI",
				Description: "Best for general-purpose tasks",
			},
			"deepseek": {
				RemoteModel: "deepseek-ai/deepseek-llm-67b-chat",
				APIKeyEnv:   "OPENROUTER_API_KEY_DEEPSEEK",
				Description: "Optimized for coding and technical queries",
			},
			"dolphin": {
				RemoteModel: "cognitivecomputations/dolphin-2.6-mistral-7b-dpo",
				APIKeyEnv:   "OPENROUTER_API_KEY_DOLPHIN",
				Description: "Ideal for creative writing and storytelling",
			},
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:   false,
				TokenEnv:  "TELEGRAM_BOT_TOKEN",
				ParseMode: "Markdown",
			},
			Discord: DiscordConfig{
				Enabled:  false,
				TokenEnv: "DISCORD_BOT_TOKEN",
			},
			Slack: SlackConfig{
				Enabled:     false,
				BotTokenEnv: "SLACK_BOT_TOKEN",
				AppTokenEnv: "SLACK_APP_TOKEN",
			},
		},
		Attachments: AttachmentsConfig{
			AllowedMimeTypes: []string{
				"image/jpeg",
				"image/png",
				"image/webp",
				"image/svg+xml",
				"application/pdf",
			},
			MaxBytes:  10 * 1024 * 1024,
			ImageMode: "inline",
		},
		Transcript: TranscriptConfig{
			Enabled: false,
			DBPath:  "~/.relaybot/transcript.db",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    9090,
		},
	}
}

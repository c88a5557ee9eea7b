package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"relaybot/internal/bus"
	"relaybot/internal/channel"
	"relaybot/internal/config"
	"relaybot/internal/dispatch"
	"relaybot/internal/domain"
	"relaybot/internal/extract"
	"relaybot/internal/metrics"
	"relaybot/internal/registry"
	"relaybot/internal/relay"
	"relaybot/internal/session"
	"relaybot/internal/transcript"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "relaybot",
		Short: "RelayBot: chat-relay bot bridging messaging platforms and LLM backends",
		Long:  "RelayBot receives messages from Telegram, Discord, or Slack, keeps a per-user rolling conversation, and relays replies from a selectable OpenRouter-compatible model.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ~/.relaybot/config.yaml)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(modelsCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}
			if err := config.Save(path, config.Defaults()); err != nil {
				return err
			}
			logger.Info("config written", "path", path)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("relaybot " + version)
		},
	}
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List configured models and credential status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			for id, m := range cfg.Models {
				status := "ok"
				if os.Getenv(m.APIKeyEnv) == "" {
					status = "credential missing (" + m.APIKeyEnv + ")"
				}
				marker := " "
				if id == cfg.General.DefaultModel {
					marker = "*"
				}
				fmt.Printf("%s %-12s %-50s %s\n", marker, id, m.RemoteModel, status)
			}
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bot",
		RunE:  runBot,
	}
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.General.LogLevel),
	}))

	// The registry resolves every credential reference up front; a missing
	// key stops the process here rather than failing per request.
	reg, err := registry.New(cfg.General.DefaultModel, cfg.Models)
	if err != nil {
		return err
	}

	sessions := session.NewStore(session.StoreConfig{
		DefaultModel:     cfg.General.DefaultModel,
		MaxContextLength: cfg.General.MaxContextLength,
		ValidModel:       reg.Has,
		Logger:           logger,
	})

	dispatcher := dispatch.New(dispatch.Config{
		Registry:  reg,
		APIBase:   cfg.General.APIBase,
		MaxTokens: cfg.General.MaxTokens,
		Timeout:   timeoutSeconds(cfg.General.RequestTimeoutSeconds),
		Logger:    logger,
	})

	extractor := extract.New(extract.ImageMode(cfg.Attachments.ImageMode), logger)

	var ts *transcript.Store
	if cfg.Transcript.Enabled {
		ts, err = transcript.Open(cfg.Transcript.DBPath, logger)
		if err != nil {
			return err
		}
		defer ts.Close()
	}

	messageBus := bus.New(100, logger)
	defer messageBus.Close()

	rly := relay.New(relay.Config{
		Sessions:           sessions,
		Registry:           reg,
		Dispatcher:         dispatcher,
		Extractor:          extractor,
		Bus:                messageBus,
		Transcript:         ts,
		Logger:             logger,
		Concurrency:        cfg.General.MaxConcurrentMessages,
		AllowedMimeTypes:   cfg.AllowedMimeSet(),
		MaxAttachmentBytes: cfg.Attachments.MaxBytes,
	})

	channels, err := buildChannels(cfg, reg)
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		return fmt.Errorf("no channels enabled; enable at least one of telegram, discord, slack")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, ch := range channels {
		go func(c domain.Channel) {
			if err := c.Start(ctx, messageBus); err != nil {
				logger.Error("channel exited", "channel", c.Name(), "err", err)
				stop()
			}
		}(ch)
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, cfg.Metrics)
	}

	rly.Run(ctx)
	return nil
}

// buildChannels constructs every enabled adapter, resolving token env
// references. A missing token for an enabled channel is fatal.
func buildChannels(cfg *config.Config, reg *registry.Registry) ([]domain.Channel, error) {
	var channels []domain.Channel

	if tc := cfg.Channels.Telegram; tc.Enabled {
		token := os.Getenv(tc.TokenEnv)
		if token == "" {
			return nil, fmt.Errorf("telegram enabled but %s is not set", tc.TokenEnv)
		}
		var modelIDs []string
		for _, d := range reg.List() {
			modelIDs = append(modelIDs, d.ID)
		}
		channels = append(channels, channel.NewTelegram(channel.TelegramConfig{
			Token:     token,
			AllowFrom: tc.AllowFrom,
			ParseMode: tc.ParseMode,
			ModelIDs:  modelIDs,
			MaxFetch:  cfg.Attachments.MaxBytes,
			Logger:    logger,
		}))
	}

	if dc := cfg.Channels.Discord; dc.Enabled {
		token := os.Getenv(dc.TokenEnv)
		if token == "" {
			return nil, fmt.Errorf("discord enabled but %s is not set", dc.TokenEnv)
		}
		channels = append(channels, channel.NewDiscord(channel.DiscordConfig{
			Token:    token,
			GuildID:  dc.GuildID,
			MaxFetch: cfg.Attachments.MaxBytes,
			Logger:   logger,
		}))
	}

	if sc := cfg.Channels.Slack; sc.Enabled {
		botToken := os.Getenv(sc.BotTokenEnv)
		appToken := os.Getenv(sc.AppTokenEnv)
		if botToken == "" || appToken == "" {
			return nil, fmt.Errorf("slack enabled but %s or %s is not set", sc.BotTokenEnv, sc.AppTokenEnv)
		}
		channels = append(channels, channel.NewSlack(channel.SlackConfig{
			BotToken: botToken,
			AppToken: appToken,
			Logger:   logger,
		}))
	}

	return channels, nil
}

func serveMetrics(ctx context.Context, mc config.MetricsConfig) {
	addr := net.JoinHostPort(mc.Host, strconv.Itoa(mc.Port))
	srv := &http.Server{Addr: addr, Handler: metrics.Collector.Handler()}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	logger.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", "err", err)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func timeoutSeconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}

package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	"relaybot/internal/domain"
)

const (
	discordMaxMsgLen    = 2000
	discordFetchTimeout = 60 * time.Second
)

// Discord implements domain.Channel for Discord.
type Discord struct {
	token    string
	guildID  string
	maxFetch int64

	session *discordgo.Session
	bus     domain.MessageBus
	fetch   *http.Client
	logger  *slog.Logger
}

type DiscordConfig struct {
	Token    string
	GuildID  string
	MaxFetch int64
	Logger   *slog.Logger
}

func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Discord{
		token:    cfg.Token,
		guildID:  cfg.GuildID,
		maxFetch: cfg.MaxFetch,
		fetch:    &http.Client{Timeout: discordFetchTimeout},
		logger:   cfg.Logger,
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects with a bot token and listens until ctx is done.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	d.bus = bus

	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	d.session = session

	bus.OnOutbound("discord", func(msg domain.OutboundMessage) {
		if msg.Content == "" {
			return
		}
		d.sendMessage(msg.ChatID, msg.Content)
	})

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author.ID == s.State.User.ID {
			return
		}
		if d.guildID != "" && m.GuildID != "" && m.GuildID != d.guildID {
			return
		}

		attachment := d.resolveAttachment(m)
		if m.Content == "" && attachment == nil {
			return
		}

		d.logger.Info("discord message received",
			"author", m.Author.Username,
			"channel_id", m.ChannelID,
			"content_len", len(m.Content),
			"has_attachment", attachment != nil,
		)

		bus.Publish(domain.InboundMessage{
			Channel:    "discord",
			ChatID:     m.ChannelID,
			SenderID:   m.Author.ID,
			Content:    m.Content,
			Attachment: attachment,
			Timestamp:  time.Now(),
		})
	})

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		content := slashCommandContent(i.ApplicationCommandData())

		// Acknowledge right away; the actual reply arrives as a regular
		// channel message once the relay answers, so a deferred response
		// would never be completed.
		_ = s.InteractionRespond(i.Interaction, slashAck())

		sender := ""
		if i.Member != nil && i.Member.User != nil {
			sender = i.Member.User.ID
		} else if i.User != nil {
			sender = i.User.ID
		}

		bus.Publish(domain.InboundMessage{
			Channel:   "discord",
			ChatID:    i.ChannelID,
			SenderID:  sender,
			Content:   content,
			Timestamp: time.Now(),
		})
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.logger.Info("discord bot connected", "user", session.State.User.Username)

	d.registerSlashCommands()

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

func (d *Discord) Stop() error { return nil }

// resolveAttachment downloads the first attachment of a message. Discord
// serves attachment bytes from its CDN without auth.
func (d *Discord) resolveAttachment(m *discordgo.MessageCreate) *domain.Attachment {
	if len(m.Attachments) == 0 {
		return nil
	}
	a := m.Attachments[0]

	att := &domain.Attachment{
		MimeType: a.ContentType,
		Filename: a.Filename,
		Size:     int64(a.Size),
	}
	if d.maxFetch > 0 && int64(a.Size) > d.maxFetch {
		return att
	}

	resp, err := d.fetch.Get(a.URL)
	if err != nil {
		d.logger.Error("discord attachment download failed", "url", a.URL, "err", err)
		return att
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		d.logger.Error("discord attachment download failed", "url", a.URL, "status", resp.StatusCode)
		return att
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		d.logger.Error("discord attachment read failed", "url", a.URL, "err", err)
		return att
	}
	att.Data = data
	att.Size = int64(len(data))
	return att
}

func (d *Discord) sendMessage(channelID, content string) {
	for _, chunk := range splitMessage(content, discordMaxMsgLen) {
		if _, err := d.session.ChannelMessageSend(channelID, chunk); err != nil {
			d.logger.Error("discord send failed", "channel", channelID, "err", err)
		}
	}
}

// slashCommandContent rebuilds the bus command line ("/name args") from
// interaction data.
func slashCommandContent(data discordgo.ApplicationCommandInteractionData) string {
	content := "/" + data.Name
	for _, opt := range data.Options {
		if opt.Type == discordgo.ApplicationCommandOptionString {
			content += " " + opt.StringValue()
		}
	}
	return content
}

// slashAck is the immediate interaction response: an ephemeral note, not a
// deferral, since the reply is delivered out of band.
func slashAck() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: "Working on it...",
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

func (d *Discord) registerSlashCommands() {
	commands := []*discordgo.ApplicationCommand{
		{
			Name:        "model",
			Description: "Switch the AI model",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "id",
					Description: "Model id",
					Required:    false,
				},
			},
		},
		{Name: "models", Description: "List the available AI models"},
		{Name: "clear", Description: "Delete your conversation history"},
		{Name: "help", Description: "Show available commands"},
	}

	for _, cmd := range commands {
		if _, err := d.session.ApplicationCommandCreate(d.session.State.User.ID, d.guildID, cmd); err != nil {
			d.logger.Warn("failed to register slash command", "command", cmd.Name, "err", err)
		}
	}
}

package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"relaybot/internal/domain"
)

const (
	telegramMaxMsgLen    = 4000
	telegramPollTimeout  = 30
	telegramFetchTimeout = 60 * time.Second
)

// Telegram implements domain.Channel for the Telegram Bot API using long
// polling.
type Telegram struct {
	token     string
	allowFrom []int64 // allowed user IDs (empty = allow all)
	parseMode string
	modelIDs  []string // rendered as the /model inline keyboard
	maxFetch  int64    // attachments above this size are not downloaded

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	fetch  *http.Client
	logger *slog.Logger
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string
	ParseMode string
	ModelIDs  []string
	MaxFetch  int64
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		parseMode: cfg.ParseMode,
		modelIDs:  cfg.ModelIDs,
		maxFetch:  cfg.MaxFetch,
		fetch:     &http.Client{Timeout: telegramFetchTimeout},
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and polls for updates until ctx is done.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	bus.OnOutbound("telegram", func(msg domain.OutboundMessage) {
		chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
		if err != nil {
			t.logger.Error("invalid telegram chat id", "chat_id", msg.ChatID, "err", err)
			return
		}
		t.sendMessage(chatID, msg.Content)
	})

	u := tgbotapi.NewUpdate(0)
	u.Timeout = telegramPollTimeout
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// Stop is a no-op; polling stops when Start's context is cancelled.
func (t *Telegram) Stop() error { return nil }

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		t.handleCallback(update.CallbackQuery)
		return
	}

	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}

	userID := msg.From.ID
	chatID := msg.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user", "user_id", userID, "username", msg.From.UserName)
		t.sendMessage(chatID, "⛔ Unauthorized. Your user ID is not in the allow list.")
		return
	}

	if msg.IsCommand() {
		t.handleCommand(chatID, userID, msg)
		return
	}

	attachment := t.resolveAttachment(msg)
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" && attachment == nil {
		return
	}

	t.logger.Info("telegram message received",
		"user_id", userID,
		"chat_id", chatID,
		"text_len", len(text),
		"has_attachment", attachment != nil,
	)

	typing := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	_, _ = t.bot.Request(typing)

	t.bus.Publish(domain.InboundMessage{
		Channel:    "telegram",
		ChatID:     strconv.FormatInt(chatID, 10),
		SenderID:   strconv.FormatInt(userID, 10),
		Content:    text,
		Attachment: attachment,
		Timestamp:  time.Unix(int64(msg.Date), 0),
	})
}

// handleCommand forwards commands to the relay, which owns their
// semantics. The only platform-specific case is a bare /model, rendered
// as an inline keyboard here.
func (t *Telegram) handleCommand(chatID, userID int64, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())

	if cmd == "model" && args == "" && len(t.modelIDs) > 0 {
		t.sendModelMenu(chatID)
		return
	}

	content := "/" + cmd
	if args != "" {
		content += " " + args
	}
	t.bus.Publish(domain.InboundMessage{
		Channel:   "telegram",
		ChatID:    strconv.FormatInt(chatID, 10),
		SenderID:  strconv.FormatInt(userID, 10),
		Content:   content,
		Timestamp: time.Now(),
	})
}

func (t *Telegram) sendModelMenu(chatID int64) {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(t.modelIDs))
	for _, id := range t.modelIDs {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(id, "model:"+id),
		))
	}
	menu := tgbotapi.NewMessage(chatID, "🔧 Select AI model:")
	menu.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := t.bot.Send(menu); err != nil {
		t.logger.Error("telegram model menu send failed", "err", err)
	}
}

// handleCallback republishes a model-selection button press as a /model
// command so the relay applies it like any other command.
func (t *Telegram) handleCallback(cq *tgbotapi.CallbackQuery) {
	if cq.Message == nil || cq.Message.Chat == nil {
		return
	}
	_, _ = t.bot.Request(tgbotapi.NewCallback(cq.ID, ""))

	id, ok := strings.CutPrefix(cq.Data, "model:")
	if !ok {
		return
	}

	// Remove the keyboard so the choice cannot be pressed twice.
	edit := tgbotapi.NewEditMessageReplyMarkup(cq.Message.Chat.ID, cq.Message.MessageID,
		tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}})
	_, _ = t.bot.Send(edit)

	t.bus.Publish(domain.InboundMessage{
		Channel:   "telegram",
		ChatID:    strconv.FormatInt(cq.Message.Chat.ID, 10),
		SenderID:  strconv.FormatInt(cq.From.ID, 10),
		Content:   "/model " + id,
		Timestamp: time.Now(),
	})
}

// resolveAttachment downloads the attachment bytes (photo, document, or
// sticker) so extraction never has to reach back to the platform. Files
// over the fetch limit are published with size metadata only; the relay
// rejects them with a user-facing message.
func (t *Telegram) resolveAttachment(msg *tgbotapi.Message) *domain.Attachment {
	var (
		fileID   string
		mimeType string
		filename string
		size     int64
	)

	switch {
	case len(msg.Photo) > 0:
		// The last entry is the highest resolution.
		photo := msg.Photo[len(msg.Photo)-1]
		fileID = photo.FileID
		size = int64(photo.FileSize)
		filename = "photo.jpg"
		mimeType = "image/jpeg"
	case msg.Document != nil:
		fileID = msg.Document.FileID
		mimeType = msg.Document.MimeType
		filename = msg.Document.FileName
		size = int64(msg.Document.FileSize)
	case msg.Sticker != nil:
		fileID = msg.Sticker.FileID
		mimeType = "image/webp"
		filename = "sticker.webp"
		size = int64(msg.Sticker.FileSize)
	default:
		return nil
	}

	att := &domain.Attachment{MimeType: mimeType, Filename: filename, Size: size}
	if t.maxFetch > 0 && size > t.maxFetch {
		return att
	}

	url, err := t.bot.GetFileDirectURL(fileID)
	if err != nil {
		t.logger.Error("telegram file url lookup failed", "file_id", fileID, "err", err)
		return att
	}
	data, err := t.download(url)
	if err != nil {
		t.logger.Error("telegram file download failed", "file_id", fileID, "err", err)
		return att
	}

	// Photo MIME is not reported by the API; infer it from the path.
	if len(msg.Photo) > 0 {
		att.MimeType = imageMimeFromPath(url)
	}
	att.Data = data
	att.Size = int64(len(data))
	return att
}

func (t *Telegram) download(url string) ([]byte, error) {
	resp, err := t.fetch.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func imageMimeFromPath(path string) string {
	switch {
	case strings.HasSuffix(path, ".png"):
		return "image/png"
	case strings.HasSuffix(path, ".webp"):
		return "image/webp"
	case strings.HasSuffix(path, ".svg"):
		return "image/svg+xml"
	default:
		return "image/jpeg"
	}
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

// sendMessage chunks the reply at the platform limit and sends each part
// in order. The first attempt uses the configured parse mode; a Telegram
// entity-parse rejection falls back to plain text.
func (t *Telegram) sendMessage(chatID int64, text string) {
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		msg.ParseMode = t.parseMode

		_, err := t.bot.Send(msg)
		if err == nil {
			continue
		}
		if strings.Contains(err.Error(), "can't parse entities") {
			plain := tgbotapi.NewMessage(chatID, chunk)
			if _, err2 := t.bot.Send(plain); err2 == nil {
				continue
			}
		}
		t.logger.Error("telegram send failed", "chat_id", chatID, "err", err)
	}
}

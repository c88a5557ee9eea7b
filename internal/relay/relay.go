// Package relay binds inbound platform events to the session store, the
// content extractor, and the completion dispatcher, and routes replies
// back through the bus.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"relaybot/internal/dispatch"
	"relaybot/internal/domain"
	"relaybot/internal/extract"
	"relaybot/internal/metrics"
	"relaybot/internal/registry"
	"relaybot/internal/session"
	"relaybot/internal/transcript"
)

const (
	defaultConcurrency      = 5
	defaultAttachmentPrompt = "Please analyze this content."
)

type Relay struct {
	sessions   *session.Store
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	extractor  *extract.Extractor
	bus        domain.MessageBus
	transcript *transcript.Store // nil when disabled
	logger     *slog.Logger

	concurrency        int
	allowedTypes       map[string]bool
	maxAttachmentBytes int64

	received  *metrics.Counter
	replied   *metrics.Counter
	failed    *metrics.Counter
	sessGauge *metrics.Gauge
}

type Config struct {
	Sessions           *session.Store
	Registry           *registry.Registry
	Dispatcher         *dispatch.Dispatcher
	Extractor          *extract.Extractor
	Bus                domain.MessageBus
	Transcript         *transcript.Store
	Logger             *slog.Logger
	Concurrency        int
	AllowedMimeTypes   map[string]bool
	MaxAttachmentBytes int64
}

func New(cfg Config) *Relay {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		sessions:           cfg.Sessions,
		registry:           cfg.Registry,
		dispatcher:         cfg.Dispatcher,
		extractor:          cfg.Extractor,
		bus:                cfg.Bus,
		transcript:         cfg.Transcript,
		logger:             cfg.Logger,
		concurrency:        cfg.Concurrency,
		allowedTypes:       cfg.AllowedMimeTypes,
		maxAttachmentBytes: cfg.MaxAttachmentBytes,
		received:           metrics.Collector.Counter("relaybot_messages_received_total", "Inbound messages consumed from the bus."),
		replied:            metrics.Collector.Counter("relaybot_replies_total", "Replies sent back to a channel."),
		failed:             metrics.Collector.Counter("relaybot_dispatch_failures_total", "Failed message pipelines, all error kinds."),
		sessGauge:          metrics.Collector.Gauge("relaybot_active_sessions", "Live sessions in the store."),
	}
}

// Run consumes inbound messages until the context is cancelled. Messages
// for different users run in parallel up to the concurrency bound; the
// per-user pipeline lock in the session store serializes messages from
// the same user.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info("relay started", "concurrency", r.concurrency)

	sem := make(chan struct{}, r.concurrency)
	inbound := r.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				r.logger.Info("inbound bus closed, relay stopping")
				return
			}
			sem <- struct{}{}
			go func(m domain.InboundMessage) {
				defer func() { <-sem }()
				r.processMessage(ctx, m)
			}(msg)
		}
	}
}

// processMessage runs the full pipeline for one inbound event and always
// answers the user. It is the crash boundary: malformed payloads and
// unexpected panics are reported generically without taking the process
// down.
func (r *Relay) processMessage(ctx context.Context, msg domain.InboundMessage) {
	r.received.Inc()
	// Sessions are per sender, not per chat: in a group every participant
	// keeps their own history and model choice. Replies still target the
	// chat the message came from.
	userKey := msg.Channel + ":" + msg.SenderID

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic while processing message", "user", userKey, "panic", rec)
			r.failed.Inc()
			r.reply(msg, "⚠️ An unexpected error occurred. Please try again.")
		}
	}()

	release := r.sessions.Acquire(userKey)
	defer release()

	reply, err := r.handleMessage(ctx, userKey, msg)
	if err != nil {
		r.logger.Error("message pipeline failed",
			"user", userKey,
			"model", r.sessions.Model(userKey),
			"err", err,
		)
		r.failed.Inc()
		reply = userFacingError(err)
	}
	r.sessGauge.Set(int64(r.sessions.Len()))
	r.reply(msg, reply)
}

func (r *Relay) reply(msg domain.InboundMessage, content string) {
	if content == "" {
		return
	}
	r.replied.Inc()
	r.bus.SendOutbound(domain.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: content,
		Format:  "markdown",
	})
}

// handleMessage is the core pipeline: validate, extract, dispatch, record.
func (r *Relay) handleMessage(ctx context.Context, userKey string, msg domain.InboundMessage) (string, error) {
	content := strings.TrimSpace(msg.Content)

	if strings.HasPrefix(content, "/") {
		return r.handleCommand(userKey, content), nil
	}
	if content == "" && msg.Attachment == nil {
		return "", nil
	}

	sess := r.sessions.GetOrCreate(userKey)

	// Validation errors short-circuit before any backend call and mutate
	// no history.
	if att := msg.Attachment; att != nil {
		if err := r.validateAttachment(att); err != nil {
			return "", err
		}
		r.sessions.SetPendingAttachment(userKey, att)
	}

	prompt := content
	if prompt == "" {
		prompt = defaultAttachmentPrompt
	}

	userText := prompt
	historyTurn := prompt
	var inline *domain.Attachment

	if pending := r.sessions.TakePendingAttachment(userKey); pending != nil {
		historyTurn = prompt + "\n[attached: " + pending.Filename + "]"
		if pending.IsImage() && r.extractor.InlineImages() {
			// Forward-inline mode: raw bytes go to the backend as an
			// inline segment instead of a text surrogate.
			inline = pending
		} else {
			surrogate, err := r.extractor.Extract(pending.Data, pending.MimeType, pending.Filename)
			if err != nil {
				return "", err
			}
			userText = prompt + "\n\n" + surrogate
		}
	}

	history := r.sessions.History(userKey)

	answer, err := r.dispatcher.Dispatch(ctx, sess.Model, history, userText, inline)
	if err != nil {
		// A backend failure still records the user's turn; the failed
		// assistant turn is not recorded. Pre-network dispatch errors
		// record nothing.
		if domain.IsBackendError(err) {
			r.sessions.Append(userKey, domain.RoleUser, historyTurn)
		}
		return "", err
	}

	r.sessions.Append(userKey, domain.RoleUser, historyTurn)
	r.sessions.Append(userKey, domain.RoleAssistant, answer)

	if r.transcript != nil {
		if err := r.transcript.Record(ctx, transcript.Exchange{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Model:   sess.Model,
			Prompt:  historyTurn,
			Reply:   answer,
		}); err != nil {
			r.logger.Warn("transcript record failed", "user", userKey, "err", err)
		}
	}

	return answer, nil
}

func (r *Relay) validateAttachment(att *domain.Attachment) error {
	size := att.Size
	if size == 0 {
		size = int64(len(att.Data))
	}
	if size > r.maxAttachmentBytes {
		return fmt.Errorf("%w: %d bytes", domain.ErrAttachmentTooLarge, size)
	}
	if !r.allowedTypes[att.MimeType] {
		return fmt.Errorf("%w: %s", domain.ErrAttachmentTypeRejected, att.MimeType)
	}
	return nil
}

// userFacingError maps the error taxonomy to a reply the user can act on.
// Backend details stay in the logs.
func userFacingError(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnknownModel):
		return "❌ Unknown model. Use /models to see the available ones."
	case errors.Is(err, domain.ErrAttachmentTooLarge):
		return "❌ That file is too large."
	case errors.Is(err, domain.ErrAttachmentTypeRejected):
		return "❌ Unsupported file type."
	case errors.Is(err, domain.ErrUnsupportedAttachment):
		return "❌ That attachment cannot be forwarded to the model."
	case errors.Is(err, domain.ErrExtractionFailed):
		return "⚠️ Could not read that document. It may be corrupted."
	case errors.Is(err, domain.ErrMissingCredential):
		return "⚠️ This model is not available right now."
	default:
		return "⚠️ An error occurred while processing your request. Please try again."
	}
}

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"relaybot/internal/config"
	"relaybot/internal/dispatch"
	"relaybot/internal/domain"
	"relaybot/internal/extract"
	"relaybot/internal/registry"
	"relaybot/internal/session"
)

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type wireRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
}

// fakeBackend stands in for the completion endpoint.
type fakeBackend struct {
	calls  atomic.Int64
	mu     sync.Mutex
	last   wireRequest
	status int
	reply  string
}

func (b *fakeBackend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.calls.Add(1)
		b.mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&b.last)
		b.mu.Unlock()

		if b.status != 0 {
			w.WriteHeader(b.status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": b.reply}},
			},
		})
	}
}

func (b *fakeBackend) lastRequest() wireRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

type fakeBus struct {
	mu       sync.Mutex
	inbound  chan domain.InboundMessage
	outbound []domain.OutboundMessage
}

func newFakeBus() *fakeBus {
	return &fakeBus{inbound: make(chan domain.InboundMessage, 16)}
}

func (b *fakeBus) Publish(m domain.InboundMessage)           { b.inbound <- m }
func (b *fakeBus) Subscribe() <-chan domain.InboundMessage   { return b.inbound }
func (b *fakeBus) OnOutbound(string, func(domain.OutboundMessage)) {}

func (b *fakeBus) SendOutbound(m domain.OutboundMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outbound = append(b.outbound, m)
}

func (b *fakeBus) sent() []domain.OutboundMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.OutboundMessage(nil), b.outbound...)
}

type harness struct {
	relay    *Relay
	backend  *fakeBackend
	bus      *fakeBus
	sessions *session.Store
}

func newHarness(t *testing.T, mode extract.ImageMode) *harness {
	t.Helper()
	t.Setenv("RELAY_TEST_KEY", "secret")

	reg, err := registry.New("gemini", map[string]config.ModelConfig{
		"gemini":   {RemoteModel: "google/gemini-pro", APIKeyEnv: "RELAY_TEST_KEY", Description: "general"},
		"deepseek": {RemoteModel: "deepseek-ai/deepseek-llm-67b-chat", APIKeyEnv: "RELAY_TEST_KEY", Description: "coding"},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	backend := &fakeBackend{reply: "backend answer"}
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	sessions := session.NewStore(session.StoreConfig{
		DefaultModel:     "gemini",
		MaxContextLength: 4096,
		ValidModel:       reg.Has,
	})

	bus := newFakeBus()
	rly := New(Config{
		Sessions: sessions,
		Registry: reg,
		Dispatcher: dispatch.New(dispatch.Config{
			Registry:  reg,
			APIBase:   srv.URL,
			MaxTokens: 256,
			Client:    srv.Client(),
		}),
		Extractor:          extract.New(mode, nil),
		Bus:                bus,
		AllowedMimeTypes:   map[string]bool{"image/png": true, "application/pdf": true},
		MaxAttachmentBytes: 1024,
	})

	return &harness{relay: rly, backend: backend, bus: bus, sessions: sessions}
}

func inbound(content string, att *domain.Attachment) domain.InboundMessage {
	return domain.InboundMessage{
		Channel:    "telegram",
		ChatID:     "42",
		SenderID:   "42",
		Content:    content,
		Attachment: att,
	}
}

func TestHandleMessage_SuccessRecordsBothTurns(t *testing.T) {
	h := newHarness(t, extract.ImageDescribe)

	reply, err := h.relay.handleMessage(context.Background(), "telegram:42", inbound("hello there", nil))
	if err != nil {
		t.Fatalf("handleMessage failed: %v", err)
	}
	if reply != "backend answer" {
		t.Fatalf("unexpected reply %q", reply)
	}

	history := h.sessions.History("telegram:42")
	if len(history) != 2 {
		t.Fatalf("expected user + assistant turns, got %d: %+v", len(history), history)
	}
	if history[0].Role != domain.RoleUser || history[0].Content != "hello there" {
		t.Fatalf("unexpected user turn %+v", history[0])
	}
	if history[1].Role != domain.RoleAssistant || history[1].Content != "backend answer" {
		t.Fatalf("unexpected assistant turn %+v", history[1])
	}
}

func TestHandleMessage_BackendFailureKeepsUserTurnOnly(t *testing.T) {
	h := newHarness(t, extract.ImageDescribe)
	h.backend.status = http.StatusInternalServerError

	_, err := h.relay.handleMessage(context.Background(), "telegram:42", inbound("hello there", nil))
	if !domain.IsBackendError(err) {
		t.Fatalf("expected BackendError, got %v", err)
	}

	history := h.sessions.History("telegram:42")
	if len(history) != 1 {
		t.Fatalf("expected only the user turn, got %d: %+v", len(history), history)
	}
	if history[0].Role != domain.RoleUser || history[0].Content != "hello there" {
		t.Fatalf("unexpected surviving turn %+v", history[0])
	}
}

func TestHandleMessage_OversizedAttachmentMutatesNothing(t *testing.T) {
	h := newHarness(t, extract.ImageDescribe)

	att := &domain.Attachment{Data: make([]byte, 4096), MimeType: "image/png", Filename: "big.png"}
	_, err := h.relay.handleMessage(context.Background(), "telegram:42", inbound("look", att))
	if !errors.Is(err, domain.ErrAttachmentTooLarge) {
		t.Fatalf("expected ErrAttachmentTooLarge, got %v", err)
	}
	if n := len(h.sessions.History("telegram:42")); n != 0 {
		t.Fatalf("history mutated by rejected attachment: %d entries", n)
	}
	if n := h.backend.calls.Load(); n != 0 {
		t.Fatalf("backend called despite rejection: %d", n)
	}
}

func TestHandleMessage_RejectedTypeMutatesNothing(t *testing.T) {
	h := newHarness(t, extract.ImageDescribe)

	att := &domain.Attachment{Data: []byte("ogg"), MimeType: "audio/ogg", Filename: "voice.ogg"}
	_, err := h.relay.handleMessage(context.Background(), "telegram:42", inbound("", att))
	if !errors.Is(err, domain.ErrAttachmentTypeRejected) {
		t.Fatalf("expected ErrAttachmentTypeRejected, got %v", err)
	}
	if n := len(h.sessions.History("telegram:42")); n != 0 {
		t.Fatalf("history mutated by rejected attachment: %d entries", n)
	}
	if n := h.backend.calls.Load(); n != 0 {
		t.Fatalf("backend called despite rejection: %d", n)
	}
}

func TestHandleMessage_EmptyMessageIgnored(t *testing.T) {
	h := newHarness(t, extract.ImageDescribe)

	reply, err := h.relay.handleMessage(context.Background(), "telegram:42", inbound("   ", nil))
	if err != nil || reply != "" {
		t.Fatalf("expected silent skip, got %q, %v", reply, err)
	}
	if n := h.backend.calls.Load(); n != 0 {
		t.Fatalf("backend called for empty message: %d", n)
	}
}

func TestHandleMessage_DescribeModeSendsSurrogate(t *testing.T) {
	h := newHarness(t, extract.ImageDescribe)

	att := &domain.Attachment{Data: []byte{0x89, 0x50}, MimeType: "image/png", Filename: "cat.png"}
	if _, err := h.relay.handleMessage(context.Background(), "telegram:42", inbound("what is this?", att)); err != nil {
		t.Fatalf("handleMessage failed: %v", err)
	}

	req := h.backend.lastRequest()
	sent, ok := req.Messages[len(req.Messages)-1].Content.(string)
	if !ok {
		t.Fatalf("expected plain text content, got %T", req.Messages[len(req.Messages)-1].Content)
	}
	if !strings.Contains(sent, "what is this?") || !strings.Contains(sent, "[image content detected: image/png]") {
		t.Fatalf("surrogate missing from backend prompt: %q", sent)
	}

	// The history records the attachment reference, never the raw surrogate.
	history := h.sessions.History("telegram:42")
	if history[0].Content != "what is this?\n[attached: cat.png]" {
		t.Fatalf("unexpected history turn %q", history[0].Content)
	}
}

func TestHandleMessage_InlineModeForwardsImageBytes(t *testing.T) {
	h := newHarness(t, extract.ImageInline)

	att := &domain.Attachment{Data: []byte{0x89, 0x50}, MimeType: "image/png", Filename: "cat.png"}
	if _, err := h.relay.handleMessage(context.Background(), "telegram:42", inbound("what is this?", att)); err != nil {
		t.Fatalf("handleMessage failed: %v", err)
	}

	req := h.backend.lastRequest()
	parts, ok := req.Messages[len(req.Messages)-1].Content.([]any)
	if !ok {
		t.Fatalf("expected structured content in inline mode, got %T", req.Messages[len(req.Messages)-1].Content)
	}
	if len(parts) != 2 {
		t.Fatalf("expected text + image segments, got %d", len(parts))
	}
}

func TestHandleMessage_AttachmentOnlyUsesDefaultPrompt(t *testing.T) {
	h := newHarness(t, extract.ImageDescribe)

	att := &domain.Attachment{Data: []byte{0x89, 0x50}, MimeType: "image/png", Filename: "cat.png"}
	if _, err := h.relay.handleMessage(context.Background(), "telegram:42", inbound("", att)); err != nil {
		t.Fatalf("handleMessage failed: %v", err)
	}

	req := h.backend.lastRequest()
	sent := req.Messages[len(req.Messages)-1].Content.(string)
	if !strings.Contains(sent, defaultAttachmentPrompt) {
		t.Fatalf("expected default prompt, got %q", sent)
	}
}

func TestCommands_NeverTouchBackend(t *testing.T) {
	h := newHarness(t, extract.ImageDescribe)
	ctx := context.Background()

	for _, cmd := range []string{"/start", "/help", "/models", "/model", "/model deepseek", "/clear", "/bogus"} {
		if _, err := h.relay.handleMessage(ctx, "telegram:42", inbound(cmd, nil)); err != nil {
			t.Fatalf("%s failed: %v", cmd, err)
		}
	}
	if n := h.backend.calls.Load(); n != 0 {
		t.Fatalf("commands reached the backend %d times", n)
	}
}

func TestCommand_ModelSwitch(t *testing.T) {
	h := newHarness(t, extract.ImageDescribe)
	ctx := context.Background()

	reply, err := h.relay.handleMessage(ctx, "telegram:42", inbound("/model deepseek", nil))
	if err != nil {
		t.Fatalf("handleMessage failed: %v", err)
	}
	if !strings.Contains(reply, "deepseek") {
		t.Fatalf("switch not confirmed: %q", reply)
	}
	if got := h.sessions.Model("telegram:42"); got != "deepseek" {
		t.Fatalf("model not switched: %q", got)
	}

	// The next dispatch uses the new model's remote name.
	if _, err := h.relay.handleMessage(ctx, "telegram:42", inbound("hi", nil)); err != nil {
		t.Fatalf("handleMessage failed: %v", err)
	}
	if got := h.backend.lastRequest().Model; got != "deepseek-ai/deepseek-llm-67b-chat" {
		t.Fatalf("wrong remote model on the wire: %q", got)
	}
}

func TestCommand_ModelUnknown(t *testing.T) {
	h := newHarness(t, extract.ImageDescribe)

	reply, err := h.relay.handleMessage(context.Background(), "telegram:42", inbound("/model claude", nil))
	if err != nil {
		t.Fatalf("handleMessage failed: %v", err)
	}
	if !strings.Contains(reply, "Unknown model") || !strings.Contains(reply, "gemini") {
		t.Fatalf("expected rejection plus model list, got %q", reply)
	}
	if got := h.sessions.Model("telegram:42"); got != "gemini" {
		t.Fatalf("model changed on failed switch: %q", got)
	}
}

func TestCommand_ModelsMarksSelected(t *testing.T) {
	h := newHarness(t, extract.ImageDescribe)

	reply, err := h.relay.handleMessage(context.Background(), "telegram:42", inbound("/models", nil))
	if err != nil {
		t.Fatalf("handleMessage failed: %v", err)
	}
	if !strings.Contains(reply, "▸ gemini") {
		t.Fatalf("selected model not marked: %q", reply)
	}
	if !strings.Contains(reply, "deepseek") || !strings.Contains(reply, "coding") {
		t.Fatalf("model list incomplete: %q", reply)
	}
}

func TestCommand_Clear(t *testing.T) {
	h := newHarness(t, extract.ImageDescribe)
	ctx := context.Background()

	if _, err := h.relay.handleMessage(ctx, "telegram:42", inbound("hello", nil)); err != nil {
		t.Fatalf("handleMessage failed: %v", err)
	}
	if _, err := h.relay.handleMessage(ctx, "telegram:42", inbound("/clear", nil)); err != nil {
		t.Fatalf("handleMessage failed: %v", err)
	}
	if n := len(h.sessions.History("telegram:42")); n != 0 {
		t.Fatalf("history not cleared: %d entries", n)
	}
}

func TestProcessMessage_RepliesThroughBus(t *testing.T) {
	h := newHarness(t, extract.ImageDescribe)

	h.relay.processMessage(context.Background(), inbound("hello", nil))

	sent := h.bus.sent()
	if len(sent) != 1 {
		t.Fatalf("expected one outbound message, got %d", len(sent))
	}
	out := sent[0]
	if out.Channel != "telegram" || out.ChatID != "42" {
		t.Fatalf("reply misrouted: %+v", out)
	}
	if out.Content != "backend answer" || out.Format != "markdown" {
		t.Fatalf("unexpected outbound payload: %+v", out)
	}
}

func TestProcessMessage_SessionsPerSenderInSharedChat(t *testing.T) {
	h := newHarness(t, extract.ImageDescribe)
	ctx := context.Background()

	groupMsg := func(sender, content string) domain.InboundMessage {
		return domain.InboundMessage{
			Channel:  "telegram",
			ChatID:   "99",
			SenderID: sender,
			Content:  content,
		}
	}

	h.relay.processMessage(ctx, groupMsg("alice", "hello from alice"))
	h.relay.processMessage(ctx, groupMsg("bob", "hello from bob"))
	h.relay.processMessage(ctx, groupMsg("bob", "/clear"))

	// Bob's clear must not touch Alice's history.
	alice := h.sessions.History("telegram:alice")
	if len(alice) != 2 || alice[0].Content != "hello from alice" {
		t.Fatalf("alice's history affected by another sender: %+v", alice)
	}
	if n := len(h.sessions.History("telegram:bob")); n != 0 {
		t.Fatalf("bob's history not cleared: %d entries", n)
	}

	// Model choice is per sender too.
	h.relay.processMessage(ctx, groupMsg("bob", "/model deepseek"))
	if got := h.sessions.Model("telegram:bob"); got != "deepseek" {
		t.Fatalf("bob's model not switched: %q", got)
	}
	if got := h.sessions.Model("telegram:alice"); got != "gemini" {
		t.Fatalf("alice's model changed by another sender: %q", got)
	}

	// Replies still target the shared chat.
	for _, out := range h.bus.sent() {
		if out.ChatID != "99" {
			t.Fatalf("reply misrouted: %+v", out)
		}
	}
}

func TestProcessMessage_ErrorReplyIsUserFacing(t *testing.T) {
	h := newHarness(t, extract.ImageDescribe)
	h.backend.status = http.StatusBadGateway

	h.relay.processMessage(context.Background(), inbound("hello", nil))

	sent := h.bus.sent()
	if len(sent) != 1 {
		t.Fatalf("expected one outbound message, got %d", len(sent))
	}
	if !strings.Contains(sent[0].Content, "error occurred") {
		t.Fatalf("expected generic error reply, got %q", sent[0].Content)
	}
	if strings.Contains(sent[0].Content, "502") {
		t.Fatalf("backend detail leaked to the user: %q", sent[0].Content)
	}
}

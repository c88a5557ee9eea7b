// Package dispatch builds and sends completion requests to an
// OpenRouter-compatible chat backend. The dispatcher is stateless between
// calls: each Dispatch is a pure function of its inputs plus a registry
// lookup.
package dispatch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/registry"
)

// pdfInlineNote is appended to the user text when a PDF attachment
// reaches the dispatcher directly: PDF bodies are never embedded as
// binary, the extracted text is the supported path.
const pdfInlineNote = "[a PDF document was attached; its body cannot be inlined]"

type Dispatcher struct {
	registry  *registry.Registry
	apiBase   string
	client    *http.Client
	maxTokens int
	logger    *slog.Logger
}

type Config struct {
	Registry  *registry.Registry
	APIBase   string
	MaxTokens int
	Timeout   time.Duration
	Logger    *slog.Logger
	// Client overrides the pooled default; used by tests.
	Client *http.Client
}

func New(cfg Config) *Dispatcher {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://openrouter.ai/api/v1"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		client = newHTTPClient(cfg.Timeout)
	}
	return &Dispatcher{
		registry:  cfg.Registry,
		apiBase:   strings.TrimRight(cfg.APIBase, "/"),
		client:    client,
		maxTokens: cfg.MaxTokens,
		logger:    cfg.Logger,
	}
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

// chatMessage content is either a plain string or a []contentPart when
// the turn carries an inline image segment.
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"` // "text" | "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Dispatch resolves the model, builds the ordered message list from the
// prior history plus one new user turn, sends it, and returns the first
// choice's text. Attachment handling: images become an inline base64 data
// reference, PDFs fall back to a fixed textual note, anything else is
// ErrUnsupportedAttachment. No retries; a failed call surfaces
// immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, modelID string, history []domain.Message, text string, att *domain.Attachment) (string, error) {
	desc, err := d.registry.Resolve(modelID)
	if err != nil {
		return "", err
	}
	if desc.APIKey == "" {
		return "", fmt.Errorf("%w: model %q", domain.ErrMissingCredential, modelID)
	}

	newMsg, err := buildUserMessage(text, att)
	if err != nil {
		return "", err
	}

	messages := make([]chatMessage, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, newMsg)

	body, err := json.Marshal(chatRequest{
		Model:     desc.RemoteModel,
		Messages:  messages,
		MaxTokens: d.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.apiBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+desc.APIKey)

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "", &domain.BackendError{Reason: "timeout", Err: err}
		}
		return "", &domain.BackendError{Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		d.logger.Error("backend returned error status",
			"model", modelID,
			"status", resp.StatusCode,
			"body", string(detail),
		)
		return "", &domain.BackendError{Reason: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &domain.BackendError{Reason: "malformed response", Err: err}
	}
	if len(parsed.Choices) == 0 {
		return "", &domain.BackendError{Reason: "malformed response"}
	}

	d.logger.Info("completion received",
		"model", modelID,
		"remote_model", desc.RemoteModel,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	return parsed.Choices[0].Message.Content, nil
}

// buildUserMessage constructs the new user turn. With an image attachment
// the content becomes a two-part structure: the text segment plus a
// self-describing data URL carrying the MIME type and base64 payload.
func buildUserMessage(text string, att *domain.Attachment) (chatMessage, error) {
	if att == nil {
		return chatMessage{Role: domain.RoleUser, Content: text}, nil
	}

	switch {
	case att.IsImage():
		dataURL := "data:" + att.MimeType + ";base64," + base64.StdEncoding.EncodeToString(att.Data)
		return chatMessage{
			Role: domain.RoleUser,
			Content: []contentPart{
				{Type: "text", Text: text},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
			},
		}, nil
	case att.MimeType == "application/pdf":
		return chatMessage{Role: domain.RoleUser, Content: text + "\n" + pdfInlineNote}, nil
	default:
		return chatMessage{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedAttachment, att.MimeType)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr) && urlErr.Timeout()
}

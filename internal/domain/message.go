package domain

import "time"

// Message roles as sent to the completion backend.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn in a conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Attachment is a binary payload accompanying a user message. The channel
// adapter downloads the bytes before publishing, so by the time an
// Attachment reaches the relay it is fully in memory.
type Attachment struct {
	Data     []byte
	MimeType string
	Filename string
	Size     int64
}

// IsImage reports whether the attachment carries an image MIME type.
func (a *Attachment) IsImage() bool {
	return a != nil && len(a.MimeType) > 6 && a.MimeType[:6] == "image/"
}

type InboundMessage struct {
	Channel    string
	ChatID     string
	SenderID   string
	Content    string
	Attachment *Attachment
	Timestamp  time.Time
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	Format  string // text | markdown
}

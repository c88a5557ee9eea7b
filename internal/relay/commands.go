package relay

import (
	"errors"
	"strings"

	"relaybot/internal/domain"
)

const startText = "🤖 Hello! I'm RelayBot. Send me text or files and I'll respond!\n\n" +
	"Commands:\n" +
	"/models — List the available AI models\n" +
	"/model <id> — Switch to a different model\n" +
	"/clear — Delete your conversation history\n" +
	"/help — Show this message"

// handleCommand implements the user-visible command surface. Commands
// never touch the backend.
func (r *Relay) handleCommand(userKey, content string) string {
	fields := strings.Fields(content)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "/start", "/help":
		return startText

	case "/models":
		return r.modelList(userKey)

	case "/model":
		if len(args) == 0 {
			return r.modelList(userKey)
		}
		if err := r.sessions.SetModel(userKey, args[0]); err != nil {
			if errors.Is(err, domain.ErrUnknownModel) {
				return "❌ Unknown model \"" + args[0] + "\".\n\n" + r.modelList(userKey)
			}
			return userFacingError(err)
		}
		return "✅ Selected model: " + args[0]

	case "/clear":
		r.sessions.ClearHistory(userKey)
		return "✅ Your conversation history has been cleared."

	default:
		return "Unknown command. Type /help for available commands."
	}
}

func (r *Relay) modelList(userKey string) string {
	selected := r.sessions.Model(userKey)

	var b strings.Builder
	b.WriteString("🔧 Available models:\n")
	for _, d := range r.registry.List() {
		marker := "  "
		if d.ID == selected {
			marker = "▸ "
		}
		b.WriteString("\n" + marker + d.ID)
		if d.Description != "" {
			b.WriteString(" — " + d.Description)
		}
	}
	b.WriteString("\n\nSwitch with /model <id>.")
	return b.String()
}

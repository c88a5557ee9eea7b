package channel

import (
	"testing"

	"github.com/bwmarrin/discordgo"
)

func TestSlashCommandContent(t *testing.T) {
	tests := []struct {
		name string
		data discordgo.ApplicationCommandInteractionData
		want string
	}{
		{
			name: "bare command",
			data: discordgo.ApplicationCommandInteractionData{Name: "models"},
			want: "/models",
		},
		{
			name: "command with argument",
			data: discordgo.ApplicationCommandInteractionData{
				Name: "model",
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{Type: discordgo.ApplicationCommandOptionString, Value: "deepseek"},
				},
			},
			want: "/model deepseek",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := slashCommandContent(tt.data); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestSlashAck_CompletesInteraction(t *testing.T) {
	resp := slashAck()

	// A deferred response would leave the interaction hanging, since the
	// reply is delivered as a regular channel message.
	if resp.Type == discordgo.InteractionResponseDeferredChannelMessageWithSource {
		t.Fatal("acknowledgement must not defer the interaction")
	}
	if resp.Type != discordgo.InteractionResponseChannelMessageWithSource {
		t.Fatalf("unexpected response type %v", resp.Type)
	}
	if resp.Data == nil || resp.Data.Content == "" {
		t.Fatal("acknowledgement must carry content")
	}
	if resp.Data.Flags&discordgo.MessageFlagsEphemeral == 0 {
		t.Fatal("acknowledgement should be ephemeral")
	}
}

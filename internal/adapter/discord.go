package adapter

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// DiscordAdapter sends replies through a live discordgo session. It is
// deliberately thin: spec §1 treats the platform adapter as an external
// collaborator, so only enough of discordgo is wired to open a session
// and send a message — not the teacher's full mention-parsing and
// attachment pipeline (dropped per DESIGN.md).
type DiscordAdapter struct {
	session *discordgo.Session
}

// NewDiscordAdapter opens a bot session against token. Callers should
// call Close when done.
func NewDiscordAdapter(token string) (*DiscordAdapter, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("adapter: create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("adapter: open discord session: %w", err)
	}
	return &DiscordAdapter{session: session}, nil
}

// Close closes the underlying gateway connection.
func (d *DiscordAdapter) Close() error { return d.session.Close() }

// SendReply posts reply.Text to reply.ChannelID, referencing the
// original message when the platform supports it.
func (d *DiscordAdapter) SendReply(_ context.Context, reply Reply) error {
	msg := &discordgo.MessageSend{Content: reply.Text}
	if reply.ReplyToMessage != "" {
		msg.Reference = &discordgo.MessageReference{
			MessageID: reply.ReplyToMessage,
			ChannelID: reply.ChannelID,
		}
	}
	_, err := d.session.ChannelMessageSendComplex(reply.ChannelID, msg)
	if err != nil {
		return fmt.Errorf("adapter: send discord message: %w", err)
	}
	return nil
}

var _ Adapter = (*DiscordAdapter)(nil)

package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordNotifier posts events to one Discord channel. Sends go over the
// REST API; no gateway websocket is opened.
type DiscordNotifier struct {
	session   *discordgo.Session
	channelID string
	logger    *zap.Logger
}

// NewDiscordNotifier creates a Discord adapter for the given channel.
func NewDiscordNotifier(botToken, channelID string, logger *zap.Logger) (*DiscordNotifier, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordNotifier{
		session:   session,
		channelID: channelID,
		logger:    logger,
	}, nil
}

// Platform implements Notifier.
func (d *DiscordNotifier) Platform() string { return "discord" }

// Send implements Notifier.
func (d *DiscordNotifier) Send(ctx context.Context, ev *Event) error {
	content := fmt.Sprintf("**%s**\n%s", ev.Title, ev.Body)
	if ev.Source != "" {
		content += fmt.Sprintf("\n-# from %s", ev.Source)
	}
	_, err := d.session.ChannelMessageSend(d.channelID, content,
		discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord send to %s: %w", d.channelID, err)
	}
	return nil
}

// Close implements Notifier.
func (d *DiscordNotifier) Close() error { return d.session.Close() }

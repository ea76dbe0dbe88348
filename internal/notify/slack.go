package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackNotifier posts events to one Slack channel.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlackNotifier creates a Slack adapter for the given channel.
func NewSlackNotifier(botToken, channel string, logger *zap.Logger) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(botToken),
		channel: channel,
		logger:  logger,
	}
}

// Platform implements Notifier.
func (s *SlackNotifier) Platform() string { return "slack" }

// Send implements Notifier.
func (s *SlackNotifier) Send(ctx context.Context, ev *Event) error {
	text := fmt.Sprintf("*%s*\n%s", ev.Title, ev.Body)
	if ev.Source != "" {
		text += fmt.Sprintf("\n_from %s_", ev.Source)
	}
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		return fmt.Errorf("slack post to %s: %w", s.channel, err)
	}
	return nil
}

// Close implements Notifier.
func (s *SlackNotifier) Close() error { return nil }

package notify

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/nidhogg/crosswire/internal/mesh"
)

// EnvelopeNotifier adapts mesh envelopes into hub events. The mesh router
// hands it system notifications and priority-1 broadcasts.
type EnvelopeNotifier struct {
	hub    *Hub
	logger *zap.Logger
}

// NewEnvelopeNotifier wraps a hub for use as the mesh notification sink.
func NewEnvelopeNotifier(hub *Hub, logger *zap.Logger) *EnvelopeNotifier {
	return &EnvelopeNotifier{hub: hub, logger: logger}
}

// Notify implements mesh.NotificationSink.
func (e *EnvelopeNotifier) Notify(ctx context.Context, env *mesh.Envelope) {
	title, _ := env.Payload["title"].(string)
	if title == "" {
		title = string(env.Type)
	}
	body, _ := env.Payload["message"].(string)
	if body == "" {
		if raw, err := json.Marshal(env.Payload); err == nil {
			body = string(raw)
		}
	}

	ev := &Event{
		Title:    title,
		Body:     body,
		Source:   env.SourceAgent,
		Priority: env.Priority,
	}
	if err := e.hub.Send(ctx, ev); err != nil {
		e.logger.Warn("envelope notification failed",
			zap.String("message", env.MessageID), zap.Error(err))
	}
}

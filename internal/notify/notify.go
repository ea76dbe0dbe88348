// Package notify mirrors operator-relevant mesh events to chat platforms.
// Adapters are outbound only; nothing in the mesh reacts to chat input.
package notify

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Event is one operator notification.
type Event struct {
	Title    string
	Body     string
	Source   string
	Priority int
}

// Notifier delivers events to one platform.
type Notifier interface {
	Platform() string
	Send(ctx context.Context, ev *Event) error
	Close() error
}

// Hub fans events out to all registered platform adapters.
type Hub struct {
	mu       sync.RWMutex
	adapters map[string]Notifier
	logger   *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		adapters: make(map[string]Notifier),
		logger:   logger,
	}
}

// Register adds a platform adapter.
func (h *Hub) Register(n Notifier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.adapters[n.Platform()] = n
	h.logger.Info("registered notify adapter", zap.String("platform", n.Platform()))
}

// Platforms returns the registered platform names.
func (h *Hub) Platforms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.adapters))
	for p := range h.adapters {
		names = append(names, p)
	}
	return names
}

// Send delivers one event to every adapter. Platform failures are logged
// and collected; one failing platform does not stop the others.
func (h *Hub) Send(ctx context.Context, ev *Event) error {
	h.mu.RLock()
	adapters := make([]Notifier, 0, len(h.adapters))
	for _, n := range h.adapters {
		adapters = append(adapters, n)
	}
	h.mu.RUnlock()

	var failed int
	for _, n := range adapters {
		if err := n.Send(ctx, ev); err != nil {
			failed++
			h.logger.Error("notify send failed",
				zap.String("platform", n.Platform()),
				zap.String("title", ev.Title),
				zap.Error(err))
		}
	}
	if failed > 0 {
		return fmt.Errorf("notify failed on %d platform(s)", failed)
	}
	return nil
}

// Close shuts down all adapters.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, n := range h.adapters {
		if err := n.Close(); err != nil {
			h.logger.Error("notify adapter close failed",
				zap.String("platform", n.Platform()), zap.Error(err))
		}
	}
	return nil
}

package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUnknownAgent is returned when a message targets an agent this process
// has never heard of. There is no buffering for later delivery.
var ErrUnknownAgent = errors.New("unknown target agent")

// HandlerFunc receives envelopes delivered to a registered agent.
type HandlerFunc func(ctx context.Context, env *Envelope)

// NotificationSink receives envelopes that should be mirrored to an
// operator-facing channel.
type NotificationSink interface {
	Notify(ctx context.Context, env *Envelope)
}

const handlerBuffer = 64

// Router moves envelopes between agents: directly over the native message
// stream, through a bridge stream for foreign transport classes, or fanned
// out over the broadcast stream. Local handlers are invoked asynchronously
// through per-agent delivery channels so subscriber loops never block on
// application code.
type Router struct {
	reg *Registry
	bus Bus

	mu       sync.RWMutex
	handlers map[string]chan *Envelope
	notifier NotificationSink
	logger   *zap.Logger
}

// NewRouter creates a router over the given registry and bus.
func NewRouter(reg *Registry, bus Bus, logger *zap.Logger) *Router {
	return &Router{
		reg:      reg,
		bus:      bus,
		handlers: make(map[string]chan *Envelope),
		logger:   logger,
	}
}

// SetNotifier mirrors system notifications and urgent broadcasts to sink.
func (r *Router) SetNotifier(sink NotificationSink) {
	r.notifier = sink
}

// RegisterHandler attaches a message handler for a locally hosted agent.
// Delivery is a channel send; the handler runs on its own goroutine.
func (r *Router) RegisterHandler(agentID string, h HandlerFunc) {
	ch := make(chan *Envelope, handlerBuffer)
	r.mu.Lock()
	r.handlers[agentID] = ch
	r.mu.Unlock()

	go func() {
		for env := range ch {
			h(context.Background(), env)
		}
	}()
}

// UnregisterHandler detaches a local agent's handler and stops its
// delivery goroutine.
func (r *Router) UnregisterHandler(agentID string) {
	r.mu.Lock()
	ch, ok := r.handlers[agentID]
	delete(r.handlers, agentID)
	r.mu.Unlock()
	if ok {
		close(ch)
	}
}

// SendMessage routes one envelope. Targets on this process's transport
// class go over the native message stream; foreign targets are wrapped and
// published to that class's bridge stream; an empty target broadcasts.
// Unknown targets fail immediately.
func (r *Router) SendMessage(ctx context.Context, env *Envelope) error {
	if env.MessageID == "" {
		env.MessageID = NewEnvelope(env.Type, env.SourceAgent).MessageID
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	if env.TargetAgent == "" {
		if _, err := r.bus.Publish(ctx, StreamBroadcasts, env); err != nil {
			return fmt.Errorf("broadcast %s: %w", env.MessageID, err)
		}
		return nil
	}

	info, ok := r.reg.Get(env.TargetAgent)
	if !ok {
		return fmt.Errorf("send %s to %s: %w", env.MessageID, env.TargetAgent, ErrUnknownAgent)
	}

	if info.Transport == r.reg.transport {
		if _, err := r.bus.Publish(ctx, StreamMessages, env); err != nil {
			return fmt.Errorf("send %s to %s: %w", env.MessageID, env.TargetAgent, err)
		}
		return nil
	}

	frame := bridgeFrame{
		TargetTransport: info.Transport,
		TargetAgent:     env.TargetAgent,
		Envelope:        env,
		Timestamp:       time.Now().UTC(),
	}
	if _, err := r.bus.Publish(ctx, BridgeStream(info.Transport), frame); err != nil {
		return fmt.Errorf("bridge %s to %s/%s: %w", env.MessageID, info.Transport, env.TargetAgent, err)
	}
	r.logger.Debug("bridged envelope",
		zap.String("message", env.MessageID),
		zap.String("target", env.TargetAgent),
		zap.String("transport", string(info.Transport)))
	return nil
}

// Start creates the consumer groups and launches the subscriber loops:
// direct messages, broadcasts, discovery, health, and this class's inbound
// bridge. Loops run until ctx is cancelled.
func (r *Router) Start(ctx context.Context) error {
	nodeID := r.reg.selfID
	subs := []struct {
		stream  string
		group   string
		handler func(ctx context.Context, deliveryID string, payload []byte) error
	}{
		{StreamMessages, sharedGroup(StreamMessages), r.consumeDirect},
		{BridgeStream(r.reg.transport), sharedGroup(BridgeStream(r.reg.transport)), r.consumeBridge},
		{StreamBroadcasts, nodeGroup(StreamBroadcasts, nodeID), r.consumeBroadcast},
		{StreamDiscovery, nodeGroup(StreamDiscovery, nodeID), r.consumeDiscovery},
		{StreamHealth, nodeGroup(StreamHealth, nodeID), r.consumeHealth},
	}

	for _, s := range subs {
		if err := r.bus.CreateConsumerGroup(ctx, s.stream, s.group, "$"); err != nil {
			return fmt.Errorf("start router: %w", err)
		}
	}
	for _, s := range subs {
		s := s
		go func() {
			err := r.bus.Subscribe(ctx, s.stream, s.group, nodeID, s.handler)
			if err != nil && ctx.Err() == nil {
				r.logger.Error("subscriber loop exited",
					zap.String("stream", s.stream), zap.Error(err))
			}
		}()
	}

	r.logger.Info("mesh router started",
		zap.String("node", nodeID),
		zap.String("transport", string(r.reg.transport)))
	return nil
}

func (r *Router) consumeDirect(ctx context.Context, deliveryID string, payload []byte) error {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.logger.Warn("undecodable envelope dropped",
			zap.String("delivery_id", deliveryID), zap.Error(err))
		return nil
	}
	return r.deliverLocal(&env)
}

func (r *Router) consumeBridge(ctx context.Context, deliveryID string, payload []byte) error {
	var frame bridgeFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		r.logger.Warn("undecodable bridge frame dropped",
			zap.String("delivery_id", deliveryID), zap.Error(err))
		return nil
	}
	if frame.Envelope == nil {
		return nil
	}
	return r.deliverLocal(frame.Envelope)
}

// deliverLocal hands an envelope to the target's handler channel. A full
// channel is a handler failure: the delivery stays pending for redelivery.
// An envelope for an agent with no handler here is acknowledged and
// dropped; direct delivery assumes the group member that reads a record
// also hosts its target.
func (r *Router) deliverLocal(env *Envelope) error {
	r.mu.RLock()
	ch, ok := r.handlers[env.TargetAgent]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug("no local handler for envelope",
			zap.String("target", env.TargetAgent),
			zap.String("message", env.MessageID))
		return nil
	}

	select {
	case ch <- env:
		r.reg.CountMessage(env.TargetAgent)
		return nil
	default:
		return fmt.Errorf("handler queue full for %s", env.TargetAgent)
	}
}

func (r *Router) consumeBroadcast(ctx context.Context, deliveryID string, payload []byte) error {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.logger.Warn("undecodable broadcast dropped",
			zap.String("delivery_id", deliveryID), zap.Error(err))
		return nil
	}
	r.fanOut(ctx, &env)
	return nil
}

// fanOut delivers a broadcast to every local handler except the sender's
// own. Fan-out is best effort; a saturated handler misses the broadcast.
func (r *Router) fanOut(ctx context.Context, env *Envelope) {
	r.mu.RLock()
	targets := make(map[string]chan *Envelope, len(r.handlers))
	for id, ch := range r.handlers {
		if id != env.SourceAgent {
			targets[id] = ch
		}
	}
	r.mu.RUnlock()

	for id, ch := range targets {
		select {
		case ch <- env:
			r.reg.CountMessage(id)
		default:
			r.logger.Warn("broadcast dropped for saturated handler",
				zap.String("agent", id),
				zap.String("message", env.MessageID))
		}
	}

	if r.notifier != nil && (env.Type == MsgSystemNotification || env.Priority == 1) {
		r.notifier.Notify(ctx, env)
	}
}

func (r *Router) consumeDiscovery(ctx context.Context, deliveryID string, payload []byte) error {
	if err := r.reg.handleDiscovery(payload); err != nil {
		r.logger.Warn("discovery event dropped",
			zap.String("delivery_id", deliveryID), zap.Error(err))
	}
	return nil
}

func (r *Router) consumeHealth(ctx context.Context, deliveryID string, payload []byte) error {
	var hb heartbeat
	if err := json.Unmarshal(payload, &hb); err != nil {
		r.logger.Warn("undecodable heartbeat dropped",
			zap.String("delivery_id", deliveryID), zap.Error(err))
		return nil
	}
	if hb.AgentID == "" {
		return nil
	}
	r.reg.Heartbeat(hb.AgentID, hb.Status, hb.Metrics)
	return nil
}

// Close stops all handler delivery goroutines.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.handlers {
		close(ch)
		delete(r.handlers, id)
	}
}

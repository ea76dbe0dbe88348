package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry is this process's view of the agent directory. It is rebuilt
// from discovery events and is only eventually consistent across processes.
type Registry struct {
	selfID    string
	transport TransportClass
	bus       Bus

	sweepInterval   time.Duration
	livenessTimeout time.Duration

	mu     sync.RWMutex
	agents map[string]*AgentInfo

	logger *zap.Logger
}

// NewRegistry creates an empty registry for the node identified by selfID.
func NewRegistry(selfID string, transport TransportClass, bus Bus, sweepInterval, livenessTimeout time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		selfID:          selfID,
		transport:       transport,
		bus:             bus,
		sweepInterval:   sweepInterval,
		livenessTimeout: livenessTimeout,
		agents:          make(map[string]*AgentInfo),
		logger:          logger,
	}
}

// SelfID returns the id this node registers itself under.
func (r *Registry) SelfID() string { return r.selfID }

// Transport returns this process's transport class.
func (r *Registry) Transport() TransportClass { return r.transport }

// Register inserts or overwrites an agent as ONLINE and announces it on the
// discovery stream so peer processes learn of it.
func (r *Registry) Register(ctx context.Context, info AgentInfo) error {
	if info.ID == "" {
		return fmt.Errorf("register agent: empty id")
	}
	if info.Transport == "" {
		info.Transport = r.transport
	}
	info.Status = StatusOnline
	info.LastSeen = time.Now().UTC()

	r.mu.Lock()
	stored := info
	r.agents[info.ID] = &stored
	r.mu.Unlock()

	r.logger.Info("agent registered",
		zap.String("agent", info.ID),
		zap.String("type", info.Type),
		zap.Strings("capabilities", info.Capabilities),
		zap.String("transport", string(info.Transport)))

	_, err := r.bus.Publish(ctx, StreamDiscovery, discoveryEvent{
		EventType: eventAgentRegistered,
		AgentInfo: &info,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("announce registration of %s: %w", info.ID, err)
	}
	return nil
}

// Unregister marks an agent OFFLINE, announces the departure, then deletes
// the local entry. Unlike a liveness timeout, the entry does not remain.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	info, ok := r.agents[id]
	if ok {
		info.Status = StatusOffline
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unregister agent: %s not known", id)
	}

	_, err := r.bus.Publish(ctx, StreamDiscovery, discoveryEvent{
		EventType: eventAgentUnregistered,
		AgentID:   id,
		Timestamp: time.Now().UTC(),
	})

	r.mu.Lock()
	delete(r.agents, id)
	r.mu.Unlock()

	r.logger.Info("agent unregistered", zap.String("agent", id))
	if err != nil {
		return fmt.Errorf("announce unregistration of %s: %w", id, err)
	}
	return nil
}

// Get returns a copy of a known agent.
func (r *Registry) Get(id string) (AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.agents[id]
	if !ok {
		return AgentInfo{}, false
	}
	return *info, true
}

// List returns a copy of every known agent, stale ones included.
func (r *Registry) List() []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentInfo, 0, len(r.agents))
	for _, info := range r.agents {
		out = append(out, *info)
	}
	return out
}

// SetStatus updates a known agent's status.
func (r *Registry) SetStatus(id string, status AgentStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.agents[id]
	if !ok {
		return false
	}
	info.Status = status
	return true
}

// Heartbeat records a sign of life from an agent, optionally updating its
// status and custom metrics.
func (r *Registry) Heartbeat(id string, status AgentStatus, metrics map[string]float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.agents[id]
	if !ok {
		return false
	}
	info.LastSeen = time.Now().UTC()
	if status != "" {
		info.Status = status
	}
	if len(metrics) > 0 {
		if info.Metrics == nil {
			info.Metrics = make(map[string]float64, len(metrics))
		}
		for k, v := range metrics {
			info.Metrics[k] = v
		}
	}
	return true
}

// CountMessage increments an agent's delivered-message counter.
func (r *Registry) CountMessage(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.agents[id]; ok {
		info.MessageCount++
	}
}

// handleDiscovery applies one discovery event to the local directory.
// A local registration always wins over a remote announcement.
func (r *Registry) handleDiscovery(payload []byte) error {
	var ev discoveryEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("decode discovery event: %w", err)
	}

	switch ev.EventType {
	case eventAgentRegistered:
		if ev.AgentInfo == nil || ev.AgentInfo.ID == "" {
			r.logger.Warn("discovery registration without agent info")
			return nil
		}
		r.mu.Lock()
		_, known := r.agents[ev.AgentInfo.ID]
		if !known {
			remote := *ev.AgentInfo
			remote.LastSeen = time.Now().UTC()
			r.agents[remote.ID] = &remote
		}
		r.mu.Unlock()
		if !known {
			r.logger.Info("discovered remote agent",
				zap.String("agent", ev.AgentInfo.ID),
				zap.String("transport", string(ev.AgentInfo.Transport)))
		}
	case eventAgentUnregistered:
		id := ev.AgentID
		if id == "" && ev.AgentInfo != nil {
			id = ev.AgentInfo.ID
		}
		r.mu.Lock()
		_, known := r.agents[id]
		delete(r.agents, id)
		r.mu.Unlock()
		if known {
			r.logger.Info("remote agent departed", zap.String("agent", id))
		}
	default:
		r.logger.Warn("unknown discovery event", zap.String("event", ev.EventType))
	}
	return nil
}

// Sweep marks every agent (except self) unseen for longer than the liveness
// timeout as OFFLINE. Entries are kept, not deleted, so stale agents remain
// visible and a late heartbeat can revive them. Returns how many flipped.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	flipped := 0
	for id, info := range r.agents {
		if id == r.selfID || info.Status == StatusOffline {
			continue
		}
		if now.Sub(info.LastSeen) > r.livenessTimeout {
			info.Status = StatusOffline
			flipped++
			r.logger.Warn("agent missed liveness window, marked offline",
				zap.String("agent", id),
				zap.Time("last_seen", info.LastSeen))
		}
	}
	return flipped
}

// RunSweeper runs the periodic liveness sweep until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// RunHeartbeat periodically publishes this node's own heartbeat to the
// health stream until ctx is cancelled.
func (r *Registry) RunHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := r.bus.Publish(ctx, StreamHealth, heartbeat{
				AgentID:   r.selfID,
				Status:    StatusOnline,
				Timestamp: time.Now().UTC(),
			})
			if err != nil {
				r.logger.Warn("heartbeat publish failed", zap.Error(err))
			}
		}
	}
}

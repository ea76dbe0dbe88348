// Package mesh is the unified communication layer: a local agent directory
// propagated over a discovery stream, plus envelope routing between agents
// across transport classes.
package mesh

import (
	"time"

	"github.com/google/uuid"
)

// AgentStatus is an agent's operational state.
type AgentStatus string

const (
	StatusStarting AgentStatus = "STARTING"
	StatusOnline   AgentStatus = "ONLINE"
	StatusBusy     AgentStatus = "BUSY"
	StatusError    AgentStatus = "ERROR"
	StatusStopping AgentStatus = "STOPPING"
	StatusOffline  AgentStatus = "OFFLINE"
)

// TransportClass identifies which runtime family an agent speaks natively.
// Agents of a foreign class are reached through that class's bridge stream.
type TransportClass string

const (
	TransportGo     TransportClass = "go"
	TransportPython TransportClass = "python"
	TransportNode   TransportClass = "node"
)

// BridgeStream returns the bridge stream name for a transport class.
func BridgeStream(tc TransportClass) string {
	return string(tc) + "_bridge"
}

// AgentInfo describes one known agent. The registry holds this process's
// view; it is an eventually consistent cache, not a global directory.
type AgentInfo struct {
	ID           string             `json:"agentId"`
	Type         string             `json:"agentType"`
	Capabilities []string           `json:"capabilities"`
	Transport    TransportClass     `json:"transportClass"`
	Language     string             `json:"language,omitempty"`
	Endpoint     string             `json:"endpoint,omitempty"`
	Status       AgentStatus        `json:"status"`
	LastSeen     time.Time          `json:"lastSeen"`
	MessageCount int64              `json:"messageCount"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
}

// HasCapabilities reports whether the agent's capability set is a superset
// of required.
func (a *AgentInfo) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// MessageType identifies the kind of envelope in flight.
type MessageType string

const (
	MsgAgentRequest       MessageType = "AGENT_REQUEST"
	MsgAgentResponse      MessageType = "AGENT_RESPONSE"
	MsgTaskAssignment     MessageType = "TASK_ASSIGNMENT"
	MsgTaskCompletion     MessageType = "TASK_COMPLETION"
	MsgBroadcast          MessageType = "BROADCAST"
	MsgSystemNotification MessageType = "SYSTEM_NOTIFICATION"
	MsgHealthCheck        MessageType = "HEALTH_CHECK"
)

// Envelope is one message between agents. An empty TargetAgent means
// broadcast.
type Envelope struct {
	MessageID     string         `json:"messageId"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Type          MessageType    `json:"messageType"`
	SourceAgent   string         `json:"sourceAgent"`
	TargetAgent   string         `json:"targetAgent,omitempty"`
	Payload       map[string]any `json:"payload"`
	Priority      int            `json:"priority"`
	Timestamp     time.Time      `json:"timestampIso"`
}

// NewEnvelope builds an envelope with a fresh message id and normal priority.
func NewEnvelope(t MessageType, source string) *Envelope {
	return &Envelope{
		MessageID:   uuid.New().String(),
		Type:        t,
		SourceAgent: source,
		Payload:     map[string]any{},
		Priority:    3,
		Timestamp:   time.Now().UTC(),
	}
}

// Discovery event types on the agent_discovery stream.
const (
	eventAgentRegistered   = "agent_registered"
	eventAgentUnregistered = "agent_unregistered"
)

// discoveryEvent is the wire payload on the discovery stream.
type discoveryEvent struct {
	EventType string     `json:"eventType"`
	AgentInfo *AgentInfo `json:"agentInfo,omitempty"`
	AgentID   string     `json:"agentId,omitempty"`
	Timestamp time.Time  `json:"timestampIso"`
}

// heartbeat is the wire payload on the health stream.
type heartbeat struct {
	AgentID   string             `json:"agentId"`
	Status    AgentStatus        `json:"status,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Timestamp time.Time          `json:"timestampIso"`
}

// bridgeFrame wraps an envelope crossing to a foreign transport class.
type bridgeFrame struct {
	TargetTransport TransportClass `json:"targetTransport"`
	TargetAgent     string         `json:"targetAgent"`
	Envelope        *Envelope      `json:"envelope"`
	Timestamp       time.Time      `json:"timestampIso"`
}

// Package taskrouter routes units of work to the least-loaded eligible
// agent and correlates completion replies back to task results.
package taskrouter

import (
	"fmt"
	"time"
)

// Priority orders tasks in the dispatch queue. Lower values are served
// first.
type Priority int

const (
	PriorityCritical   Priority = 1
	PriorityHigh       Priority = 2
	PriorityNormal     Priority = 3
	PriorityLow        Priority = 4
	PriorityBackground Priority = 5
)

// ParsePriority maps a priority name to its value.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "background":
		return PriorityBackground, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Task is one unit of routable work. The id is assumed unique by the
// caller; resubmitting an id overwrites its earlier result.
type Task struct {
	ID                   string         `json:"id"`
	Type                 string         `json:"type"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	Priority             Priority       `json:"priority"`
	PinnedAgent          string         `json:"pinned_agent,omitempty"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
	Timeout              time.Duration  `json:"timeout"`
	CorrelationID        string         `json:"correlation_id,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
}

// TaskResult is the outcome of one task: completed by an agent, or failed
// at routing or send time.
type TaskResult struct {
	TaskID        string         `json:"task_id"`
	Success       bool           `json:"success"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	AgentID       string         `json:"agent_id,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time"`
	CompletedAt   time.Time      `json:"completed_at"`
}

// AgentLoad holds rolling performance stats for one agent. Created lazily
// on first assignment; an agent absent from the load map has no history.
type AgentLoad struct {
	ActiveTasks    int           `json:"active_tasks"`
	TotalCompleted int           `json:"total_completed"`
	ErrorCount     int           `json:"error_count"`
	TotalExecution time.Duration `json:"total_execution"`
}

// SuccessRate is the fraction of completed tasks that succeeded. An agent
// with no completions yet is treated as fully successful.
func (l *AgentLoad) SuccessRate() float64 {
	if l.TotalCompleted == 0 {
		return 1.0
	}
	return float64(l.TotalCompleted-l.ErrorCount) / float64(l.TotalCompleted)
}

// AverageExecution is the mean execution time across completions.
func (l *AgentLoad) AverageExecution() time.Duration {
	if l.TotalCompleted == 0 {
		return 0
	}
	return l.TotalExecution / time.Duration(l.TotalCompleted)
}

// Score is the load score used for agent selection: active work, weighted
// error rate, and average execution seconds. Lower is better; a nil load
// (no history) scores 0 so cold agents are preferred.
func (l *AgentLoad) Score() float64 {
	if l == nil {
		return 0
	}
	return float64(l.ActiveTasks) +
		10*(1-l.SuccessRate()) +
		l.AverageExecution().Seconds()
}

package taskrouter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/crosswire/internal/mesh"
)

// ErrResultNotAvailable means no result has been recorded for a task id
// yet. The task may still complete later.
var ErrResultNotAvailable = errors.New("task result not available")

// Task lifecycle streams consumed by the external orchestrator.
const (
	StreamTaskEvents    = "task_events"
	StreamControlEvents = "vmc_control_events"
)

// Directory is the slice of the mesh registry the router needs: an
// enumerable view of known agents.
type Directory interface {
	List() []mesh.AgentInfo
}

// Sender delivers envelopes to agents.
type Sender interface {
	SendMessage(ctx context.Context, env *mesh.Envelope) error
}

// EventPublisher publishes task lifecycle records for external observers.
type EventPublisher interface {
	Publish(ctx context.Context, streamName string, payload any) (string, error)
}

// ResultSink persists final task results.
type ResultSink interface {
	SaveResult(ctx context.Context, res *TaskResult) error
}

type dispatched struct {
	agentID string
	at      time.Time
}

// Router accepts task submissions into a priority queue, assigns each to
// the least-loaded eligible agent, and correlates completion envelopes
// back to results. A task with no eligible agent or a failed send fails
// immediately; there are no retries at this layer.
type Router struct {
	selfID string
	dir    Directory
	sender Sender
	queue  *Queue

	poll       time.Duration
	resultPoll time.Duration

	mu      sync.Mutex
	results map[string]*TaskResult
	pending map[string]dispatched
	loads   map[string]*AgentLoad

	events EventPublisher
	sink   ResultSink
	logger *zap.Logger
}

// Option adjusts router behavior.
type Option func(*Router)

// WithPollInterval sets the dispatch loop's idle poll timeout.
func WithPollInterval(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.poll = d
		}
	}
}

// WithResultPollInterval sets how often GetTaskResult re-checks.
func WithResultPollInterval(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.resultPoll = d
		}
	}
}

// WithEventPublisher mirrors task lifecycle transitions to the task events
// stream.
func WithEventPublisher(p EventPublisher) Option {
	return func(r *Router) { r.events = p }
}

// WithResultSink persists every final result to sink.
func WithResultSink(s ResultSink) Option {
	return func(r *Router) { r.sink = s }
}

// New creates a task router. selfID is this node's own agent id; it is
// never selected as a task target.
func New(selfID string, dir Directory, sender Sender, logger *zap.Logger, opts ...Option) *Router {
	r := &Router{
		selfID:     selfID,
		dir:        dir,
		sender:     sender,
		queue:      NewQueue(),
		poll:       250 * time.Millisecond,
		resultPoll: 100 * time.Millisecond,
		results:    make(map[string]*TaskResult),
		pending:    make(map[string]dispatched),
		loads:      make(map[string]*AgentLoad),
		logger:     logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Submit queues a task for dispatch and returns its id, generating one if
// the caller did not supply it.
func (r *Router) Submit(t *Task) (string, error) {
	if t == nil || t.Type == "" {
		return "", fmt.Errorf("submit task: empty type")
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Priority == 0 {
		t.Priority = PriorityNormal
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	r.queue.Push(t)
	r.logger.Info("task queued",
		zap.String("task", t.ID),
		zap.String("type", t.Type),
		zap.String("priority", t.Priority.String()))
	return t.ID, nil
}

// QueueLen returns how many tasks await dispatch.
func (r *Router) QueueLen() int { return r.queue.Len() }

// Run is the dispatch loop. It pops the highest-priority task and routes
// it, using a short poll timeout so cancellation stays responsive.
func (r *Router) Run(ctx context.Context) {
	for {
		t := r.queue.Pop()
		if t == nil {
			select {
			case <-ctx.Done():
				return
			case <-r.queue.Wake():
			case <-time.After(r.poll):
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		r.dispatch(ctx, t)
	}
}

func (r *Router) dispatch(ctx context.Context, t *Task) {
	candidates := r.eligible(t)
	if len(candidates) == 0 {
		r.logger.Warn("no eligible agents for task",
			zap.String("task", t.ID), zap.String("type", t.Type))
		r.recordFailure(ctx, t.ID, "", "no eligible agents available")
		return
	}

	winner := r.selectAgent(candidates)

	// Optimistic reservation: count the task against the winner before the
	// assignment is even sent.
	r.mu.Lock()
	load := r.ensureLoadLocked(winner.ID)
	load.ActiveTasks++
	r.mu.Unlock()

	env := mesh.NewEnvelope(mesh.MsgTaskAssignment, r.selfID)
	env.TargetAgent = winner.ID
	env.CorrelationID = t.CorrelationID
	env.Priority = int(t.Priority)
	env.Payload = map[string]any{
		"taskId":         t.ID,
		"taskType":       t.Type,
		"parameters":     t.Parameters,
		"timeoutSeconds": t.Timeout.Seconds(),
		"correlationId":  t.CorrelationID,
	}

	if err := r.sender.SendMessage(ctx, env); err != nil {
		r.logger.Error("task assignment send failed",
			zap.String("task", t.ID),
			zap.String("agent", winner.ID),
			zap.Error(err))
		r.mu.Lock()
		load.ActiveTasks--
		load.TotalCompleted++
		load.ErrorCount++
		r.mu.Unlock()
		r.recordFailure(ctx, t.ID, winner.ID, fmt.Sprintf("assignment send failed: %v", err))
		return
	}

	r.mu.Lock()
	r.pending[t.ID] = dispatched{agentID: winner.ID, at: time.Now().UTC()}
	r.mu.Unlock()

	r.logger.Info("task dispatched",
		zap.String("task", t.ID),
		zap.String("agent", winner.ID))
	r.publishEvent(ctx, "task_dispatched", t.ID, winner.ID, "")
}

// eligible filters known agents: never self, ONLINE only, and either the
// pinned agent or a capability superset of the task's requirements.
func (r *Router) eligible(t *Task) []mesh.AgentInfo {
	var out []mesh.AgentInfo
	for _, info := range r.dir.List() {
		if info.ID == r.selfID || info.Status != mesh.StatusOnline {
			continue
		}
		if t.PinnedAgent != "" {
			if info.ID == t.PinnedAgent {
				out = append(out, info)
			}
			continue
		}
		if info.HasCapabilities(t.RequiredCapabilities) {
			out = append(out, info)
		}
	}
	return out
}

// selectAgent picks the lowest load score; ties keep the earlier
// candidate. With a single candidate no scores are computed.
func (r *Router) selectAgent(candidates []mesh.AgentInfo) mesh.AgentInfo {
	if len(candidates) == 1 {
		return candidates[0]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	best := 0
	bestScore := r.loads[candidates[0].ID].Score()
	for i := 1; i < len(candidates); i++ {
		if score := r.loads[candidates[i].ID].Score(); score < bestScore {
			best, bestScore = i, score
		}
	}
	return candidates[best]
}

// HandleCompletion consumes a TASK_COMPLETION envelope: records the result
// and folds the outcome into the reporting agent's rolling stats. A
// completion for a task with no pending entry (a redelivered duplicate, or
// one dispatched by a previous process) records the result at most once
// and leaves the stats alone.
func (r *Router) HandleCompletion(ctx context.Context, env *mesh.Envelope) {
	taskID, _ := env.Payload["taskId"].(string)
	if taskID == "" {
		r.logger.Warn("completion without task id",
			zap.String("message", env.MessageID))
		return
	}
	success, _ := env.Payload["success"].(bool)
	errMsg, _ := env.Payload["error"].(string)
	execTime := time.Duration(asFloat(env.Payload["executionTimeMs"])) * time.Millisecond

	var resultPayload map[string]any
	switch v := env.Payload["result"].(type) {
	case nil:
	case map[string]any:
		resultPayload = v
	default:
		resultPayload = map[string]any{"value": v}
	}

	r.mu.Lock()
	entry, wasPending := r.pending[taskID]
	delete(r.pending, taskID)

	agentID := entry.agentID
	if agentID == "" {
		agentID = env.SourceAgent
	}

	if !wasPending {
		if _, seen := r.results[taskID]; seen {
			r.mu.Unlock()
			r.logger.Debug("duplicate completion ignored",
				zap.String("task", taskID))
			return
		}
	} else {
		load := r.ensureLoadLocked(agentID)
		if load.ActiveTasks > 0 {
			load.ActiveTasks--
		}
		load.TotalCompleted++
		load.TotalExecution += execTime
		if !success {
			load.ErrorCount++
		}
	}

	res := &TaskResult{
		TaskID:        taskID,
		Success:       success,
		Result:        resultPayload,
		Error:         errMsg,
		AgentID:       agentID,
		ExecutionTime: execTime,
		CompletedAt:   time.Now().UTC(),
	}
	r.results[taskID] = res
	r.mu.Unlock()

	r.logger.Info("task completed",
		zap.String("task", taskID),
		zap.String("agent", agentID),
		zap.Bool("success", success),
		zap.Duration("execution", execTime))

	event := "task_completed"
	if !success {
		event = "task_failed"
	}
	r.publishEvent(ctx, event, taskID, agentID, errMsg)
	r.persist(ctx, res)
}

// GetTaskResult polls for a task's result until it appears or the timeout
// elapses. A timeout is not a verdict: the task may still complete later.
func (r *Router) GetTaskResult(ctx context.Context, taskID string, timeout time.Duration) (*TaskResult, error) {
	deadline := time.Now().Add(timeout)
	for {
		r.mu.Lock()
		res, ok := r.results[taskID]
		r.mu.Unlock()
		if ok {
			copied := *res
			return &copied, nil
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return nil, fmt.Errorf("task %s: %w", taskID, ErrResultNotAvailable)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.resultPoll):
		}
	}
}

// LoadFor returns a copy of an agent's rolling stats.
func (r *Router) LoadFor(agentID string) (AgentLoad, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	load, ok := r.loads[agentID]
	if !ok {
		return AgentLoad{}, false
	}
	return *load, true
}

// Loads returns a copy of all rolling stats, keyed by agent id.
func (r *Router) Loads() map[string]AgentLoad {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]AgentLoad, len(r.loads))
	for id, l := range r.loads {
		out[id] = *l
	}
	return out
}

func (r *Router) ensureLoadLocked(agentID string) *AgentLoad {
	load, ok := r.loads[agentID]
	if !ok {
		load = &AgentLoad{}
		r.loads[agentID] = load
	}
	return load
}

func (r *Router) recordFailure(ctx context.Context, taskID, agentID, errMsg string) {
	res := &TaskResult{
		TaskID:      taskID,
		Success:     false,
		Error:       errMsg,
		AgentID:     agentID,
		CompletedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.results[taskID] = res
	r.mu.Unlock()

	r.publishEvent(ctx, "task_failed", taskID, agentID, errMsg)
	r.persist(ctx, res)
}

func (r *Router) publishEvent(ctx context.Context, eventType, taskID, agentID, errMsg string) {
	if r.events == nil {
		return
	}
	payload := map[string]any{
		"eventType":    eventType,
		"taskId":       taskID,
		"timestampIso": time.Now().UTC(),
	}
	if agentID != "" {
		payload["agentId"] = agentID
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	if _, err := r.events.Publish(ctx, StreamTaskEvents, payload); err != nil {
		r.logger.Warn("task event publish failed",
			zap.String("task", taskID), zap.Error(err))
	}
}

func (r *Router) persist(ctx context.Context, res *TaskResult) {
	if r.sink == nil {
		return
	}
	if err := r.sink.SaveResult(ctx, res); err != nil {
		r.logger.Warn("result archive failed",
			zap.String("task", res.TaskID), zap.Error(err))
	}
}

// asFloat tolerates the numeric types JSON decoding and local construction
// produce.
func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

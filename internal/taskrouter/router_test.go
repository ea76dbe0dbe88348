package taskrouter

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/crosswire/internal/mesh"
)

type fakeDir struct {
	agents []mesh.AgentInfo
}

func (d *fakeDir) List() []mesh.AgentInfo { return d.agents }

type fakeSender struct {
	mu   sync.Mutex
	sent []*mesh.Envelope
	fail bool
}

func (s *fakeSender) SendMessage(ctx context.Context, env *mesh.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("transport down")
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeSender) lastSent() *mesh.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return nil
	}
	return s.sent[len(s.sent)-1]
}

func online(id string, caps ...string) mesh.AgentInfo {
	return mesh.AgentInfo{ID: id, Status: mesh.StatusOnline, Capabilities: caps}
}

func newTestRouter(dir *fakeDir, sender *fakeSender) *Router {
	return New("self", dir, sender, zap.NewNop(),
		WithPollInterval(10*time.Millisecond),
		WithResultPollInterval(5*time.Millisecond))
}

func TestDispatchFiltersByCapability(t *testing.T) {
	dir := &fakeDir{agents: []mesh.AgentInfo{
		online("lacks", "other"),
		online("has", "x"),
	}}
	sender := &fakeSender{}
	r := newTestRouter(dir, sender)

	r.dispatch(context.Background(), &Task{ID: "t1", Type: "work", RequiredCapabilities: []string{"x"}})

	env := sender.lastSent()
	if env == nil {
		t.Fatal("nothing sent")
	}
	if env.TargetAgent != "has" {
		t.Errorf("assigned to %s, want has", env.TargetAgent)
	}
}

func TestDispatchExcludesSelfAndOffline(t *testing.T) {
	offline := mesh.AgentInfo{ID: "gone", Status: mesh.StatusOffline, Capabilities: []string{"x"}}
	dir := &fakeDir{agents: []mesh.AgentInfo{
		online("self", "x"),
		offline,
	}}
	sender := &fakeSender{}
	r := newTestRouter(dir, sender)

	r.dispatch(context.Background(), &Task{ID: "t1", Type: "work", RequiredCapabilities: []string{"x"}})

	if sender.sentCount() != 0 {
		t.Fatal("task assigned despite no eligible agents")
	}
	res, err := r.GetTaskResult(context.Background(), "t1", 0)
	if err != nil {
		t.Fatalf("routing failure result missing: %v", err)
	}
	if res.Success {
		t.Error("result marked successful")
	}
}

func TestDispatchPinnedAgent(t *testing.T) {
	dir := &fakeDir{agents: []mesh.AgentInfo{
		online("a", "x"),
		online("b", "x"),
	}}
	sender := &fakeSender{}
	r := newTestRouter(dir, sender)

	r.dispatch(context.Background(), &Task{ID: "t1", Type: "work", PinnedAgent: "b"})
	if env := sender.lastSent(); env == nil || env.TargetAgent != "b" {
		t.Fatalf("pinned task not assigned to b: %+v", env)
	}

	// A pinned agent that is offline means no eligible agents.
	dir.agents = []mesh.AgentInfo{online("a", "x")}
	r.dispatch(context.Background(), &Task{ID: "t2", Type: "work", PinnedAgent: "b"})
	res, err := r.GetTaskResult(context.Background(), "t2", 0)
	if err != nil || res.Success {
		t.Fatalf("pinned-unavailable task should fail immediately: res=%+v err=%v", res, err)
	}
}

func TestNoEligibleAgentsFailsWithoutWaiting(t *testing.T) {
	r := newTestRouter(&fakeDir{}, &fakeSender{})

	start := time.Now()
	r.dispatch(context.Background(), &Task{ID: "t1", Type: "work"})
	res, err := r.GetTaskResult(context.Background(), "t1", 0)
	if err != nil {
		t.Fatalf("result not immediately available: %v", err)
	}
	if res.Success {
		t.Error("expected failure result")
	}
	if res.Error != "no eligible agents available" {
		t.Errorf("error = %q", res.Error)
	}
	if time.Since(start) > time.Second {
		t.Error("failure result required waiting")
	}
}

func TestScoreWeightsErrorRate(t *testing.T) {
	// Identical except success rate: B's score exceeds A's by exactly
	// 10 * (1 - 0.5) = 5.
	a := &AgentLoad{TotalCompleted: 10, ErrorCount: 0, TotalExecution: time.Second}
	b := &AgentLoad{TotalCompleted: 10, ErrorCount: 5, TotalExecution: time.Second}

	diff := b.Score() - a.Score()
	if math.Abs(diff-5.0) > 1e-9 {
		t.Errorf("score diff = %v, want exactly 5", diff)
	}
}

func TestScoreMonotonicInActiveTasks(t *testing.T) {
	low := &AgentLoad{ActiveTasks: 1, TotalCompleted: 5}
	high := &AgentLoad{ActiveTasks: 4, TotalCompleted: 5}
	if high.Score() <= low.Score() {
		t.Errorf("score not increasing in active tasks: %v <= %v", high.Score(), low.Score())
	}
}

func TestSelectionPrefersLowerScore(t *testing.T) {
	dir := &fakeDir{agents: []mesh.AgentInfo{
		online("flaky", "x"),
		online("solid", "x"),
	}}
	sender := &fakeSender{}
	r := newTestRouter(dir, sender)

	r.mu.Lock()
	r.loads["flaky"] = &AgentLoad{TotalCompleted: 10, ErrorCount: 5, TotalExecution: time.Second}
	r.loads["solid"] = &AgentLoad{TotalCompleted: 10, ErrorCount: 0, TotalExecution: time.Second}
	r.mu.Unlock()

	r.dispatch(context.Background(), &Task{ID: "t1", Type: "work", RequiredCapabilities: []string{"x"}})
	if env := sender.lastSent(); env == nil || env.TargetAgent != "solid" {
		t.Fatalf("assigned to %+v, want solid", env)
	}
}

func TestColdAgentPreferred(t *testing.T) {
	dir := &fakeDir{agents: []mesh.AgentInfo{
		online("warm", "x"),
		online("cold", "x"),
	}}
	sender := &fakeSender{}
	r := newTestRouter(dir, sender)

	r.mu.Lock()
	r.loads["warm"] = &AgentLoad{ActiveTasks: 1, TotalCompleted: 100}
	r.mu.Unlock()

	r.dispatch(context.Background(), &Task{ID: "t1", Type: "work", RequiredCapabilities: []string{"x"}})
	if env := sender.lastSent(); env == nil || env.TargetAgent != "cold" {
		t.Fatalf("assigned to %+v, want cold (no history scores 0)", env)
	}
}

func TestDispatchReservesActiveTask(t *testing.T) {
	dir := &fakeDir{agents: []mesh.AgentInfo{online("a", "x")}}
	sender := &fakeSender{}
	r := newTestRouter(dir, sender)

	r.dispatch(context.Background(), &Task{ID: "t1", Type: "work"})

	load, ok := r.LoadFor("a")
	if !ok || load.ActiveTasks != 1 {
		t.Fatalf("load = %+v, want ActiveTasks 1", load)
	}
}

func TestSendFailureRollsBackReservation(t *testing.T) {
	dir := &fakeDir{agents: []mesh.AgentInfo{online("a", "x")}}
	sender := &fakeSender{fail: true}
	r := newTestRouter(dir, sender)

	r.dispatch(context.Background(), &Task{ID: "t1", Type: "work"})

	res, err := r.GetTaskResult(context.Background(), "t1", 0)
	if err != nil || res.Success {
		t.Fatalf("send failure should record immediate failed result: %+v %v", res, err)
	}
	load, _ := r.LoadFor("a")
	if load.ActiveTasks != 0 {
		t.Errorf("active tasks = %d, want 0 after rollback", load.ActiveTasks)
	}
	if load.ErrorCount != 1 || load.TotalCompleted != 1 {
		t.Errorf("load = %+v, want one failed completion", load)
	}
}

func TestCompletionRoundTrip(t *testing.T) {
	dir := &fakeDir{agents: []mesh.AgentInfo{online("A", "x")}}
	sender := &fakeSender{}
	r := newTestRouter(dir, sender)

	r.dispatch(context.Background(), &Task{
		ID:                   "t1",
		Type:                 "work",
		Priority:             PriorityHigh,
		RequiredCapabilities: []string{"x"},
	})

	env := sender.lastSent()
	if env == nil || env.TargetAgent != "A" {
		t.Fatalf("assignment = %+v, want target A", env)
	}
	if env.Type != mesh.MsgTaskAssignment {
		t.Errorf("type = %s", env.Type)
	}
	if env.Payload["taskId"] != "t1" || env.Payload["taskType"] != "work" {
		t.Errorf("assignment payload = %v", env.Payload)
	}

	completion := mesh.NewEnvelope(mesh.MsgTaskCompletion, "A")
	completion.Payload = map[string]any{
		"taskId":          "t1",
		"success":         true,
		"result":          map[string]any{"echo": "hi"},
		"executionTimeMs": float64(50),
	}
	r.HandleCompletion(context.Background(), completion)

	res, err := r.GetTaskResult(context.Background(), "t1", time.Second)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if !res.Success || res.AgentID != "A" {
		t.Errorf("result = %+v", res)
	}
	if res.ExecutionTime != 50*time.Millisecond {
		t.Errorf("execution time = %v, want 50ms", res.ExecutionTime)
	}
	if res.Result["echo"] != "hi" {
		t.Errorf("result payload = %v", res.Result)
	}

	load, _ := r.LoadFor("A")
	if load.ActiveTasks != 0 || load.TotalCompleted != 1 || load.ErrorCount != 0 {
		t.Errorf("load = %+v, want completed=1 active=0", load)
	}
	if load.TotalExecution != 50*time.Millisecond {
		t.Errorf("total execution = %v", load.TotalExecution)
	}
}

func TestFailedCompletionCountsError(t *testing.T) {
	dir := &fakeDir{agents: []mesh.AgentInfo{online("A", "x")}}
	sender := &fakeSender{}
	r := newTestRouter(dir, sender)

	r.dispatch(context.Background(), &Task{ID: "t1", Type: "work"})

	completion := mesh.NewEnvelope(mesh.MsgTaskCompletion, "A")
	completion.Payload = map[string]any{
		"taskId":          "t1",
		"success":         false,
		"error":           "boom",
		"executionTimeMs": float64(10),
	}
	r.HandleCompletion(context.Background(), completion)

	res, _ := r.GetTaskResult(context.Background(), "t1", 0)
	if res.Success || res.Error != "boom" {
		t.Errorf("result = %+v", res)
	}
	load, _ := r.LoadFor("A")
	if load.ErrorCount != 1 {
		t.Errorf("error count = %d, want 1", load.ErrorCount)
	}
}

func TestDuplicateCompletionDoesNotDoubleCount(t *testing.T) {
	dir := &fakeDir{agents: []mesh.AgentInfo{online("A", "x")}}
	sender := &fakeSender{}
	r := newTestRouter(dir, sender)

	r.dispatch(context.Background(), &Task{ID: "t1", Type: "work"})

	completion := mesh.NewEnvelope(mesh.MsgTaskCompletion, "A")
	completion.Payload = map[string]any{
		"taskId": "t1", "success": true, "executionTimeMs": float64(20),
	}
	r.HandleCompletion(context.Background(), completion)
	r.HandleCompletion(context.Background(), completion)

	load, _ := r.LoadFor("A")
	if load.TotalCompleted != 1 {
		t.Errorf("total completed = %d, duplicate delivery double-counted", load.TotalCompleted)
	}
}

func TestGetTaskResultTimesOut(t *testing.T) {
	r := newTestRouter(&fakeDir{}, &fakeSender{})

	_, err := r.GetTaskResult(context.Background(), "ghost", 30*time.Millisecond)
	if !errors.Is(err, ErrResultNotAvailable) {
		t.Fatalf("err = %v, want ErrResultNotAvailable", err)
	}
}

func TestSubmitDefaults(t *testing.T) {
	r := newTestRouter(&fakeDir{}, &fakeSender{})

	id, err := r.Submit(&Task{Type: "work"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id == "" {
		t.Error("no id generated")
	}
	if r.QueueLen() != 1 {
		t.Errorf("queue len = %d, want 1", r.QueueLen())
	}

	if _, err := r.Submit(&Task{}); err == nil {
		t.Error("submit without type should fail")
	}
}

func TestRunDispatchesSubmittedTasks(t *testing.T) {
	dir := &fakeDir{agents: []mesh.AgentInfo{online("a", "x")}}
	sender := &fakeSender{}
	r := newTestRouter(dir, sender)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	if _, err := r.Submit(&Task{ID: "t1", Type: "work"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sender.sentCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("dispatch loop never sent the assignment")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if env := sender.lastSent(); env.TargetAgent != "a" {
		t.Errorf("assigned to %s", env.TargetAgent)
	}
}

func TestParsePriority(t *testing.T) {
	if p, err := ParsePriority(""); err != nil || p != PriorityNormal {
		t.Errorf("empty priority = %v, %v", p, err)
	}
	if p, err := ParsePriority("critical"); err != nil || p != PriorityCritical {
		t.Errorf("critical = %v, %v", p, err)
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Error("unknown priority should fail")
	}
}

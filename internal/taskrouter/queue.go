package taskrouter

import (
	"container/heap"
	"sync"
)

// queuedTask pairs a task with a monotonic sequence number so that equal
// priorities dequeue in submission order.
type queuedTask struct {
	task *Task
	seq  uint64
}

type taskHeap []queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(queuedTask)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Queue is a mutex-guarded priority queue of tasks. Wake signals the
// dispatch loop that something was pushed.
type Queue struct {
	mu   sync.Mutex
	h    taskHeap
	seq  uint64
	wake chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Push enqueues a task.
func (q *Queue) Push(t *Task) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.h, queuedTask{task: t, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pop removes and returns the highest-priority task, or nil when empty.
func (q *Queue) Pop() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(queuedTask).task
}

// Len returns how many tasks are queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Wake returns the channel signalled on pushes.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

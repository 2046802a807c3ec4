package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue used by tests and single-node setups.
// Visibility timeouts are honored the same way as the Redis implementation.
type MemoryQueue struct {
	mu                sync.Mutex
	visibilityTimeout time.Duration
	pending           map[string][]memoryTask
	inflight          map[string]map[string]memoryTask
}

type memoryTask struct {
	task     Task
	readyAt  time.Time
	deadline time.Time
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(visibilityTimeout time.Duration) *MemoryQueue {
	return &MemoryQueue{
		visibilityTimeout: visibilityTimeout,
		pending:           make(map[string][]memoryTask),
		inflight:          make(map[string]map[string]memoryTask),
	}
}

// Enqueue appends a task to the named queue.
func (q *MemoryQueue) Enqueue(_ context.Context, name string, payload []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task := Task{
		ID:         uuid.NewString(),
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}
	q.pending[name] = append(q.pending[name], memoryTask{task: task, readyAt: task.EnqueuedAt})
	return task.ID, nil
}

// Dequeue pops the oldest ready task, moving it inflight.
func (q *MemoryQueue) Dequeue(_ context.Context, name string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()

	// Redeliver expired inflight tasks first.
	for id, mt := range q.inflight[name] {
		if now.After(mt.deadline) {
			delete(q.inflight[name], id)
			mt.readyAt = now
			q.pending[name] = append(q.pending[name], mt)
		}
	}

	for i, mt := range q.pending[name] {
		if mt.readyAt.After(now) {
			continue
		}
		q.pending[name] = append(q.pending[name][:i], q.pending[name][i+1:]...)
		mt.deadline = now.Add(q.visibilityTimeout)
		if q.inflight[name] == nil {
			q.inflight[name] = make(map[string]memoryTask)
		}
		q.inflight[name][mt.task.ID] = mt
		task := mt.task
		return &task, nil
	}
	return nil, nil
}

// Ack removes a completed task.
func (q *MemoryQueue) Ack(_ context.Context, name, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight[name], taskID)
	return nil
}

// Nack returns an inflight task to pending after the given delay.
func (q *MemoryQueue) Nack(_ context.Context, name, taskID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	mt, ok := q.inflight[name][taskID]
	if !ok {
		return nil
	}
	delete(q.inflight[name], taskID)
	mt.readyAt = time.Now().Add(delay)
	q.pending[name] = append(q.pending[name], mt)
	return nil
}

// Len reports how many tasks are pending on the named queue.
func (q *MemoryQueue) Len(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[name])
}

// Close is a no-op for the in-memory queue.
func (q *MemoryQueue) Close() error {
	return nil
}

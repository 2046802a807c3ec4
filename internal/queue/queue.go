// Package queue provides the durable task queue connecting the worker and
// the agents.
//
// Tasks move between a pending set and an inflight set. A dequeued task
// stays invisible until it is acked, nacked, or its visibility timeout
// expires, at which point it is redelivered. This gives at-least-once
// delivery; consumers are expected to be idempotent.
package queue

import (
	"context"
	"time"
)

// Task is one queued unit of work.
type Task struct {
	// ID identifies the task for Ack and Nack.
	ID string `json:"id"`
	// Payload is the JSON-encoded message body.
	Payload []byte `json:"payload"`
	// EnqueuedAt records when the task was first enqueued.
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue is the durable task queue contract.
type Queue interface {
	// Enqueue appends a task to the named queue and returns its ID.
	Enqueue(ctx context.Context, name string, payload []byte) (string, error)

	// Dequeue pops the oldest ready task from the named queue, moving it
	// to the inflight set. It returns nil when no task is ready.
	Dequeue(ctx context.Context, name string) (*Task, error)

	// Ack marks an inflight task as done and removes it.
	Ack(ctx context.Context, name, taskID string) error

	// Nack returns an inflight task to the pending set, delayed by the
	// given duration.
	Nack(ctx context.Context, name, taskID string, delay time.Duration) error

	// Close releases the queue's resources.
	Close() error
}

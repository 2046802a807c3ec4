package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisQueue implements Queue on a Redis server.
//
// Layout per queue name:
//
//	queue:<name>:pending   ZSET of task IDs scored by ready time
//	queue:<name>:inflight  ZSET of task IDs scored by visibility deadline
//	queue:<name>:task:<id> JSON task body
type RedisQueue struct {
	client            *redis.Client
	visibilityTimeout time.Duration
}

// NewRedisQueue connects to Redis at addr. visibilityTimeout is how long a
// dequeued task stays invisible before redelivery.
func NewRedisQueue(addr, password string, visibilityTimeout time.Duration) *RedisQueue {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	return &RedisQueue{
		client:            rdb,
		visibilityTimeout: visibilityTimeout,
	}
}

// Ping checks the Redis connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func pendingKey(name string) string  { return "queue:" + name + ":pending" }
func inflightKey(name string) string { return "queue:" + name + ":inflight" }
func taskKey(name, id string) string { return "queue:" + name + ":task:" + id }

// Enqueue appends a task to the named queue.
func (q *RedisQueue) Enqueue(ctx context.Context, name string, payload []byte) (string, error) {
	task := Task{
		ID:         uuid.NewString(),
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}
	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task: %w", err)
	}

	if err := q.client.Set(ctx, taskKey(name, task.ID), data, 0).Err(); err != nil {
		return "", fmt.Errorf("failed to store task: %w", err)
	}
	err = q.client.ZAdd(ctx, pendingKey(name), &redis.Z{
		Score:  float64(task.EnqueuedAt.Unix()),
		Member: task.ID,
	}).Err()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	return task.ID, nil
}

// Dequeue pops the oldest ready task, moving it inflight.
func (q *RedisQueue) Dequeue(ctx context.Context, name string) (*Task, error) {
	if err := q.requeueExpired(ctx, name); err != nil {
		return nil, err
	}

	now := time.Now()
	ids, err := q.client.ZRangeByScore(ctx, pendingKey(name), &redis.ZRangeBy{
		Min:   "0",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to poll pending tasks: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	id := ids[0]

	// Claim the task. A zero removal count means another consumer won the
	// race; report an empty poll and let the caller try again.
	removed, err := q.client.ZRem(ctx, pendingKey(name), id).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	if removed == 0 {
		return nil, nil
	}

	deadline := now.Add(q.visibilityTimeout)
	err = q.client.ZAdd(ctx, inflightKey(name), &redis.Z{
		Score:  float64(deadline.Unix()),
		Member: id,
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to mark task inflight: %w", err)
	}

	data, err := q.client.Get(ctx, taskKey(name, id)).Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to load task body: %w", err)
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &task, nil
}

// Ack removes a completed task.
func (q *RedisQueue) Ack(ctx context.Context, name, taskID string) error {
	if err := q.client.ZRem(ctx, inflightKey(name), taskID).Err(); err != nil {
		return fmt.Errorf("failed to remove inflight task: %w", err)
	}
	if err := q.client.Del(ctx, taskKey(name, taskID)).Err(); err != nil {
		return fmt.Errorf("failed to delete task body: %w", err)
	}
	return nil
}

// Nack returns an inflight task to pending after the given delay.
func (q *RedisQueue) Nack(ctx context.Context, name, taskID string, delay time.Duration) error {
	if err := q.client.ZRem(ctx, inflightKey(name), taskID).Err(); err != nil {
		return fmt.Errorf("failed to remove inflight task: %w", err)
	}
	err := q.client.ZAdd(ctx, pendingKey(name), &redis.Z{
		Score:  float64(time.Now().Add(delay).Unix()),
		Member: taskID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to requeue task: %w", err)
	}
	return nil
}

// requeueExpired moves inflight tasks whose visibility deadline has passed
// back to pending.
func (q *RedisQueue) requeueExpired(ctx context.Context, name string) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	ids, err := q.client.ZRangeByScore(ctx, inflightKey(name), &redis.ZRangeBy{
		Min: "0",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to list expired tasks: %w", err)
	}

	for _, id := range ids {
		if err := q.client.ZRem(ctx, inflightKey(name), id).Err(); err != nil {
			return fmt.Errorf("failed to remove expired task: %w", err)
		}
		err := q.client.ZAdd(ctx, pendingKey(name), &redis.Z{
			Score:  float64(time.Now().Unix()),
			Member: id,
		}).Err()
		if err != nil {
			return fmt.Errorf("failed to requeue expired task: %w", err)
		}
	}
	return nil
}

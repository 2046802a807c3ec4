package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	measurementKeyPrefix = "measurement_state:"
	agentKeyPrefix       = "agents:"
)

// DefaultPresenceTTL is how long an agent stays listed without a
// heartbeat when no explicit TTL is configured.
const DefaultPresenceTTL = 15 * time.Second

// RedisStore implements Store on a Redis server.
type RedisStore struct {
	client      *redis.Client
	presenceTTL time.Duration
}

// NewRedisStore connects to Redis at addr. presenceTTL bounds how long an
// agent stays listed without a heartbeat.
func NewRedisStore(addr, password string, presenceTTL time.Duration) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	return &RedisStore{
		client:      rdb,
		presenceTTL: presenceTTL,
	}
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// SetMeasurementState writes the liveness key for a measurement.
func (s *RedisStore) SetMeasurementState(ctx context.Context, measurementUUID, state string) error {
	key := measurementKeyPrefix + measurementUUID
	if err := s.client.Set(ctx, key, state, 0).Err(); err != nil {
		return fmt.Errorf("failed to set measurement state: %w", err)
	}
	return nil
}

// GetMeasurementState reads the liveness key.
func (s *RedisStore) GetMeasurementState(ctx context.Context, measurementUUID string) (string, bool, error) {
	key := measurementKeyPrefix + measurementUUID
	state, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get measurement state: %w", err)
	}
	return state, true, nil
}

// DeleteMeasurementState removes the liveness key. Idempotent.
func (s *RedisStore) DeleteMeasurementState(ctx context.Context, measurementUUID string) error {
	key := measurementKeyPrefix + measurementUUID
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete measurement state: %w", err)
	}
	return nil
}

// RegisterAgent publishes the agent descriptor with the presence TTL.
func (s *RedisStore) RegisterAgent(ctx context.Context, agent Agent) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("failed to marshal agent descriptor: %w", err)
	}
	key := agentKeyPrefix + agent.UUID
	if err := s.client.Set(ctx, key, data, s.presenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to register agent: %w", err)
	}
	return nil
}

// RefreshAgent extends the agent's presence TTL.
func (s *RedisStore) RefreshAgent(ctx context.Context, agentUUID string) error {
	key := agentKeyPrefix + agentUUID
	ok, err := s.client.Expire(ctx, key, s.presenceTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to refresh agent presence: %w", err)
	}
	if !ok {
		return fmt.Errorf("agent %s is not registered", agentUUID)
	}
	return nil
}

// GetAgent returns a live agent's descriptor.
func (s *RedisStore) GetAgent(ctx context.Context, agentUUID string) (Agent, bool, error) {
	key := agentKeyPrefix + agentUUID
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return Agent{}, false, nil
	}
	if err != nil {
		return Agent{}, false, fmt.Errorf("failed to get agent: %w", err)
	}

	var agent Agent
	if err := json.Unmarshal(data, &agent); err != nil {
		return Agent{}, false, fmt.Errorf("failed to unmarshal agent descriptor: %w", err)
	}
	return agent, true, nil
}

// ListAgents returns all currently live agents.
func (s *RedisStore) ListAgents(ctx context.Context) ([]Agent, error) {
	keys, err := s.client.Keys(ctx, agentKeyPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list agent keys: %w", err)
	}

	agents := make([]Agent, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			// Key may have expired between KEYS and GET.
			continue
		}
		var agent Agent
		if err := json.Unmarshal(data, &agent); err != nil {
			continue
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

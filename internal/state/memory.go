package state

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store used by tests and single-node setups.
// Agent presence never expires; tests control the registry explicitly.
type MemoryStore struct {
	mu           sync.RWMutex
	measurements map[string]string
	agents       map[string]Agent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		measurements: make(map[string]string),
		agents:       make(map[string]Agent),
	}
}

// SetMeasurementState writes the liveness key for a measurement.
func (s *MemoryStore) SetMeasurementState(_ context.Context, measurementUUID, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.measurements[measurementUUID] = state
	return nil
}

// GetMeasurementState reads the liveness key.
func (s *MemoryStore) GetMeasurementState(_ context.Context, measurementUUID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.measurements[measurementUUID]
	return state, ok, nil
}

// DeleteMeasurementState removes the liveness key. Idempotent.
func (s *MemoryStore) DeleteMeasurementState(_ context.Context, measurementUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.measurements, measurementUUID)
	return nil
}

// RegisterAgent publishes the agent descriptor.
func (s *MemoryStore) RegisterAgent(_ context.Context, agent Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.UUID] = agent
	return nil
}

// RefreshAgent is a no-op for the in-memory store.
func (s *MemoryStore) RefreshAgent(_ context.Context, _ string) error {
	return nil
}

// GetAgent returns a registered agent's descriptor.
func (s *MemoryStore) GetAgent(_ context.Context, agentUUID string) (Agent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[agentUUID]
	return agent, ok, nil
}

// ListAgents returns all registered agents.
func (s *MemoryStore) ListAgents(_ context.Context) ([]Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agents := make([]Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		agents = append(agents, agent)
	}
	return agents, nil
}

// RemoveAgent drops an agent from the registry, simulating presence expiry.
func (s *MemoryStore) RemoveAgent(agentUUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, agentUUID)
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

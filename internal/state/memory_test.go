package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_MeasurementState(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	// Absent key means canceled-or-finished.
	_, ok, err := s.GetMeasurementState(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetMeasurementState(ctx, "m1", StateOngoing))

	got, ok, err := s.GetMeasurementState(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StateOngoing, got)

	require.NoError(t, s.DeleteMeasurementState(ctx, "m1"))
	_, ok, err = s.GetMeasurementState(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting an absent key is idempotent.
	require.NoError(t, s.DeleteMeasurementState(ctx, "m1"))
}

func TestMemoryStore_Agents(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	agent := Agent{
		UUID:           "a1",
		Version:        "1.0.0",
		Hostname:       "probe-01",
		IPAddress:      "192.0.2.10",
		MinTTL:         1,
		MaxProbingRate: 1000,
	}
	require.NoError(t, s.RegisterAgent(ctx, agent))

	got, ok, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, agent, got)

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 1)

	s.RemoveAgent("a1")
	_, ok, err = s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, ok)
}

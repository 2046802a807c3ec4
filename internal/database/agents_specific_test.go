package database

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAgentState_Forward(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	agent := uuid.NewString()
	m, specifics := testMeasurement(agent)
	require.NoError(t, db.RegisterMeasurement(ctx, m, specifics))

	require.NoError(t, db.SetAgentState(ctx, m.UUID, agent, StateOngoing))
	require.NoError(t, db.SetAgentState(ctx, m.UUID, agent, StateFinished))

	s, err := db.GetAgentSpecific(ctx, m.UUID, agent)
	require.NoError(t, err)
	assert.Equal(t, StateFinished, s.State)
	assert.NotNil(t, s.FinishedAt)
}

func TestSetAgentState_NeverRegresses(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	agent := uuid.NewString()
	m, specifics := testMeasurement(agent)
	require.NoError(t, db.RegisterMeasurement(ctx, m, specifics))

	require.NoError(t, db.SetAgentState(ctx, m.UUID, agent, StateFinished))

	err := db.SetAgentState(ctx, m.UUID, agent, StateOngoing)
	require.ErrorIs(t, err, ErrStateRegression)

	// Re-writing the current state is an idempotent no-op.
	require.NoError(t, db.SetAgentState(ctx, m.UUID, agent, StateFinished))
}

func TestSetAgentState_UnknownAgent(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	m, specifics := testMeasurement(uuid.NewString())
	require.NoError(t, db.RegisterMeasurement(ctx, m, specifics))

	err := db.SetAgentState(ctx, m.UUID, uuid.NewString(), StateOngoing)
	require.Error(t, err)
}

func TestMarkAgentFailed(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	failing := uuid.NewString()
	healthy := uuid.NewString()
	m, specifics := testMeasurement(failing, healthy)
	require.NoError(t, db.RegisterMeasurement(ctx, m, specifics))

	require.NoError(t, db.MarkAgentFailed(ctx, m.UUID, failing))

	s, err := db.GetAgentSpecific(ctx, m.UUID, failing)
	require.NoError(t, err)
	assert.True(t, s.Failed)
	assert.Equal(t, StateFinished, s.State)

	// The sibling agent is unaffected.
	sibling, err := db.GetAgentSpecific(ctx, m.UUID, healthy)
	require.NoError(t, err)
	assert.False(t, sibling.Failed)
	assert.Equal(t, StateWaiting, sibling.State)
}

func TestAllAgentsFinished(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	a1, a2 := uuid.NewString(), uuid.NewString()
	m, specifics := testMeasurement(a1, a2)
	require.NoError(t, db.RegisterMeasurement(ctx, m, specifics))

	done, err := db.AllAgentsFinished(ctx, m.UUID)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, db.SetAgentState(ctx, m.UUID, a1, StateFinished))
	done, err = db.AllAgentsFinished(ctx, m.UUID)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, db.SetAgentState(ctx, m.UUID, a2, StateFinished))
	done, err = db.AllAgentsFinished(ctx, m.UUID)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestUpsertAgent(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	record := &AgentRecord{
		UUID:           uuid.NewString(),
		Version:        "1.0.0",
		Hostname:       "probe-01",
		IPAddress:      "192.0.2.10",
		MinTTL:         1,
		MaxProbingRate: 1000,
	}
	require.NoError(t, db.UpsertAgent(ctx, record))

	record.Version = "1.1.0"
	require.NoError(t, db.UpsertAgent(ctx, record))

	got, err := db.GetAgent(ctx, record.UUID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "1.1.0", got.Version)

	agents, err := db.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iris-measurement/iris/internal/config"
	"github.com/iris-measurement/iris/internal/queue"
	"github.com/iris-measurement/iris/internal/round"
	"github.com/iris-measurement/iris/internal/state"
	"github.com/iris-measurement/iris/internal/testutil"
)

// stubRunner completes every round it receives.
type stubRunner struct{}

func (stubRunner) Run(_ context.Context, req round.Request) round.Result {
	return round.Result{
		MeasurementUUID: req.MeasurementUUID,
		AgentUUID:       req.AgentUUID,
		Round:           req.Round,
		Attempt:         req.Attempt,
		Status:          round.StatusCompleted,
		ResultsFile:     "results.csv",
	}
}

func newTestAgent(t *testing.T) (*Agent, *state.MemoryStore, *queue.MemoryQueue) {
	t.Helper()

	cfg := config.DefaultAgentConfig()
	cfg.UUID = "f0b9b7c0-6a0a-4f38-b96e-0d9e01f6a001"
	cfg.ResultsDir = t.TempDir()

	store := state.NewMemoryStore()
	q := queue.NewMemoryQueue(time.Minute)
	return New(cfg, store, q, stubRunner{}, testutil.NewTestLogger(t)), store, q
}

func TestServeOneRoundTrip(t *testing.T) {
	ctx := context.Background()
	a, _, q := newTestAgent(t)

	req := round.Request{
		MeasurementUUID: "9b2c41f3-08a1-4f52-9c9a-3a2f1de0b001",
		AgentUUID:       a.cfg.UUID,
		Round:           1,
	}
	payload, err := round.EncodeRequest(req)
	require.NoError(t, err)

	queueName := round.RequestQueue(a.cfg.UUID)
	_, err = q.Enqueue(ctx, queueName, payload)
	require.NoError(t, err)

	require.NoError(t, a.serveOne(ctx, queueName))

	// The request is acked and its result is on the results queue.
	assert.Zero(t, q.Len(queueName))

	task, err := q.Dequeue(ctx, round.ResultsQueue)
	require.NoError(t, err)
	require.NotNil(t, task)

	res, err := round.DecodeResult(task.Payload)
	require.NoError(t, err)
	assert.Equal(t, req.MeasurementUUID, res.MeasurementUUID)
	assert.Equal(t, round.StatusCompleted, res.Status)
}

func TestServeOneEmptyQueue(t *testing.T) {
	ctx := context.Background()
	a, _, q := newTestAgent(t)

	require.NoError(t, a.serveOne(ctx, round.RequestQueue(a.cfg.UUID)))

	task, err := q.Dequeue(ctx, round.ResultsQueue)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestServeOneDropsMalformedRequest(t *testing.T) {
	ctx := context.Background()
	a, _, q := newTestAgent(t)

	queueName := round.RequestQueue(a.cfg.UUID)
	_, err := q.Enqueue(ctx, queueName, []byte("not json"))
	require.NoError(t, err)

	require.NoError(t, a.serveOne(ctx, queueName))
	assert.Zero(t, q.Len(queueName))

	task, err := q.Dequeue(ctx, round.ResultsQueue)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestRegisterPublishesDescriptor(t *testing.T) {
	ctx := context.Background()
	a, store, _ := newTestAgent(t)

	require.NoError(t, a.register(ctx))

	agents, err := store.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, a.cfg.UUID, agents[0].UUID)
	assert.NotEmpty(t, agents[0].Hostname)
	assert.Equal(t, a.cfg.MaxProbingRate, agents[0].MaxProbingRate)
}

func TestHeartbeatRefreshesPresence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, store, _ := newTestAgent(t)
	a.cfg.HeartbeatSeconds = 1

	require.NoError(t, a.register(ctx))
	go a.heartbeat(ctx)

	time.Sleep(1500 * time.Millisecond)

	_, ok, err := store.GetAgent(ctx, a.cfg.UUID)
	require.NoError(t, err)
	assert.True(t, ok)
}

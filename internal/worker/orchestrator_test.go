package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iris-measurement/iris/internal/config"
	"github.com/iris-measurement/iris/internal/database"
	"github.com/iris-measurement/iris/internal/probe"
	"github.com/iris-measurement/iris/internal/queue"
	"github.com/iris-measurement/iris/internal/round"
	"github.com/iris-measurement/iris/internal/state"
	"github.com/iris-measurement/iris/internal/targets"
	"github.com/iris-measurement/iris/internal/testutil"
)

const (
	agentOne = "f0b9b7c0-6a0a-4f38-b96e-0d9e01f6a001"
	agentTwo = "f0b9b7c0-6a0a-4f38-b96e-0d9e01f6a002"
)

type testEnv struct {
	cfg   *config.WorkerConfig
	db    *database.Database
	store *state.MemoryStore
	queue *queue.MemoryQueue
	orch  *Orchestrator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := testutil.NewTestLogger(t)

	cfg := config.DefaultWorkerConfig()
	cfg.StoragePath = t.TempDir()
	cfg.ResultsDir = t.TempDir()

	db, err := database.New(cfg.StoragePath, cfg.DatabaseName, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := state.NewMemoryStore()
	q := queue.NewMemoryQueue(time.Minute)

	for _, agentUUID := range []string{agentOne, agentTwo} {
		require.NoError(t, store.RegisterAgent(context.Background(), state.Agent{
			UUID:           agentUUID,
			Version:        "dev",
			Hostname:       "vp-" + agentUUID[:8],
			IPAddress:      "192.0.2.10",
			MinTTL:         1,
			MaxProbingRate: 1000,
		}))
	}

	return &testEnv{
		cfg:   cfg,
		db:    db,
		store: store,
		queue: q,
		orch:  NewOrchestrator(cfg, db, store, q, logger),
	}
}

func writeTargetFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "targets.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testSubmitRequest(t *testing.T, agents ...string) SubmitRequest {
	t.Helper()
	req := SubmitRequest{
		Username:   "alice",
		Tool:       ToolDiamondMiner,
		TargetFile: writeTargetFile(t, "1.2.3.0/24,udp,2,30\n"),
	}
	for _, agentUUID := range agents {
		req.Agents = append(req.Agents, AgentRequest{UUID: agentUUID})
	}
	return req
}

func TestSubmitUnknownTool(t *testing.T) {
	env := newTestEnv(t)

	req := testSubmitRequest(t, agentOne)
	req.Tool = "yarrp"

	_, err := env.orch.Submit(context.Background(), req)
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestSubmitNoAgents(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.orch.Submit(context.Background(), testSubmitRequest(t))
	assert.ErrorIs(t, err, ErrNoAgents)
}

func TestSubmitDeadAgentRejected(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.store.RemoveAgent(agentTwo)

	_, err := env.orch.Submit(ctx, testSubmitRequest(t, agentOne, agentTwo))
	require.ErrorIs(t, err, ErrAgentNotLive)

	// Nothing was persisted and nothing was dispatched.
	_, total, err := env.db.ListMeasurements(ctx, "alice", 0, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Zero(t, env.queue.Len(round.RequestQueue(agentOne)))
}

func TestSubmitPingRejectsUDP(t *testing.T) {
	env := newTestEnv(t)

	req := testSubmitRequest(t, agentOne)
	req.Tool = ToolDiamondMinerPing

	_, err := env.orch.Submit(context.Background(), req)
	assert.ErrorIs(t, err, ErrUDPNotAllowed)
}

func TestSubmitQuotaExceeded(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.UserQuota = 2

	req := testSubmitRequest(t, agentOne)
	req.TargetFile = writeTargetFile(t, "1.2.0.0/22,udp,2,30\n")

	_, err := env.orch.Submit(context.Background(), req)
	assert.ErrorIs(t, err, targets.ErrQuotaExceeded)
}

func TestSubmitDispatchesRoundOne(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	req := testSubmitRequest(t, agentOne, agentTwo)
	req.Agents[0].ProbingRate = 500

	measurementUUID, err := env.orch.Submit(ctx, req)
	require.NoError(t, err)

	// Liveness key is set once round 1 is out.
	liveness, ok, err := env.store.GetMeasurementState(ctx, measurementUUID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, state.StateOngoing, liveness)

	// One round-1 request per agent, carrying the merged parameters.
	for _, agentUUID := range []string{agentOne, agentTwo} {
		task, err := env.queue.Dequeue(ctx, round.RequestQueue(agentUUID))
		require.NoError(t, err)
		require.NotNil(t, task)

		roundReq, err := round.DecodeRequest(task.Payload)
		require.NoError(t, err)
		assert.Equal(t, measurementUUID, roundReq.MeasurementUUID)
		assert.Equal(t, 1, roundReq.Round)
		assert.Equal(t, req.TargetFile, roundReq.TargetFile)
		assert.Equal(t, agentUUID, roundReq.Parameters["agent_uuid"])

		specific, err := env.db.GetAgentSpecific(ctx, measurementUUID, agentUUID)
		require.NoError(t, err)
		require.NotNil(t, specific)
		assert.Equal(t, database.StateOngoing, specific.State)
	}

	// The rate override stays with its agent.
	specific, err := env.db.GetAgentSpecific(ctx, measurementUUID, agentOne)
	require.NoError(t, err)
	assert.InDelta(t, 500, specific.ToolParameters["probing_rate"], 0)

	other, err := env.db.GetAgentSpecific(ctx, measurementUUID, agentTwo)
	require.NoError(t, err)
	assert.NotContains(t, other.ToolParameters, "probing_rate")
}

func TestSubmitRecordsDestinationPort(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	req := testSubmitRequest(t, agentOne)
	req.Parameters = map[string]any{"destination_port": 443}
	measurementUUID, err := env.orch.Submit(ctx, req)
	require.NoError(t, err)

	m, err := env.db.GetMeasurement(ctx, "alice", measurementUUID)
	require.NoError(t, err)
	assert.Equal(t, 443, m.DestinationPort)

	// Unset falls back to the traceroute default.
	measurementUUID, err = env.orch.Submit(ctx, testSubmitRequest(t, agentOne))
	require.NoError(t, err)

	m, err = env.db.GetMeasurement(ctx, "alice", measurementUUID)
	require.NoError(t, err)
	assert.Equal(t, probe.DefaultDstPort, m.DestinationPort)
}

func TestCancelLeavesEndTimeNil(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	measurementUUID, err := env.orch.Submit(ctx, testSubmitRequest(t, agentOne))
	require.NoError(t, err)

	require.NoError(t, env.orch.Cancel(ctx, measurementUUID))

	// Only the liveness key is gone.
	_, ok, err := env.store.GetMeasurementState(ctx, measurementUUID)
	require.NoError(t, err)
	assert.False(t, ok)

	m, err := env.db.GetMeasurement(ctx, "alice", measurementUUID)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Nil(t, m.EndTime)

	specific, err := env.db.GetAgentSpecific(ctx, measurementUUID, agentOne)
	require.NoError(t, err)
	assert.Equal(t, database.StateOngoing, specific.State)

	// Canceling again is a no-op.
	assert.NoError(t, env.orch.Cancel(ctx, measurementUUID))
}

func TestFinalizeRefusesWhileProbing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	measurementUUID, err := env.orch.Submit(ctx, testSubmitRequest(t, agentOne))
	require.NoError(t, err)

	assert.ErrorIs(t, env.orch.Finalize(ctx, measurementUUID), ErrAgentsStillBusy)
}

func TestHandleRoundFailedRetriesThenMarksFailed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.cfg.RoundRetries = 2

	measurementUUID, err := env.orch.Submit(ctx, testSubmitRequest(t, agentOne, agentTwo))
	require.NoError(t, err)

	// Drain the round-1 requests.
	for _, agentUUID := range []string{agentOne, agentTwo} {
		task, err := env.queue.Dequeue(ctx, round.RequestQueue(agentUUID))
		require.NoError(t, err)
		require.NoError(t, env.queue.Ack(ctx, round.RequestQueue(agentUUID), task.ID))
	}

	res := round.Result{
		MeasurementUUID: measurementUUID,
		AgentUUID:       agentOne,
		Round:           1,
		Attempt:         0,
		Status:          round.StatusFailed,
		Error:           "engine fault: exit status 1",
	}

	// Within budget: the same round goes out again.
	require.NoError(t, env.orch.HandleRoundFailed(ctx, res))
	task, err := env.queue.Dequeue(ctx, round.RequestQueue(agentOne))
	require.NoError(t, err)
	require.NotNil(t, task)
	retryReq, err := round.DecodeRequest(task.Payload)
	require.NoError(t, err)
	assert.Equal(t, 1, retryReq.Round)
	assert.Equal(t, 1, retryReq.Attempt)

	// Budget exhausted: the agent is failed, its sibling untouched.
	res.Attempt = env.cfg.RoundRetries
	require.NoError(t, env.orch.HandleRoundFailed(ctx, res))
	assert.Zero(t, env.queue.Len(round.RequestQueue(agentOne)))

	specific, err := env.db.GetAgentSpecific(ctx, measurementUUID, agentOne)
	require.NoError(t, err)
	assert.True(t, specific.Failed)
	assert.Equal(t, database.StateFinished, specific.State)

	sibling, err := env.db.GetAgentSpecific(ctx, measurementUUID, agentTwo)
	require.NoError(t, err)
	assert.False(t, sibling.Failed)
	assert.Equal(t, database.StateOngoing, sibling.State)

	// The measurement is still ongoing for the surviving agent.
	_, ok, err := env.store.GetMeasurementState(ctx, measurementUUID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHandleRoundCompleteDispatchesNextRound(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	measurementUUID, err := env.orch.Submit(ctx, testSubmitRequest(t, agentOne))
	require.NoError(t, err)
	drainQueue(t, env.queue, round.RequestQueue(agentOne))

	nextProbes := filepath.Join(env.cfg.ResultsDir, "round_2.probes")
	require.NoError(t, os.WriteFile(nextProbes, []byte("8.8.8.8,24000,33434,2,udp\n"), 0o644))

	res := round.Result{
		MeasurementUUID: measurementUUID,
		AgentUUID:       agentOne,
		Round:           1,
		Status:          round.StatusCompleted,
		NextProbesFile:  nextProbes,
	}
	require.NoError(t, env.orch.HandleRoundComplete(ctx, res))

	task, err := env.queue.Dequeue(ctx, round.RequestQueue(agentOne))
	require.NoError(t, err)
	require.NotNil(t, task)

	next, err := round.DecodeRequest(task.Payload)
	require.NoError(t, err)
	assert.Equal(t, 2, next.Round)
	assert.Equal(t, nextProbes, next.ProbesFile)
}

func TestHandleRoundCompleteStopsWithoutNextProbes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	measurementUUID, err := env.orch.Submit(ctx, testSubmitRequest(t, agentOne))
	require.NoError(t, err)
	drainQueue(t, env.queue, round.RequestQueue(agentOne))

	res := round.Result{
		MeasurementUUID: measurementUUID,
		AgentUUID:       agentOne,
		Round:           1,
		Status:          round.StatusCompleted,
	}
	require.NoError(t, env.orch.HandleRoundComplete(ctx, res))

	// The oracle had nothing more to probe: agent finished, measurement
	// finalized.
	assert.Zero(t, env.queue.Len(round.RequestQueue(agentOne)))

	m, err := env.db.GetMeasurement(ctx, "alice", measurementUUID)
	require.NoError(t, err)
	require.NotNil(t, m.EndTime)

	_, ok, err := env.store.GetMeasurementState(ctx, measurementUUID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHandleRoundCompleteAfterCancelDoesNotFinalize(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	measurementUUID, err := env.orch.Submit(ctx, testSubmitRequest(t, agentOne))
	require.NoError(t, err)
	drainQueue(t, env.queue, round.RequestQueue(agentOne))

	require.NoError(t, env.orch.Cancel(ctx, measurementUUID))

	nextProbes := filepath.Join(env.cfg.ResultsDir, "round_2.probes")
	require.NoError(t, os.WriteFile(nextProbes, []byte("8.8.8.8,24000,33434,2,udp\n"), 0o644))

	res := round.Result{
		MeasurementUUID: measurementUUID,
		AgentUUID:       agentOne,
		Round:           1,
		Status:          round.StatusCompleted,
		NextProbesFile:  nextProbes,
	}
	require.NoError(t, env.orch.HandleRoundComplete(ctx, res))

	// The cancellation race ends the measurement without finalizing it.
	assert.Zero(t, env.queue.Len(round.RequestQueue(agentOne)))

	m, err := env.db.GetMeasurement(ctx, "alice", measurementUUID)
	require.NoError(t, err)
	assert.Nil(t, m.EndTime)
}

func drainQueue(t *testing.T, q *queue.MemoryQueue, name string) {
	t.Helper()
	ctx := context.Background()
	for {
		task, err := q.Dequeue(ctx, name)
		require.NoError(t, err)
		if task == nil {
			return
		}
		require.NoError(t, q.Ack(ctx, name, task.ID))
	}
}

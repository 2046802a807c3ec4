// Package worker implements the measurement orchestration engine: it
// validates submissions, dispatches probing rounds to agents, ingests
// round results and drives each measurement to finalization or
// cancellation.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/iris-measurement/iris/internal/config"
	"github.com/iris-measurement/iris/internal/database"
	"github.com/iris-measurement/iris/internal/params"
	"github.com/iris-measurement/iris/internal/probe"
	"github.com/iris-measurement/iris/internal/queue"
	"github.com/iris-measurement/iris/internal/round"
	"github.com/iris-measurement/iris/internal/state"
	"github.com/iris-measurement/iris/internal/targets"
)

// Measurement tools.
const (
	ToolDiamondMiner     = "diamond-miner"
	ToolDiamondMinerPing = "diamond-miner-ping"
)

// Submission and lifecycle errors.
var (
	ErrUnknownTool     = errors.New("unknown tool")
	ErrNoAgents        = errors.New("no agents requested")
	ErrAgentNotLive    = errors.New("agent not live")
	ErrUDPNotAllowed   = errors.New("udp targets not allowed for this tool")
	ErrNotFound        = errors.New("measurement not found")
	ErrAgentsStillBusy = errors.New("not all agents have finished")
)

// SubmitRequest describes one measurement submission.
type SubmitRequest struct {
	Username   string
	Tool       string
	TargetFile string
	Tags       []string
	// Parameters is the measurement-level override layer.
	Parameters map[string]any
	Agents     []AgentRequest
}

// AgentRequest selects one participating agent with its override layer.
type AgentRequest struct {
	UUID string
	// TargetFile overrides the measurement's target file for this agent.
	TargetFile string
	// ProbingRate is the requested packets-per-second rate. Zero means
	// "use the agent ceiling".
	ProbingRate int
	// Parameters is the agent-specific override layer.
	Parameters map[string]any
}

// Orchestrator runs the measurement state machine.
type Orchestrator struct {
	cfg    *config.WorkerConfig
	db     *database.Database
	store  state.Store
	queue  queue.Queue
	logger zerolog.Logger
}

// NewOrchestrator assembles the orchestrator from its collaborators.
func NewOrchestrator(cfg *config.WorkerConfig, db *database.Database, store state.Store, q queue.Queue, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		db:     db,
		store:  store,
		queue:  q,
		logger: logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Submit validates a submission, registers the measurement and dispatches
// round 1 to every requested agent. It returns the measurement UUID.
//
// Validation failures and dead agents reject the submission before any
// row is written.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	ts, err := o.validate(ctx, req)
	if err != nil {
		return "", err
	}

	// Every requested agent must be live in the registry, checked before
	// anything is persisted.
	agents := make(map[string]state.Agent, len(req.Agents))
	for _, ar := range req.Agents {
		agent, ok, err := o.store.GetAgent(ctx, ar.UUID)
		if err != nil {
			return "", fmt.Errorf("failed to look up agent %s: %w", ar.UUID, err)
		}
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrAgentNotLive, ar.UUID)
		}
		agents[ar.UUID] = agent
	}

	measurementUUID := uuid.NewString()
	logger := o.logger.With().Str("measurement_uuid", measurementUUID).Logger()

	dstPort := probe.DefaultDstPort
	if p := params.NewView("", nil, req.Parameters, nil).GetInt("destination_port"); p > 0 {
		dstPort = p
	}

	m := &database.Measurement{
		UUID:            measurementUUID,
		Username:        req.Username,
		Tool:            req.Tool,
		Protocol:        string(ts[0].Protocol),
		DestinationPort: dstPort,
		MinTTL:          ts[0].MinTTL,
		MaxTTL:          ts[0].MaxTTL,
		TargetFile:      req.TargetFile,
		Tags:            req.Tags,
		StartTime:       time.Now(),
	}
	specifics := make([]*database.AgentSpecific, 0, len(req.Agents))
	for _, ar := range req.Agents {
		m.Agents = append(m.Agents, ar.UUID)

		view := buildView(agents[ar.UUID], req, ar)
		targetFile := req.TargetFile
		if ar.TargetFile != "" {
			targetFile = ar.TargetFile
		}
		specifics = append(specifics, &database.AgentSpecific{
			MeasurementUUID: measurementUUID,
			AgentUUID:       ar.UUID,
			TargetFile:      targetFile,
			ProbingRate:     ar.ProbingRate,
			ToolParameters:  view.Map(),
			State:           database.StateWaiting,
		})
	}

	for agentUUID, agent := range agents {
		err := o.db.UpsertAgent(ctx, &database.AgentRecord{
			UUID:           agentUUID,
			Version:        agent.Version,
			Hostname:       agent.Hostname,
			IPAddress:      agent.IPAddress,
			MinTTL:         agent.MinTTL,
			MaxProbingRate: agent.MaxProbingRate,
		})
		if err != nil {
			return "", err
		}
	}

	if err := o.db.RegisterMeasurement(ctx, m, specifics); err != nil {
		return "", err
	}
	if err := o.store.SetMeasurementState(ctx, measurementUUID, state.StateWaiting); err != nil {
		return "", fmt.Errorf("failed to set liveness key: %w", err)
	}

	// Round 1 fans out to all agents concurrently.
	g, gctx := errgroup.WithContext(ctx)
	for _, specific := range specifics {
		specific := specific
		g.Go(func() error {
			if err := o.dispatchRound(gctx, specific.MeasurementUUID, specific.AgentUUID, round.Request{
				MeasurementUUID: measurementUUID,
				AgentUUID:       specific.AgentUUID,
				Round:           1,
				TargetFile:      specific.TargetFile,
				Parameters:      specific.ToolParameters,
				TimeoutSeconds:  o.cfg.RoundTimeoutSeconds,
			}); err != nil {
				return err
			}
			return o.db.SetAgentState(gctx, measurementUUID, specific.AgentUUID, database.StateOngoing)
		})
	}
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("failed to dispatch round 1: %w", err)
	}

	if err := o.store.SetMeasurementState(ctx, measurementUUID, state.StateOngoing); err != nil {
		return "", fmt.Errorf("failed to update liveness key: %w", err)
	}

	logger.Info().
		Str("tool", req.Tool).
		Int("agents", len(req.Agents)).
		Msg("measurement submitted")
	return measurementUUID, nil
}

// validate checks the tool, target file and quota. It returns the parsed
// targets for reuse.
func (o *Orchestrator) validate(ctx context.Context, req SubmitRequest) ([]targets.Target, error) {
	if req.Tool != ToolDiamondMiner && req.Tool != ToolDiamondMinerPing {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, req.Tool)
	}
	if len(req.Agents) == 0 {
		return nil, ErrNoAgents
	}

	ts, err := targets.ParseFile(req.TargetFile)
	if err != nil {
		return nil, err
	}

	// Quota is accounted per tool: the ping tool probes single addresses,
	// so it counts /32s and /128s instead of /24s and /64s.
	len4, len6 := targets.DefaultPrefixLen4, targets.DefaultPrefixLen6
	if req.Tool == ToolDiamondMinerPing {
		len4, len6 = 32, 128
		for _, target := range ts {
			if target.Protocol == targets.ProtocolUDP {
				return nil, fmt.Errorf("%w: %s", ErrUDPNotAllowed, target.Network)
			}
		}
	}
	if err := targets.CheckQuota(ts, o.cfg.UserQuota, len4, len6); err != nil {
		return nil, err
	}
	return ts, nil
}

// Cancel withdraws a measurement's liveness key. Agents notice through
// their watchers and kill any running round. Nothing else is touched:
// agent states stay where they are and end_time is never set.
func (o *Orchestrator) Cancel(ctx context.Context, measurementUUID string) error {
	if err := o.store.DeleteMeasurementState(ctx, measurementUUID); err != nil {
		return fmt.Errorf("failed to cancel measurement: %w", err)
	}
	o.logger.Info().Str("measurement_uuid", measurementUUID).Msg("measurement canceled")
	return nil
}

// Finalize stamps the measurement's end time and removes its liveness
// key. It refuses to run while any agent is still probing. Deleting an
// already absent key is a no-op, so finalizing twice is harmless.
func (o *Orchestrator) Finalize(ctx context.Context, measurementUUID string) error {
	done, err := o.db.AllAgentsFinished(ctx, measurementUUID)
	if err != nil {
		return err
	}
	if !done {
		return fmt.Errorf("%w: %s", ErrAgentsStillBusy, measurementUUID)
	}

	if err := o.db.StampEndTime(ctx, measurementUUID, time.Now()); err != nil {
		return err
	}
	if err := o.store.DeleteMeasurementState(ctx, measurementUUID); err != nil {
		return fmt.Errorf("failed to delete liveness key: %w", err)
	}
	o.logger.Info().Str("measurement_uuid", measurementUUID).Msg("measurement finalized")
	return nil
}

func (o *Orchestrator) dispatchRound(ctx context.Context, measurementUUID, agentUUID string, req round.Request) error {
	payload, err := round.EncodeRequest(req)
	if err != nil {
		return err
	}
	if _, err := o.queue.Enqueue(ctx, round.RequestQueue(agentUUID), payload); err != nil {
		return fmt.Errorf("failed to enqueue round %d for agent %s: %w", req.Round, agentUUID, err)
	}
	return nil
}

// buildView merges the three parameter layers for one agent: the agent's
// physical descriptor, the measurement-level overrides, then the
// agent-specific overrides.
func buildView(agent state.Agent, req SubmitRequest, ar AgentRequest) *params.View {
	physical := map[string]any{
		"hostname":         agent.Hostname,
		"ip_address":       agent.IPAddress,
		"min_ttl":          agent.MinTTL,
		"max_probing_rate": agent.MaxProbingRate,
	}

	measurement := map[string]any{"tool": req.Tool}
	for k, v := range req.Parameters {
		measurement[k] = v
	}

	specific := make(map[string]any, len(ar.Parameters)+1)
	for k, v := range ar.Parameters {
		specific[k] = v
	}
	if ar.ProbingRate > 0 {
		specific["probing_rate"] = ar.ProbingRate
	}

	return params.NewView(ar.UUID, physical, measurement, specific)
}

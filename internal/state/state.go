// Package state provides the shared state store used for measurement liveness
// and agent presence.
//
// The store holds one key per live, non-canceled measurement. The key's value
// is an opaque state token; its absence is the sole cancellation signal that
// watchers act upon. Agent presence keys carry a TTL refreshed by heartbeats,
// so a crashed agent drops out of the registry on its own.
package state

import "context"

// Measurement state tokens. The token's value is informational only; the
// liveness contract is carried by the key's presence.
const (
	StateWaiting = "waiting"
	StateOngoing = "ongoing"
)

// Agent describes a registered probing agent. This is the static (physical)
// parameter layer of a dispatch.
type Agent struct {
	UUID           string `json:"uuid"`
	Version        string `json:"version"`
	Hostname       string `json:"hostname"`
	IPAddress      string `json:"ip_address"`
	MinTTL         int    `json:"min_ttl"`
	MaxProbingRate int    `json:"max_probing_rate"`
}

// Store is the shared state store contract. It must tolerate concurrent
// reads from many watchers and a concurrent delete from cancellation;
// last delete wins.
type Store interface {
	// SetMeasurementState writes the liveness key for a measurement.
	SetMeasurementState(ctx context.Context, measurementUUID, state string) error

	// GetMeasurementState reads the liveness key. ok is false when the key
	// is absent, which means the measurement is canceled or finished.
	GetMeasurementState(ctx context.Context, measurementUUID string) (state string, ok bool, err error)

	// DeleteMeasurementState removes the liveness key. Deleting an absent
	// key is not an error.
	DeleteMeasurementState(ctx context.Context, measurementUUID string) error

	// RegisterAgent publishes an agent's descriptor and refreshes its
	// presence with the store's TTL.
	RegisterAgent(ctx context.Context, agent Agent) error

	// RefreshAgent extends an agent's presence without rewriting the
	// descriptor.
	RefreshAgent(ctx context.Context, agentUUID string) error

	// GetAgent returns a live agent's descriptor, or ok=false when the
	// agent is not currently present.
	GetAgent(ctx context.Context, agentUUID string) (agent Agent, ok bool, err error)

	// ListAgents returns the descriptors of all currently live agents.
	ListAgents(ctx context.Context) ([]Agent, error)

	// Close releases the store's resources.
	Close() error
}

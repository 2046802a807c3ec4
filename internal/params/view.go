// Package params builds the flattened parameter view handed to an agent for
// one dispatch.
package params

// View is the immutable, precedence-resolved configuration for one agent
// within one measurement. It is built once at dispatch from three layers:
// the agent's static descriptor (physical), the measurement-level parameters
// (measurement), and the per-agent overrides (specific). On key collision
// the later layer wins: specific > measurement > physical. The agent's
// identity is always present under "agent_uuid".
//
// Views are ephemeral: they are sent with the dispatch and never persisted.
type View struct {
	agentUUID string
	values    map[string]any
}

// NewView merges the three parameter layers for one agent. The input maps
// are copied; mutating them afterwards does not affect the view, and one
// agent's overrides can never leak into another agent's view.
func NewView(agentUUID string, physical, measurement, specific map[string]any) *View {
	values := make(map[string]any, len(physical)+len(measurement)+len(specific)+1)
	for k, v := range physical {
		values[k] = v
	}
	for k, v := range measurement {
		values[k] = v
	}
	for k, v := range specific {
		values[k] = v
	}
	values["agent_uuid"] = agentUUID

	return &View{
		agentUUID: agentUUID,
		values:    values,
	}
}

// AgentUUID returns the agent identity of the view.
func (v *View) AgentUUID() string {
	return v.agentUUID
}

// Get returns a parameter value and whether it is present.
func (v *View) Get(key string) (any, bool) {
	val, ok := v.values[key]
	return val, ok
}

// GetString returns a string parameter, or "" when absent or of another type.
func (v *View) GetString(key string) string {
	if s, ok := v.values[key].(string); ok {
		return s
	}
	return ""
}

// GetInt returns an integer parameter, or 0 when absent. JSON-decoded
// numbers arrive as float64 and are converted.
func (v *View) GetInt(key string) int {
	switch n := v.values[key].(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

// Map returns a copy of the flattened mapping, suitable for serializing
// into a dispatch message.
func (v *View) Map() map[string]any {
	out := make(map[string]any, len(v.values))
	for k, val := range v.values {
		out[k] = val
	}
	return out
}

package params

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewView_Precedence(t *testing.T) {
	// A key present in all three layers resolves to the specific layer.
	physical := map[string]any{"probing_rate": 10000, "hostname": "probe-01"}
	measurement := map[string]any{"probing_rate": 5000, "tool": "diamond-miner"}
	specific := map[string]any{"probing_rate": 500}

	v := NewView("agent-1", physical, measurement, specific)

	assert.Equal(t, 500, v.GetInt("probing_rate"))
	assert.Equal(t, "diamond-miner", v.GetString("tool"))
	assert.Equal(t, "probe-01", v.GetString("hostname"))
}

func TestNewView_MeasurementOverridesPhysical(t *testing.T) {
	physical := map[string]any{"min_ttl": 1}
	measurement := map[string]any{"min_ttl": 2}

	v := NewView("agent-1", physical, measurement, nil)
	assert.Equal(t, 2, v.GetInt("min_ttl"))
}

func TestNewView_AgentIdentityAlwaysPresent(t *testing.T) {
	// Even a layer trying to override agent_uuid loses to the identity.
	specific := map[string]any{"agent_uuid": "intruder"}

	v := NewView("agent-1", nil, nil, specific)
	assert.Equal(t, "agent-1", v.AgentUUID())
	assert.Equal(t, "agent-1", v.GetString("agent_uuid"))
}

func TestNewView_Isolation(t *testing.T) {
	// Two views built from a shared measurement layer must not see each
	// other's overrides.
	measurement := map[string]any{"tool": "diamond-miner"}

	v1 := NewView("agent-1", nil, measurement, map[string]any{"probing_rate": 100})
	v2 := NewView("agent-2", nil, measurement, nil)

	assert.Equal(t, 100, v1.GetInt("probing_rate"))
	_, ok := v2.Get("probing_rate")
	assert.False(t, ok, "agent-2 must not observe agent-1's override")
}

func TestNewView_CopiesInputs(t *testing.T) {
	specific := map[string]any{"probing_rate": 100}
	v := NewView("agent-1", nil, nil, specific)

	specific["probing_rate"] = 999
	assert.Equal(t, 100, v.GetInt("probing_rate"), "view must be immutable after construction")
}

func TestView_Map(t *testing.T) {
	v := NewView("agent-1", map[string]any{"a": 1}, nil, nil)

	m := v.Map()
	m["a"] = 2

	assert.Equal(t, 1, v.GetInt("a"), "Map must return a copy")
}

func TestView_GetInt_JSONNumbers(t *testing.T) {
	v := NewView("agent-1", nil, nil, map[string]any{"max_round": float64(10)})
	assert.Equal(t, 10, v.GetInt("max_round"))
}

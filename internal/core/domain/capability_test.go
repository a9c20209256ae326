package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilitiesUnmarshalAndResolve(t *testing.T) {
	raw := `{
		"asset_type": ["image", "video"],
		"region": "eu-west",
		"debug": true,
		"hardware": {"gpu": {"vram_gb": 24, "model": "rtx4090"}}
	}`

	var caps Capabilities
	require.NoError(t, json.Unmarshal([]byte(raw), &caps))

	v, ok := caps.Resolve("region")
	require.True(t, ok)
	assert.Equal(t, KindString, v.Kind)
	assert.Equal(t, "eu-west", v.Str)

	v, ok = caps.Resolve("hardware.gpu.vram_gb")
	require.True(t, ok)
	assert.Equal(t, KindNumber, v.Kind)
	assert.Equal(t, float64(24), v.Num)

	v, ok = caps.Resolve("asset_type")
	require.True(t, ok)
	assert.True(t, v.Contains(StringValue("video")))
	assert.False(t, v.Contains(StringValue("audio")))

	_, ok = caps.Resolve("hardware.cpu.cores")
	assert.False(t, ok)

	// Traversing through a scalar is a miss, not a panic.
	_, ok = caps.Resolve("region.zone")
	assert.False(t, ok)
}

func TestCapValueWildcard(t *testing.T) {
	var v CapValue
	require.NoError(t, json.Unmarshal([]byte(`"*"`), &v))
	assert.Equal(t, KindWildcard, v.Kind)
	assert.True(t, v.Equal(CapValue{Kind: KindWildcard}))
}

func TestRequirementsValidate(t *testing.T) {
	ok := Requirements{
		Positive: map[string]CapValue{"asset_type": StringValue("video"), "any_model": {Kind: KindWildcard}},
		Negative: map[string]CapValue{"debug": BoolValue(true)},
	}
	assert.NoError(t, ok.Validate())

	bad := Requirements{Positive: map[string]CapValue{"models": ListValue(StringValue("a"))}}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidSubmission)

	badNeg := Requirements{Negative: map[string]CapValue{"region": {Kind: KindWildcard}}}
	assert.ErrorIs(t, badNeg.Validate(), ErrInvalidSubmission)

	empty := Requirements{Positive: map[string]CapValue{"": StringValue("x")}}
	assert.ErrorIs(t, empty.Validate(), ErrInvalidSubmission)
}

func TestJobScoreOrdering(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	high := Job{Priority: 90, CreatedAt: base}
	mid := Job{Priority: 50, CreatedAt: base}
	low := Job{Priority: 10, CreatedAt: base}
	assert.Greater(t, high.Score(), mid.Score())
	assert.Greater(t, mid.Score(), low.Score())

	// FIFO within equal priority: earlier submission scores higher.
	early := Job{Priority: 50, CreatedAt: base}
	late := Job{Priority: 50, CreatedAt: base.Add(5 * time.Second)}
	assert.Greater(t, early.Score(), late.Score())
}

func TestJobWorkflowInheritance(t *testing.T) {
	wfPriority := 200
	wfTime := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	step := Job{
		Priority:         0,
		CreatedAt:        wfTime.Add(time.Hour), // step created much later
		WorkflowPriority: &wfPriority,
		WorkflowDatetime: &wfTime,
	}
	standalone := Job{Priority: 200, CreatedAt: wfTime}

	assert.Equal(t, 200, step.EffectivePriority())
	assert.Equal(t, wfTime, step.EffectiveDatetime())
	assert.Equal(t, standalone.Score(), step.Score())
}

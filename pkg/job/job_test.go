package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsNormalize(t *testing.T) {
	got := Options{}.Normalize()
	assert.Equal(t, DefaultOptions(), got)

	custom := Options{MaxAttempts: 5}.Normalize()
	assert.Equal(t, 5, custom.MaxAttempts)
	assert.Equal(t, DefaultBackoffDelay, custom.Backoff.Delay)
}

func TestCanRetry(t *testing.T) {
	j := &Job{Attempts: 2, MaxAttempts: 3}
	assert.True(t, j.CanRetry())
	j.Attempts = 3
	assert.False(t, j.CanRetry())
}

func TestStateTerminal(t *testing.T) {
	assert.False(t, StateWaiting.Terminal())
	assert.False(t, StateActive.Terminal())
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
}

func TestDecodePayload(t *testing.T) {
	j := &Job{ID: "j1", Payload: `{"scriptId":"default_phishing_script","simulationId":"sim1","params":{"TARGET":"x"}}`}
	p, err := j.DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, "default_phishing_script", p.ScriptID)
	assert.Equal(t, "sim1", p.SimulationID)
	assert.Equal(t, ServerAgentID, p.ReportedAgentID())

	j.Payload = "not json"
	_, err = j.DecodePayload()
	assert.Error(t, err)
}

func TestFlattenParams(t *testing.T) {
	got := FlattenParams(map[string]any{
		"target": "hr@example.com",
		"count":  float64(3),
		"flag":   true,
		"empty":  nil,
		"nested": map[string]any{"a": "b"},
	})
	assert.Equal(t, map[string]string{
		"target": "hr@example.com",
		"count":  "3",
		"flag":   "true",
		"empty":  "",
		"nested": `{"a":"b"}`,
	}, got)
}

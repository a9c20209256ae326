package simulation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/internal/core/domain"
)

func TestExecuteReportsProgressAndResult(t *testing.T) {
	c := New()
	job := domain.Job{
		ID:      "j1",
		Payload: json.RawMessage(`{"duration_ms":20,"steps":4,"result":{"image":"out.png"}}`),
	}

	var ticks []int
	raw, err := c.Execute(context.Background(), job, func(pct int, message string) {
		ticks = append(ticks, pct)
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"image":"out.png"}`, string(raw))
	assert.Equal(t, []int{25, 50, 75, 100}, ticks)
}

func TestExecuteSimulatedFailure(t *testing.T) {
	c := New()
	job := domain.Job{
		ID:      "j1",
		Payload: json.RawMessage(`{"duration_ms":10,"steps":1,"fail":true,"fail_msg":"no vram"}`),
	}

	_, err := c.Execute(context.Background(), job, func(int, string) {})
	require.Error(t, err)
	assert.Equal(t, "no vram", err.Error())
}

func TestExecuteHonorsCancellation(t *testing.T) {
	c := New()
	job := domain.Job{
		ID:      "j1",
		Payload: json.RawMessage(`{"duration_ms":5000,"steps":10}`),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Execute(ctx, job, func(int, string) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

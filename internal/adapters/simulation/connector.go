// Package simulation provides a connector that fakes job execution:
// ticking progress, configurable duration and failure. Used for load
// testing the broker and developing without GPU services.
package simulation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quarrylabs/quarry/internal/core/domain"
)

type payload struct {
	DurationMs int             `json:"duration_ms,omitempty"`
	Steps      int             `json:"steps,omitempty"`
	Fail       bool            `json:"fail,omitempty"`
	FailMsg    string          `json:"fail_msg,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

type Connector struct{}

func New() *Connector { return &Connector{} }

// Execute sleeps through the configured duration reporting evenly
// spaced progress ticks, then returns the configured result or failure.
func (c *Connector) Execute(ctx context.Context, job domain.Job, progress func(pct int, message string)) (json.RawMessage, error) {
	var p payload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid simulation payload: %w", err)
		}
	}
	if p.DurationMs <= 0 {
		p.DurationMs = 100
	}
	if p.Steps <= 0 {
		p.Steps = 4
	}

	stepDur := time.Duration(p.DurationMs/p.Steps) * time.Millisecond
	for i := 1; i <= p.Steps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(stepDur):
		}
		progress(i*100/p.Steps, fmt.Sprintf("simulated step %d/%d", i, p.Steps))
	}

	if p.Fail {
		msg := p.FailMsg
		if msg == "" {
			msg = "simulated failure"
		}
		return nil, fmt.Errorf("%s", msg)
	}
	if len(p.Result) > 0 {
		return p.Result, nil
	}
	return json.RawMessage(`{"simulated":true}`), nil
}

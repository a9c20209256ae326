// Package webhook delivers outbox envelopes to downstream HTTP
// endpoints (user notification hooks, monitoring collectors).
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quarrylabs/quarry/internal/core/domain"
)

type Deliverer struct {
	client *http.Client
	token  string
}

// NewDeliverer builds the HTTP deliverer. A non-empty token is sent as
// a bearer credential on every delivery.
func NewDeliverer(timeout time.Duration, token string) *Deliverer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Deliverer{client: &http.Client{Timeout: timeout}, token: token}
}

// Deliver posts the envelope as JSON. Any non-2xx response is a
// delivery failure; retries belong to the outbox, not to this client.
func (d *Deliverer) Deliver(ctx context.Context, destination string, env domain.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Quarry-Event", string(env.Type))
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery to %s failed: %w", destination, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook %s returned status %d: %s", destination, resp.StatusCode, string(snippet))
	}
	return nil
}

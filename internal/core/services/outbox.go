package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/quarrylabs/quarry/internal/core/domain"
	"github.com/quarrylabs/quarry/internal/core/ports"
)

// OutboxConfig tunes the outbox publisher loop.
type OutboxConfig struct {
	// PollInterval is how often due entries are scanned.
	PollInterval time.Duration
	// BatchSize caps entries handled per scan.
	BatchSize int
	// BackoffBase seeds the exponential retry delay: base * 2^retries,
	// capped at BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// OutboxPublisher drains the transactional outbox: due entries are
// delivered through the deliverer behind the per-destination circuit
// breakers, retried with exponential backoff, and dead-lettered once
// the retry budget runs out. Exactly one publisher should run per
// broker process.
type OutboxPublisher struct {
	logger    *slog.Logger
	repo      ports.EventRepository
	deliverer ports.Deliverer
	breakers  *BreakerSet
	cfg       OutboxConfig
}

func NewOutboxPublisher(logger *slog.Logger, repo ports.EventRepository, deliverer ports.Deliverer, breakers *BreakerSet, cfg OutboxConfig) *OutboxPublisher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Minute
	}
	return &OutboxPublisher{
		logger:    logger,
		repo:      repo,
		deliverer: deliverer,
		breakers:  breakers,
		cfg:       cfg,
	}
}

// Run polls for due entries until ctx is cancelled.
func (p *OutboxPublisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.logger.Info("outbox publisher started", "poll_interval", p.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outbox publisher stopped")
			return nil
		case <-ticker.C:
			if err := p.Drain(ctx); err != nil {
				p.logger.Error("outbox drain failed", "error", err)
			}
		}
	}
}

// Drain handles one batch of due entries. Exposed for tests and for a
// final flush on shutdown.
func (p *OutboxPublisher) Drain(ctx context.Context) error {
	entries, err := p.repo.DuePublishes(ctx, time.Now(), p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list due outbox entries: %w", err)
	}
	for _, entry := range entries {
		p.publish(ctx, entry)
	}
	return nil
}

func (p *OutboxPublisher) publish(ctx context.Context, entry domain.OutboxEntry) {
	if p.breakers != nil && !p.breakers.Allow(entry.Destination) {
		// Open circuit: push the entry past the open window instead of
		// burning retry budget on a known-bad endpoint.
		p.reschedule(ctx, entry, domain.ErrBreakerOpen.Error())
		return
	}

	var env domain.Envelope
	if err := json.Unmarshal(entry.Payload, &env); err != nil {
		p.deadLetter(ctx, entry, fmt.Sprintf("malformed envelope: %v", err))
		return
	}

	err := p.deliverer.Deliver(ctx, entry.Destination, env)
	if err == nil {
		if p.breakers != nil {
			p.breakers.RecordSuccess(entry.Destination)
		}
		if err := p.repo.MarkPublished(ctx, entry.ID); err != nil {
			p.logger.Warn("failed to mark outbox entry published", "outbox_id", entry.ID, "error", err)
		}
		return
	}

	if p.breakers != nil {
		p.breakers.RecordFailure(entry.Destination)
	}
	if entry.RetryCount+1 >= entry.MaxRetries {
		p.deadLetter(ctx, entry, err.Error())
		return
	}
	p.logger.Warn("delivery failed, scheduling retry",
		"outbox_id", entry.ID,
		"destination", entry.Destination,
		"retry_count", entry.RetryCount+1,
		"error", err,
	)
	p.reschedule(ctx, entry, err.Error())
}

func (p *OutboxPublisher) reschedule(ctx context.Context, entry domain.OutboxEntry, reason string) {
	next := time.Now().Add(p.backoff(entry.RetryCount))
	if err := p.repo.RescheduleRetry(ctx, entry.ID, next, reason); err != nil {
		p.logger.Warn("failed to reschedule outbox entry", "outbox_id", entry.ID, "error", err)
	}
}

func (p *OutboxPublisher) deadLetter(ctx context.Context, entry domain.OutboxEntry, reason string) {
	p.logger.Error("outbox entry dead-lettered",
		"outbox_id", entry.ID,
		"destination", entry.Destination,
		"reason", reason,
	)
	if err := p.repo.MoveToDeadLetter(ctx, entry, reason); err != nil {
		p.logger.Error("failed to dead-letter outbox entry", "outbox_id", entry.ID, "error", err)
	}
}

// backoff computes base * 2^retries capped at BackoffCap.
func (p *OutboxPublisher) backoff(retries int) time.Duration {
	d := p.cfg.BackoffBase
	for i := 0; i < retries; i++ {
		d *= 2
		if d >= p.cfg.BackoffCap {
			return p.cfg.BackoffCap
		}
	}
	if d > p.cfg.BackoffCap {
		return p.cfg.BackoffCap
	}
	return d
}

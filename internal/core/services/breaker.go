package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quarrylabs/quarry/internal/core/domain"
	"github.com/quarrylabs/quarry/internal/core/ports"
)

// BreakerConfig tunes the per-destination circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is how many consecutive failures open the circuit.
	FailureThreshold int
	// OpenFor is how long an open circuit rejects calls before allowing a
	// half-open trial.
	OpenFor time.Duration
}

type breaker struct {
	state       domain.CircuitState
	failures    int
	lastFailure time.Time
}

// BreakerSet maintains one circuit breaker per delivery destination.
// State survives restarts through the event repository so a flapping
// endpoint stays fenced off across broker restarts.
type BreakerSet struct {
	logger *slog.Logger
	repo   ports.EventRepository
	cfg    BreakerConfig

	mu       sync.Mutex
	breakers map[string]*breaker
	now      func() time.Time
}

func NewBreakerSet(logger *slog.Logger, repo ports.EventRepository, cfg BreakerConfig) *BreakerSet {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	return &BreakerSet{
		logger:   logger,
		repo:     repo,
		cfg:      cfg,
		breakers: make(map[string]*breaker),
		now:      time.Now,
	}
}

// Restore loads persisted breaker states. Call once at startup.
func (s *BreakerSet) Restore(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	records, err := s.repo.LoadBreakerStates(ctx)
	if err != nil {
		return fmt.Errorf("failed to load breaker states: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.breakers[rec.Destination] = &breaker{
			state:       rec.State,
			failures:    rec.FailureCount,
			lastFailure: rec.LastFailureTime,
		}
	}
	if len(records) > 0 {
		s.logger.Info("breaker states restored", "count", len(records))
	}
	return nil
}

// Allow reports whether a call to destination may proceed. An open
// circuit transitions to half-open once OpenFor has elapsed, letting a
// single trial through.
func (s *BreakerSet) Allow(destination string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(destination)
	switch b.state {
	case domain.CircuitOpen:
		if s.now().Sub(b.lastFailure) < s.cfg.OpenFor {
			return false
		}
		b.state = domain.CircuitHalfOpen
		b.lastFailure = s.now()
		s.persist(destination, b)
		s.logger.Info("circuit half-open", "destination", destination)
		return true
	case domain.CircuitHalfOpen:
		// One trial at a time; further calls wait for its outcome. A trial
		// that never reported back (broker restart mid-delivery) stops
		// fencing the destination once OpenFor elapses again.
		if s.now().Sub(b.lastFailure) < s.cfg.OpenFor {
			return false
		}
		b.lastFailure = s.now()
		s.persist(destination, b)
		s.logger.Info("circuit half-open trial renewed", "destination", destination)
		return true
	default:
		return true
	}
}

// RecordSuccess closes the circuit and resets the failure count.
func (s *BreakerSet) RecordSuccess(destination string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(destination)
	if b.state != domain.CircuitClosed || b.failures != 0 {
		b.state = domain.CircuitClosed
		b.failures = 0
		s.persist(destination, b)
		s.logger.Info("circuit closed", "destination", destination)
	}
}

// RecordFailure counts a failed call; the circuit opens at the threshold
// and a half-open trial failure reopens it immediately.
func (s *BreakerSet) RecordFailure(destination string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(destination)
	b.failures++
	b.lastFailure = s.now()
	if b.state == domain.CircuitHalfOpen || b.failures >= s.cfg.FailureThreshold {
		if b.state != domain.CircuitOpen {
			s.logger.Warn("circuit opened", "destination", destination, "failures", b.failures)
		}
		b.state = domain.CircuitOpen
	}
	s.persist(destination, b)
}

// State returns the current circuit state for a destination.
func (s *BreakerSet) State(destination string) domain.CircuitState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(destination).state
}

func (s *BreakerSet) get(destination string) *breaker {
	b, ok := s.breakers[destination]
	if !ok {
		b = &breaker{state: domain.CircuitClosed}
		s.breakers[destination] = b
	}
	return b
}

func (s *BreakerSet) persist(destination string, b *breaker) {
	if s.repo == nil {
		return
	}
	rec := domain.BreakerRecord{
		Destination:     destination,
		State:           b.state,
		FailureCount:    b.failures,
		LastFailureTime: b.lastFailure,
		UpdatedAt:       s.now(),
	}
	if err := s.repo.SaveBreakerState(context.Background(), rec); err != nil {
		s.logger.Warn("failed to persist breaker state", "destination", destination, "error", err)
	}
}

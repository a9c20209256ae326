package services

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/internal/adapters/memstore"
	"github.com/quarrylabs/quarry/internal/core/domain"
	"github.com/quarrylabs/quarry/internal/core/ports"
)

func newBreakerSet(repo ports.EventRepository) (*BreakerSet, *time.Time) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewBreakerSet(logger, repo, BreakerConfig{FailureThreshold: 3, OpenFor: 10 * time.Second})
	now := time.Now()
	s.now = func() time.Time { return now }
	return s, &now
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	s, _ := newBreakerSet(nil)
	dest := "http://hooks.test/a"

	for i := 0; i < 2; i++ {
		s.RecordFailure(dest)
		assert.True(t, s.Allow(dest))
	}
	s.RecordFailure(dest)
	assert.Equal(t, domain.CircuitOpen, s.State(dest))
	assert.False(t, s.Allow(dest))
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	s, now := newBreakerSet(nil)
	dest := "http://hooks.test/a"

	for i := 0; i < 3; i++ {
		s.RecordFailure(dest)
	}
	assert.False(t, s.Allow(dest))

	*now = now.Add(11 * time.Second)
	assert.True(t, s.Allow(dest), "open window elapsed, one trial goes through")
	assert.Equal(t, domain.CircuitHalfOpen, s.State(dest))
	assert.False(t, s.Allow(dest), "second concurrent trial is held back")

	s.RecordSuccess(dest)
	assert.Equal(t, domain.CircuitClosed, s.State(dest))
	assert.True(t, s.Allow(dest))
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	s, now := newBreakerSet(nil)
	dest := "http://hooks.test/a"

	for i := 0; i < 3; i++ {
		s.RecordFailure(dest)
	}
	*now = now.Add(11 * time.Second)
	require.True(t, s.Allow(dest))

	s.RecordFailure(dest)
	assert.Equal(t, domain.CircuitOpen, s.State(dest))
	assert.False(t, s.Allow(dest))
}

func TestBreakerDestinationsAreIndependent(t *testing.T) {
	s, _ := newBreakerSet(nil)
	for i := 0; i < 3; i++ {
		s.RecordFailure("http://hooks.test/a")
	}
	assert.False(t, s.Allow("http://hooks.test/a"))
	assert.True(t, s.Allow("http://hooks.test/b"))
}

func TestBreakerHalfOpenTrialLostToRestart(t *testing.T) {
	ctx := context.Background()
	repo := memstore.NewEventRepository()
	dest := "http://hooks.test/a"

	first, now := newBreakerSet(repo)
	for i := 0; i < 3; i++ {
		first.RecordFailure(dest)
	}
	*now = now.Add(11 * time.Second)
	// The trial is admitted, then the broker dies before the outcome is
	// recorded.
	require.True(t, first.Allow(dest))

	second, later := newBreakerSet(repo)
	require.NoError(t, second.Restore(ctx))
	require.Equal(t, domain.CircuitHalfOpen, second.State(dest))

	*later = now.Add(1 * time.Second)
	assert.False(t, second.Allow(dest), "the lost trial still holds its window")

	*later = now.Add(11 * time.Second)
	assert.True(t, second.Allow(dest), "a fresh trial is admitted once the window lapses")
	assert.Equal(t, domain.CircuitHalfOpen, second.State(dest))
}

func TestBreakerStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	repo := memstore.NewEventRepository()

	first, _ := newBreakerSet(repo)
	for i := 0; i < 3; i++ {
		first.RecordFailure("http://hooks.test/a")
	}
	require.Equal(t, domain.CircuitOpen, first.State("http://hooks.test/a"))

	second, _ := newBreakerSet(repo)
	require.NoError(t, second.Restore(ctx))
	assert.Equal(t, domain.CircuitOpen, second.State("http://hooks.test/a"))
	assert.False(t, second.Allow("http://hooks.test/a"))
}

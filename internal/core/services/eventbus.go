package services

import (
	"log/slog"
	"sync"

	"github.com/quarrylabs/quarry/internal/core/domain"
)

// BusEvent is the in-process fan-out shape: Key is a job or workflow ID,
// Data is the JSON payload already rendered for SSE consumers.
type BusEvent struct {
	Key       string
	Type      domain.EventType
	Data      string
	Timestamp int64
}

const globalKey = "*"

// EventBus fans job/workflow events out to in-process subscribers
// (SSE monitor streams, tests). Delivery is best-effort: a full
// subscriber channel drops the event rather than blocking the broker.
type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[string][]chan BusEvent
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]chan BusEvent),
	}
}

// Subscribe returns a channel receiving events for one job or workflow.
func (b *EventBus) Subscribe(key string) (<-chan BusEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan BusEvent, 100)
	b.subs[key] = append(b.subs[key], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subscribers := b.subs[key]
		for i, sub := range subscribers {
			if sub == ch {
				close(ch)
				b.subs[key] = append(subscribers[:i], subscribers[i+1:]...)
				break
			}
		}
		if len(b.subs[key]) == 0 {
			delete(b.subs, key)
		}
	}

	return ch, unsub
}

// SubscribeGlobal receives every published event regardless of key.
func (b *EventBus) SubscribeGlobal() (<-chan BusEvent, func()) {
	return b.Subscribe(globalKey)
}

// Publish sends an event to the key's subscribers and all global ones.
func (b *EventBus) Publish(e BusEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[e.Key] {
		b.send(ch, e)
	}
	if e.Key != globalKey {
		for _, ch := range b.subs[globalKey] {
			b.send(ch, e)
		}
	}
}

func (b *EventBus) send(ch chan BusEvent, e BusEvent) {
	select {
	case ch <- e:
	default:
		b.logger.Warn("event bus channel full, dropping event", "key", e.Key, "type", e.Type)
	}
}

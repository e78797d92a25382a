// Package bus fans pipeline lifecycle events out to in-process subscribers.
package bus

import (
	"sync"
)

const defaultBufferSize = 100

type EventBus struct {
	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	counts map[string]map[EventType]uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func New() *EventBus {
	return &EventBus{
		eventSubscribers: make(map[uint64]chan Event),
		counts:           make(map[string]map[EventType]uint64),
		done:             make(chan struct{}),
	}
}

// Counts returns a copy of the per-session event totals.
func (eb *EventBus) Counts() map[string]map[EventType]uint64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	out := make(map[string]map[EventType]uint64, len(eb.counts))
	for session, byType := range eb.counts {
		copied := make(map[EventType]uint64, len(byType))
		for eventType, n := range byType {
			copied[eventType] = n
		}
		out[session] = copied
	}

	return out
}

// Count returns how many events of eventType session published.
func (eb *EventBus) Count(session string, eventType EventType) uint64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	return eb.counts[session][eventType]
}

func (eb *EventBus) Close() {
	eb.closeOnce.Do(func() {
		close(eb.done)

		eb.mu.Lock()
		for id, ch := range eb.eventSubscribers {
			close(ch)
			delete(eb.eventSubscribers, id)
		}
		eb.mu.Unlock()
	})
}

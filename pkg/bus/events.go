package bus

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventVoiceReceived       EventType = "voice_received"
	EventVoiceSkipped        EventType = "voice_skipped"
	EventTranscribed         EventType = "transcribed"
	EventTranscriptionFailed EventType = "transcription_failed"
	EventGroupHealed         EventType = "group_healed"
	EventSessionOpen         EventType = "session_open"
	EventSessionClosed       EventType = "session_closed"
)

type Event struct {
	Type      EventType         `json:"type"`
	At        time.Time         `json:"at"`
	Session   string            `json:"session,omitempty"`
	ChatID    string            `json:"chat_id,omitempty"`
	MessageID string            `json:"message_id,omitempty"`
	Payload   map[string]string `json:"payload,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func (eb *EventBus) PublishEvent(ctx context.Context, event Event) bool {
	if eb == nil {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-eb.done:
		return false
	default:
	}

	eb.mu.Lock()
	byType, ok := eb.counts[event.Session]
	if !ok {
		byType = make(map[EventType]uint64)
		eb.counts[event.Session] = byType
	}
	byType[event.Type]++

	// Sends stay under the lock so unsubscribe cannot close a channel mid-send.
	for _, ch := range eb.eventSubscribers {
		select {
		case ch <- event:
		default:
			// Drop instead of blocking the publisher on slow subscribers.
		}
	}
	eb.mu.Unlock()

	return true
}

func (eb *EventBus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	eb.mu.Lock()
	select {
	case <-eb.done:
		eb.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := eb.nextEventSubscriberID
	eb.nextEventSubscriberID++
	eb.eventSubscribers[id] = ch
	eb.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			eb.mu.Lock()
			if eventCh, ok := eb.eventSubscribers[id]; ok {
				delete(eb.eventSubscribers, id)
				close(eventCh)
			}
			eb.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-eb.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}

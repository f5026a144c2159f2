package server

import (
	"context"
	"sync"
	"time"

	"github.com/deckflow/backend/internal/deck"
)

const (
	statusEventName    = "status"
	heartbeatEventName = "heartbeat"
)

// StatusEvent is one committed deck status transition fanned out to watchers.
type StatusEvent struct {
	DeckID    string      `json:"deck_id"`
	Status    deck.Status `json:"status"`
	Progress  int         `json:"progress"`
	Step      string      `json:"step"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventDispatcher fans deck status transitions out to per-deck subscribers.
// Publishing never blocks; slow subscribers drop events and fall back to
// polling.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan StatusEvent
}

// NewEventDispatcher constructs an EventDispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[string]map[int64]*eventSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a watcher for one deck. The returned cancel func must be
// called when the watcher goes away; the stream closes when the context ends.
func (d *EventDispatcher) Subscribe(ctx context.Context, deckID string) (<-chan StatusEvent, func()) {
	if deckID == "" {
		ch := make(chan StatusEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &eventSubscriber{
		id:     d.nextSequence(),
		stream: make(chan StatusEvent, d.bufferSize),
	}

	d.mu.Lock()
	if d.subscribers[deckID] == nil {
		d.subscribers[deckID] = make(map[int64]*eventSubscriber)
	}
	d.subscribers[deckID][subscriber.id] = subscriber
	d.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			d.mu.Lock()
			if subs, ok := d.subscribers[deckID]; ok {
				delete(subs, subscriber.id)
				if len(subs) == 0 {
					delete(d.subscribers, deckID)
				}
			}
			d.mu.Unlock()
			close(subscriber.stream)
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return subscriber.stream, cancel
}

// PublishStatus implements the orchestrator's status publisher contract.
func (d *EventDispatcher) PublishStatus(deckID string, status deck.Status, progress int, step string) {
	event := StatusEvent{
		DeckID:    deckID,
		Status:    status,
		Progress:  progress,
		Step:      step,
		Timestamp: time.Now().UTC(),
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, subscriber := range d.subscribers[deckID] {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *EventDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

package service

import (
	"sync"
)

// AllBatches subscribes to events of every batch.
const AllBatches = "*"

type EventType string

const (
	EventItem     EventType = "item"
	EventProgress EventType = "progress"
	EventBatch    EventType = "batch"
)

type Event struct {
	Type      EventType `json:"type"`
	BatchID   string    `json:"batch_id"`
	ItemID    string    `json:"item_id,omitempty"`
	Status    string    `json:"status"`
	Attempt   int       `json:"attempt,omitempty"`
	Message   string    `json:"message,omitempty"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Total     int       `json:"total"`
}

type EventPublisher interface {
	Publish(batchID string, event Event)
}

type EventBus struct {
	subscribers map[string][]chan Event
	mu          sync.RWMutex
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]chan Event),
	}
}

// Subscribe returns a channel receiving events for batchID, or for every
// batch when batchID is AllBatches.
func (eb *EventBus) Subscribe(batchID string) chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan Event, 64)
	eb.subscribers[batchID] = append(eb.subscribers[batchID], ch)
	return ch
}

func (eb *EventBus) Unsubscribe(batchID string, ch chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.subscribers[batchID]
	for i, sub := range subs {
		if sub == ch {
			eb.subscribers[batchID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}

	if len(eb.subscribers[batchID]) == 0 {
		delete(eb.subscribers, batchID)
	}
}

// Publish never blocks; slow subscribers miss events.
func (eb *EventBus) Publish(batchID string, event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	event.BatchID = batchID
	for _, key := range []string{batchID, AllBatches} {
		for _, ch := range eb.subscribers[key] {
			select {
			case ch <- event:
			default:
			}
		}
	}
}

package services

import (
	"log/slog"
	"sync"
)

type EventType string

const (
	EventWorkOrderStarted    EventType = "workorder.started"
	EventWorkOrderCompleted  EventType = "workorder.completed"
	EventWorkOrderFailed     EventType = "workorder.failed"
	EventOperationClaimed    EventType = "operation.claimed"
	EventOperationDispatched EventType = "operation.dispatched"
	EventOperationCompleted  EventType = "operation.completed"
	EventOperationFailed     EventType = "operation.failed"
	EventOperationRecovered  EventType = "operation.recovered"
	EventStoryAdvanced       EventType = "story.advanced"
)

// BroadcastChannel is the well-known key for events not tied to one work
// order (queue ticks, recovery sweeps).
const BroadcastChannel = "__broadcast__"

// Event is a best-effort lifecycle notification. Delivery is never
// guaranteed: a dropped event must not affect the transition it describes.
type Event struct {
	WorkOrderID string
	Type        EventType
	Data        string // JSON payload
	Timestamp   int64
}

type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[string][]chan Event // key: work order id or BroadcastChannel
	global []chan Event
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]chan Event),
	}
}

// Subscribe returns a channel receiving events for one work order.
func (b *EventBus) Subscribe(workOrderID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 100) // buffered so publishers never block
	b.subs[workOrderID] = append(b.subs[workOrderID], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subscribers := b.subs[workOrderID]
		for i, sub := range subscribers {
			if sub == ch {
				close(ch)
				b.subs[workOrderID] = append(subscribers[:i], subscribers[i+1:]...)
				break
			}
		}
		if len(b.subs[workOrderID]) == 0 {
			delete(b.subs, workOrderID)
		}
	}

	return ch, unsub
}

// SubscribeGlobal returns a channel receiving every published event,
// whatever work order it belongs to.
func (b *EventBus) SubscribeGlobal() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 100)
	b.global = append(b.global, ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		for i, sub := range b.global {
			if sub == ch {
				close(ch)
				b.global = append(b.global[:i], b.global[i+1:]...)
				break
			}
		}
	}

	return ch, unsub
}

// Publish fans the event out to the work order's subscribers and every
// global subscriber. Full channels drop the event rather than block.
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[e.WorkOrderID] {
		select {
		case ch <- e:
		default:
			b.logger.Warn("event bus channel full, dropping event", "work_order_id", e.WorkOrderID, "type", e.Type)
		}
	}
	for _, ch := range b.global {
		select {
		case ch <- e:
		default:
			b.logger.Warn("event bus global channel full, dropping event", "work_order_id", e.WorkOrderID, "type", e.Type)
		}
	}
}

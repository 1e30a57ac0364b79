package notify

import (
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"sbom-orchestrator/core/models"
)

// Notification types
const (
	TypeGenerationScheduled    = "generation.scheduled"
	TypeGenerationStateChanged = "generation.state_changed"
	TypeEventStatusChanged     = "event.status_changed"
)

// Notification is published on the bus after the change it describes committed
type Notification interface {
	NotificationType() string
}

// GenerationScheduled is emitted for every generation the scheduler claimed
type GenerationScheduled struct {
	GenerationID string
	Generator    string
}

func (GenerationScheduled) NotificationType() string { return TypeGenerationScheduled }

// GenerationStateChanged is emitted after a controller moved a generation
type GenerationStateChanged struct {
	GenerationID string
	Status       models.GenerationStatus
	Result       models.GenerationResult
}

func (GenerationStateChanged) NotificationType() string { return TypeGenerationStateChanged }

// EventStatusChanged is emitted after an event status change
type EventStatusChanged struct {
	EventID string
	Status  models.EventStatus
}

func (EventStatusChanged) NotificationType() string { return TypeEventStatusChanged }

// Handler handles a notification. Handlers must not block on external calls.
type Handler func(Notification)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous in-process pub/sub bus
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string][]subscription
	nextID        atomic.Uint64
}

// NewBus creates a new bus
func NewBus() *Bus {
	return &Bus{subscriptions: make(map[string][]subscription)}
}

// Subscribe registers handler for a notification type and returns an id for Unsubscribe
func (b *Bus) Subscribe(notificationType string, handler Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID.Add(1)
	b.subscriptions[notificationType] = append(b.subscriptions[notificationType], subscription{id: id, handler: handler})
	return id
}

// Unsubscribe removes a subscription. Returns false if it was not found.
func (b *Bus) Unsubscribe(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for typ, subs := range b.subscriptions {
		for i, sub := range subs {
			if sub.id == id {
				b.subscriptions[typ] = append(subs[:i:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish dispatches n to every handler of its type in registration order.
// A panicking handler is logged and does not stop delivery.
func (b *Bus) Publish(n Notification) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subscriptions[n.NotificationType()]))
	copy(subs, b.subscriptions[n.NotificationType()])
	b.mu.RUnlock()

	for _, sub := range subs {
		b.safeCall(sub.handler, n)
	}
}

func (b *Bus) safeCall(handler Handler, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("notification", n.NotificationType()).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("notification handler panicked")
		}
	}()
	handler(n)
}

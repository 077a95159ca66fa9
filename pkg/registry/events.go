package registry

import (
	"sync"
	"time"

	"github.com/opencode-fleet/orchestrator/pkg/types"
)

// EventType names a registry mutation a subscriber can observe.
type EventType string

const (
	EventRegistered   EventType = "registered"
	EventUpdated      EventType = "updated"
	EventUnregistered EventType = "unregistered"
)

// Event is delivered to subscribers in the order mutations were
// committed to the in-memory registry.
type Event struct {
	Type      EventType
	WorkerID  string
	Instance  types.Instance
	Timestamp time.Time
}

// Subscriber is a channel that receives registry events.
type Subscriber chan Event

// broker fans registry events out to subscribers without letting a
// slow subscriber block the registry's own mutation path. publish is
// called while the registry's mutex is held, so delivery order always
// matches commit order; the non-blocking send below is what makes
// holding the lock safe.
type broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
}

func newBroker() *broker {
	return &broker{subscribers: make(map[Subscriber]bool)}
}

func (b *broker) subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

func (b *broker) unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

func (b *broker) publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// subscriber buffer full; events are best-effort for
			// observers, the registry itself is authoritative.
		}
	}
}

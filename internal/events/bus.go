package events

import (
	"sync"

	"github.com/google/uuid"

	"github.com/GitHangar/lightkeeper/internal/logger"
)

// OverflowPolicy decides what happens when a subscriber's queue is full.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest queued event to make room. Slow
	// consumers lose history but never stall the engine.
	DropOldest OverflowPolicy = iota

	// Block makes Publish wait until the subscriber drains. Use only
	// for consumers that must see every event.
	Block
)

// DefaultQueueSize is used when a subscriber asks for zero.
const DefaultQueueSize = 256

// Subscription is one consumer's queue on the bus.
type Subscription struct {
	// ID uniquely identifies the subscription for Unsubscribe.
	ID string

	// C delivers events in publish order (minus any dropped under
	// DropOldest).
	C <-chan Event

	ch     chan Event
	policy OverflowPolicy
}

// Bus fans events out to all current subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
	log    logger.Logger
}

// NewBus creates an empty bus.
func NewBus(log logger.Logger) *Bus {
	if log == nil {
		log = logger.Default()
	}
	return &Bus{
		subs: make(map[string]*Subscription),
		log:  log,
	}
}

// Subscribe registers a consumer with a bounded queue. queueSize 0 means
// DefaultQueueSize.
func (b *Bus) Subscribe(queueSize int, policy OverflowPolicy) *Subscription {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ch := make(chan Event, queueSize)
	sub := &Subscription{
		ID:     uuid.NewString(),
		C:      ch,
		ch:     ch,
		policy: policy,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish delivers the event to every subscriber according to its policy.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		switch sub.policy {
		case Block:
			sub.ch <- event
		default:
			for {
				select {
				case sub.ch <- event:
				default:
					// Queue full: evict the oldest and retry.
					select {
					case <-sub.ch:
						b.log.Debug("subscriber %s queue full, dropped oldest event", sub.ID)
					default:
					}
					continue
				}
				break
			}
		}
	}
}

// Close shuts the bus down; all subscriber channels are closed and further
// publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

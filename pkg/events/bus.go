// Package events implements the in-process balance-change bus. Subscribers
// receive events on buffered channels; a slow or failed subscriber never
// blocks or fails the publishing operation.
package events

import (
	"sync"

	"github.com/agrofin/capital-engine/pkg/pmodel"
)

// Wildcard subscribes to events for every pool.
const Wildcard = "*"

const subscriberBuffer = 64

// Subscription is the handle returned on registration. Events delivers the
// matching balance-change events until Unsubscribe is called.
type Subscription struct {
	bus    *Bus
	poolID string
	id     uint64
	ch     chan pmodel.BalanceChangeEvent
}

// Events returns the receive channel for this subscription.
func (s *Subscription) Events() <-chan pmodel.BalanceChangeEvent {
	return s.ch
}

// Unsubscribe removes the subscription and closes its channel. It is safe to
// call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
}

// Bus fans balance-change events out to in-process subscribers keyed by pool
// id, with a wildcard key matching every pool.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]*Subscription
	closed bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[uint64]*Subscription)}
}

// Subscribe registers for events on a single pool.
func (b *Bus) Subscribe(poolID string) *Subscription {
	return b.subscribe(poolID)
}

// SubscribeAll registers for events on every pool.
func (b *Bus) SubscribeAll() *Subscription {
	return b.subscribe(Wildcard)
}

func (b *Bus) subscribe(key string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		bus:    b,
		poolID: key,
		id:     b.nextID,
		ch:     make(chan pmodel.BalanceChangeEvent, subscriberBuffer),
	}

	if b.closed {
		close(sub.ch)
		return sub
	}

	if b.subs[key] == nil {
		b.subs[key] = make(map[uint64]*Subscription)
	}

	b.subs[key][sub.id] = sub

	return sub
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[s.poolID]
	if !ok {
		return
	}

	if _, ok := set[s.id]; !ok {
		return
	}

	delete(set, s.id)

	if len(set) == 0 {
		delete(b.subs, s.poolID)
	}

	close(s.ch)
}

// Publish delivers the event to exact-match and wildcard subscribers. Full
// subscriber buffers drop the event for that subscriber only.
func (b *Bus) Publish(event pmodel.BalanceChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, key := range []string{event.PoolID, Wildcard} {
		for _, sub := range b.subs[key] {
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for key, set := range b.subs {
		for _, sub := range set {
			close(sub.ch)
		}

		delete(b.subs, key)
	}
}

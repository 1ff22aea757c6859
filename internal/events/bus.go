package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

const inboxSize = 256

// Handle identifies one subscription returned by Subscribe. It is the
// "subscriptionHandle" of the component design; Close is idempotent.
type Handle struct {
	id  uint64
	bus *Bus
}

// Close unsubscribes and closes the handle's inbox. Safe to call more than
// once.
func (h Handle) Close() {
	h.bus.unsubscribe(h.id)
}

type subscriber struct {
	id      uint64
	inbox   chan Envelope
	filter  map[Type]struct{} // nil/empty = all types
	mu      sync.Mutex        // guards manual drop-oldest push below
	closed  bool
}

// Bus is the single-producer, multi-consumer Event Bus (C1). Publish never
// blocks the caller: a full subscriber inbox drops its oldest buffered
// envelope and increments a drop counter, rather than blocking the daemon.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	dropped uint64
	log     *slog.Logger
}

// NewBus constructs an empty Event Bus.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{subs: make(map[uint64]*subscriber), log: log}
}

// Subscribe registers a new subscription. filterSet may be nil or empty to
// receive every event type. The returned channel is the subscriber's
// bounded inbox; the returned Handle is used to Close it.
func (b *Bus) Subscribe(filterSet []Type) (<-chan Envelope, Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	var filter map[Type]struct{}
	if len(filterSet) > 0 {
		filter = make(map[Type]struct{}, len(filterSet))
		for _, t := range filterSet {
			filter[t] = struct{}{}
		}
	}

	sub := &subscriber{id: id, inbox: make(chan Envelope, inboxSize), filter: filter}
	b.subs[id] = sub
	return sub.inbox, Handle{id: id, bus: b}
}

// unsubscribe removes subscription id and closes its inbox; Handle.Close
// and Bus.Close both go through it.
func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.closed {
		sub.closed = true
		close(sub.inbox)
	}
}

// Publish delivers env to every subscriber whose filter accepts its type.
// Delivery order per subscriber is FIFO for accepted envelopes.
func (b *Bus) Publish(env Envelope) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if !accepts(sub.filter, env.Type) {
			continue
		}
		b.deliver(sub, env)
	}
}

func accepts(filter map[Type]struct{}, t Type) bool {
	if len(filter) == 0 {
		return true
	}
	_, ok := filter[t]
	return ok
}

// deliver is non-blocking: on a full inbox it drops the oldest buffered
// envelope to make room, rather than ever blocking the publisher.
func (b *Bus) deliver(sub *subscriber, env Envelope) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.inbox <- env:
		return
	default:
	}

	// Inbox full: drop the oldest buffered envelope, then push the new one.
	select {
	case <-sub.inbox:
		atomic.AddUint64(&b.dropped, 1)
		b.log.Warn("event bus: dropped oldest envelope for slow subscriber", "type", env.Type)
	default:
	}
	select {
	case sub.inbox <- env:
	default:
		// Raced with another publisher draining the same slot; drop this one.
		atomic.AddUint64(&b.dropped, 1)
	}
}

// DroppedCount returns the total number of envelopes dropped across all
// subscribers since the bus was created.
func (b *Bus) DroppedCount() uint64 {
	return atomic.LoadUint64(&b.dropped)
}

// Close unsubscribes and closes every live subscription. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.unsubscribe(id)
	}
}

package eventbus

import (
	"sync"
	"time"
)

// Handler consumes a single event. Handlers run synchronously on the
// emitter's goroutine, in subscription order.
type Handler func(Event)

// SubID identifies a subscription for later removal.
type SubID uint64

type subscriber struct {
	id SubID
	fn Handler
}

// Bus is an in-process typed publish/subscribe registry. There is no replay:
// subscribers registered after an emission never see it.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Type][]subscriber
	nextID SubID

	// OnPanic, when set, observes recovered subscriber panics. One
	// subscriber's failure never blocks the others.
	OnPanic func(t Type, recovered any)
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[Type][]subscriber)}
}

// Subscribe registers fn for events of type t and returns its id.
func (b *Bus) Subscribe(t Type, fn Handler) SubID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscriber{id: id, fn: fn})
	return id
}

// Unsubscribe removes the subscription with the given id, if present.
func (b *Bus) Unsubscribe(t Type, id SubID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[t]
	for i, s := range list {
		if s.id == id {
			b.subs[t] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Emit synchronously invokes all current subscribers for e.Type in
// registration order, each in isolation.
func (b *Bus) Emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	list := make([]subscriber, len(b.subs[e.Type]))
	copy(list, b.subs[e.Type])
	b.mu.RUnlock()

	for _, s := range list {
		b.invoke(e, s)
	}
}

// Publish is shorthand for Emit with just a type and payload.
func (b *Bus) Publish(t Type, payload any) {
	b.Emit(Event{Type: t, Payload: payload})
}

func (b *Bus) invoke(e Event, s subscriber) {
	defer func() {
		if r := recover(); r != nil {
			if b.OnPanic != nil {
				b.OnPanic(e.Type, r)
			}
		}
	}()
	s.fn(e)
}

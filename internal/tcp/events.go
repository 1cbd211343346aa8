package tcp

import (
	"sync"
	"sync/atomic"
)

// EventKind classifies an engine Event.
type EventKind uint8

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventDialFailed
	EventHandshakeFailed
	EventRejected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventDialFailed:
		return "dial_failed"
	case EventHandshakeFailed:
		return "handshake_failed"
	case EventRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Event reports the outcome of asynchronous engine work.
type Event struct {
	Kind EventKind
	Addr string
	Side ConnectionSide
	Err  error
}

const subscriberBuffer = 256

// eventBus fans events out to subscribers without ever blocking the
// publishing goroutine; a slow subscriber loses events.
type eventBus struct {
	mu      sync.Mutex
	subs    map[uint64]chan Event
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[uint64]chan Event)}
}

func (b *eventBus) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

func (b *eventBus) emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

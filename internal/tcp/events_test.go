package tcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusFanOut(t *testing.T) {
	b := newEventBus()
	first, cancelFirst := b.subscribe()
	second, cancelSecond := b.subscribe()
	defer cancelSecond()

	b.emit(Event{Kind: EventConnected, Addr: "10.0.0.1:4130"})
	assert.Equal(t, EventConnected, (<-first).Kind)
	assert.Equal(t, "10.0.0.1:4130", (<-second).Addr)

	cancelFirst()
	cancelFirst()
	_, ok := <-first
	assert.False(t, ok)

	b.emit(Event{Kind: EventDisconnected})
	assert.Equal(t, EventDisconnected, (<-second).Kind)
}

func TestEventBusDropsForSlowSubscriber(t *testing.T) {
	b := newEventBus()
	_, cancel := b.subscribe()
	defer cancel()
	for i := 0; i < subscriberBuffer+10; i++ {
		b.emit(Event{Kind: EventRejected})
	}
	assert.Equal(t, uint64(10), b.dropped.Load())
}

func TestEventBusClose(t *testing.T) {
	b := newEventBus()
	ch, cancel := b.subscribe()
	b.close()
	_, ok := <-ch
	assert.False(t, ok)
	cancel()

	late, _ := b.subscribe()
	_, ok = <-late
	require.False(t, ok, "subscribing after close yields a closed channel")
	b.emit(Event{Kind: EventConnected})
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "handshake_failed", EventHandshakeFailed.String())
	assert.Equal(t, "unknown", EventKind(99).String())
}

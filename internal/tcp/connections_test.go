package tcp

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConn(addr string) *Connection {
	return newConnection(context.Background(), addr, Initiator, nil, time.Now(), 0)
}

func TestConnectionsLifecycleCounters(t *testing.T) {
	r := newConnections(10)
	c := testConn("10.0.0.1:4130")

	require.NoError(t, r.reserve(c))
	assert.Equal(t, 1, r.numConnecting())
	assert.Equal(t, 0, r.numConnected())

	require.True(t, r.promote(c))
	assert.Equal(t, 0, r.numConnecting())
	assert.Equal(t, 1, r.numConnected())
	assert.Equal(t, Connected, c.State())

	rm, ok := r.remove(c)
	require.True(t, ok)
	assert.Equal(t, Connected, rm.prev)
	assert.Equal(t, 0, r.numConnecting()+r.numConnected())
	assert.Equal(t, Disconnected, c.State())
	assert.Error(t, c.Context().Err())

	_, ok = r.remove(c)
	assert.False(t, ok, "second removal must be a no-op")
}

func TestConnectionsRejectDuplicates(t *testing.T) {
	r := newConnections(10)
	first := testConn("10.0.0.1:4130")
	require.NoError(t, r.reserve(first))

	assert.ErrorIs(t, r.reserve(testConn("10.0.0.1:4130")), ErrAlreadyConnecting)

	require.True(t, r.promote(first))
	assert.ErrorIs(t, r.reserve(testConn("10.0.0.1:4130")), ErrAlreadyConnected)

	// Same host, different port is a different socket.
	assert.NoError(t, r.reserve(testConn("10.0.0.1:50000")))
	assert.Equal(t, 1, r.numConnected())
	assert.Equal(t, 1, r.numConnecting())
}

func TestConnectionsMaxConnections(t *testing.T) {
	r := newConnections(2)
	require.NoError(t, r.reserve(testConn("10.0.0.1:1")))
	require.NoError(t, r.reserve(testConn("10.0.0.1:2")))
	assert.ErrorIs(t, r.reserve(testConn("10.0.0.1:3")), ErrMaxConnections)
}

func TestConnectionsPromoteAfterRemovalFails(t *testing.T) {
	r := newConnections(10)
	c := testConn("10.0.0.1:4130")
	require.NoError(t, r.reserve(c))
	_, ok := r.remove(c)
	require.True(t, ok)

	assert.False(t, r.promote(c))
	assert.Equal(t, 0, r.numConnected())
	assert.Error(t, c.SetSession("late"), "no side effects after cancellation")
}

func TestConnectionsStaleRemovalKeepsNewEntry(t *testing.T) {
	r := newConnections(10)
	old := testConn("10.0.0.1:4130")
	require.NoError(t, r.reserve(old))
	_, ok := r.remove(old)
	require.True(t, ok)

	fresh := testConn("10.0.0.1:4130")
	require.NoError(t, r.reserve(fresh))
	_, ok = r.remove(old)
	assert.False(t, ok)
	assert.Same(t, fresh, r.lookup("10.0.0.1:4130"))
}

func TestConnectionsConcurrentReservations(t *testing.T) {
	const workers = 64
	r := newConnections(workers / 2)

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := testConn(fmt.Sprintf("10.0.%d.1:4130", i))
			if err := r.reserve(c); err != nil {
				errs <- err
				return
			}
			r.promote(c)
		}(i)
	}
	wg.Wait()
	close(errs)

	rejected := 0
	for err := range errs {
		assert.ErrorIs(t, err, ErrMaxConnections)
		rejected++
	}
	assert.Equal(t, workers/2, rejected)
	assert.Equal(t, workers/2, r.numConnected())
	assert.Equal(t, 0, r.numConnecting())
	assert.Len(t, r.addrs(true), workers/2)
}

package tcp

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKnownPeersObserveTimestamps(t *testing.T) {
	clk := clock.NewMock()
	kp := NewKnownPeers(clk)

	kp.Observe("10.0.0.1:4130")
	first := clk.Now()
	clk.Add(time.Minute)
	kp.Observe("10.0.0.1:4130")

	snap, ok := kp.Get("10.0.0.1:4130")
	require.True(t, ok)
	assert.True(t, snap.FirstSeen.Equal(first))
	assert.True(t, snap.LastSeen.Equal(first.Add(time.Minute)))
	assert.False(t, snap.Restricted)
}

func TestKnownPeersRestriction(t *testing.T) {
	kp := NewKnownPeers(clock.NewMock())

	kp.Restrict("10.0.0.1:4130")
	assert.True(t, kp.IsRestricted("10.0.0.1:4130"))
	assert.False(t, kp.IsRestricted("10.0.0.1:4131"))

	kp.Restrict("10.0.0.2")
	assert.True(t, kp.IsRestricted("10.0.0.2:4130"))
	assert.True(t, kp.IsRestricted("10.0.0.2:55555"))

	kp.Unrestrict("10.0.0.1:4130")
	assert.False(t, kp.IsRestricted("10.0.0.1:4130"))

	// Unrestricting never removes the entry.
	_, ok := kp.Get("10.0.0.1:4130")
	assert.True(t, ok)
}

func TestKnownPeersFailuresDoNotRestrict(t *testing.T) {
	kp := NewKnownPeers(clock.NewMock())
	for i := 0; i < 5; i++ {
		kp.RegisterFailure("10.0.0.1:4130")
	}
	snap, ok := kp.Get("10.0.0.1:4130")
	require.True(t, ok)
	assert.Equal(t, uint64(5), snap.Failures)
	assert.False(t, snap.Restricted)
}

func TestKnownPeersTraffic(t *testing.T) {
	kp := NewKnownPeers(clock.NewMock())
	kp.RegisterSent("10.0.0.1:4130", 10)
	kp.RegisterSent("10.0.0.1:4130", 5)
	kp.RegisterReceived("10.0.0.1:4130", 7)

	snap, _ := kp.Get("10.0.0.1:4130")
	assert.Equal(t, uint64(2), snap.MessagesSent)
	assert.Equal(t, uint64(15), snap.BytesSent)
	assert.Equal(t, uint64(1), snap.MessagesReceived)
	assert.Equal(t, uint64(7), snap.BytesReceived)

	assert.Eventually(t, func() bool {
		snap, _ := kp.Get("10.0.0.1:4130")
		return snap.SendRate > 0 && snap.ReceiveRate > 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestKnownPeersConcurrentAccess(t *testing.T) {
	kp := NewKnownPeers(nil)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr := fmt.Sprintf("10.0.0.%d:4130", i%8)
			for j := 0; j < 100; j++ {
				kp.Observe(addr)
				kp.RegisterReceived(addr, 1)
				_ = kp.IsRestricted(addr)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 8, kp.Len())
	var total uint64
	for _, snap := range kp.Snapshot() {
		total += snap.MessagesReceived
	}
	assert.Equal(t, uint64(32*100), total)
}

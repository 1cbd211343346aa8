package tcp

import (
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaturatingAdd(t *testing.T) {
	var v atomic.Uint64
	v.Store(math.MaxUint64 - 1)
	saturatingAdd(&v, 10)
	assert.Equal(t, uint64(math.MaxUint64), v.Load())
	saturatingAdd(&v, 1)
	assert.Equal(t, uint64(math.MaxUint64), v.Load())
}

func TestStatsSnapshot(t *testing.T) {
	now := time.Now()
	s := newStats(now)
	s.RegisterSent(100)
	s.RegisterReceived(40)
	s.RegisterReceived(2)
	s.RegisterAccepted()
	s.RegisterInitiated()
	s.RegisterClosed()
	s.RegisterHandshakeFailure()
	s.RegisterRejected()

	snap := s.Snapshot()
	assert.Equal(t, now, snap.Created)
	assert.Equal(t, uint64(1), snap.MessagesSent)
	assert.Equal(t, uint64(100), snap.BytesSent)
	assert.Equal(t, uint64(2), snap.MessagesReceived)
	assert.Equal(t, uint64(42), snap.BytesReceived)
	assert.Equal(t, uint64(1), snap.Accepted)
	assert.Equal(t, uint64(1), snap.Initiated)
	assert.Equal(t, uint64(1), snap.Closed)
	assert.Equal(t, uint64(1), snap.HandshakeFailures)
	assert.Equal(t, uint64(1), snap.Rejected)
}

func TestStatsCollector(t *testing.T) {
	s := newStats(time.Now())
	s.RegisterSent(3)
	c := newStatsCollector(s, prometheus.Labels{"name": "test"})
	assert.Equal(t, 11, testutil.CollectAndCount(c))

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "tcp_bytes_sent_total" {
			assert.Equal(t, 3.0, mf.GetMetric()[0].GetCounter().GetValue())
			return
		}
	}
	t.Fatal("tcp_bytes_sent_total not exported")
}

func TestStatsByteRates(t *testing.T) {
	s := newStats(time.Now())
	s.RegisterSent(4096)
	s.RegisterReceived(1024)

	assert.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.SendRate > 0 && snap.ReceiveRate > 0
	}, 5*time.Second, 50*time.Millisecond)
}

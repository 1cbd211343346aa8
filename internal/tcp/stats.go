package tcp

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-flow-metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// saturatingAdd adds n to v, sticking at the maximum instead of wrapping.
func saturatingAdd(v *atomic.Uint64, n uint64) {
	for {
		old := v.Load()
		next := old + n
		if next < old {
			next = math.MaxUint64
		}
		if old == next || v.CompareAndSwap(old, next) {
			return
		}
	}
}

// Stats holds the engine-wide traffic and connection counters.
type Stats struct {
	created time.Time

	msgsSent          atomic.Uint64
	bytesSent         atomic.Uint64
	msgsReceived      atomic.Uint64
	bytesReceived     atomic.Uint64
	accepted          atomic.Uint64
	initiated         atomic.Uint64
	closed            atomic.Uint64
	handshakeFailures atomic.Uint64
	rejected          atomic.Uint64

	// Byte rates, smoothed over a few seconds.
	sendRate *flow.Meter
	recvRate *flow.Meter
}

// StatsSnapshot is a copy of the counters at one instant.
type StatsSnapshot struct {
	Created           time.Time
	MessagesSent      uint64
	BytesSent         uint64
	MessagesReceived  uint64
	BytesReceived     uint64
	Accepted          uint64
	Initiated         uint64
	Closed            uint64
	HandshakeFailures uint64
	Rejected          uint64
	// SendRate and ReceiveRate are in bytes per second.
	SendRate    float64
	ReceiveRate float64
}

func newStats(now time.Time) *Stats {
	return &Stats{created: now, sendRate: flow.NewMeter(), recvRate: flow.NewMeter()}
}

func (s *Stats) RegisterSent(bytes int) {
	saturatingAdd(&s.msgsSent, 1)
	saturatingAdd(&s.bytesSent, uint64(bytes))
	s.sendRate.Mark(uint64(bytes))
}

func (s *Stats) RegisterReceived(bytes int) {
	saturatingAdd(&s.msgsReceived, 1)
	saturatingAdd(&s.bytesReceived, uint64(bytes))
	s.recvRate.Mark(uint64(bytes))
}

func (s *Stats) RegisterAccepted()         { saturatingAdd(&s.accepted, 1) }
func (s *Stats) RegisterInitiated()        { saturatingAdd(&s.initiated, 1) }
func (s *Stats) RegisterClosed()           { saturatingAdd(&s.closed, 1) }
func (s *Stats) RegisterHandshakeFailure() { saturatingAdd(&s.handshakeFailures, 1) }
func (s *Stats) RegisterRejected()         { saturatingAdd(&s.rejected, 1) }

// Snapshot copies every counter. Counters are read one by one, so the copy
// is not atomic across fields.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Created:           s.created,
		MessagesSent:      s.msgsSent.Load(),
		BytesSent:         s.bytesSent.Load(),
		MessagesReceived:  s.msgsReceived.Load(),
		BytesReceived:     s.bytesReceived.Load(),
		Accepted:          s.accepted.Load(),
		Initiated:         s.initiated.Load(),
		Closed:            s.closed.Load(),
		HandshakeFailures: s.handshakeFailures.Load(),
		Rejected:          s.rejected.Load(),
		SendRate:          s.sendRate.Snapshot().Rate,
		ReceiveRate:       s.recvRate.Snapshot().Rate,
	}
}

// statsCollector exposes Stats as prometheus counters, plus the byte rates
// as gauges.
type statsCollector struct {
	stats   *Stats
	metrics []statsMetric
}

type statsMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	read      func(StatsSnapshot) float64
}

func newStatsCollector(stats *Stats, labels prometheus.Labels) *statsCollector {
	c := &statsCollector{stats: stats}
	add := func(name, help string, vt prometheus.ValueType, read func(StatsSnapshot) float64) {
		c.metrics = append(c.metrics, statsMetric{
			desc:      prometheus.NewDesc(prometheus.BuildFQName("tcp", "", name), help, nil, labels),
			valueType: vt,
			read:      read,
		})
	}
	counter := func(name, help string, read func(StatsSnapshot) uint64) {
		add(name, help, prometheus.CounterValue, func(s StatsSnapshot) float64 { return float64(read(s)) })
	}
	counter("messages_sent_total", "Messages written to peers.", func(s StatsSnapshot) uint64 { return s.MessagesSent })
	counter("bytes_sent_total", "Bytes written to peers.", func(s StatsSnapshot) uint64 { return s.BytesSent })
	counter("messages_received_total", "Messages read from peers.", func(s StatsSnapshot) uint64 { return s.MessagesReceived })
	counter("bytes_received_total", "Bytes read from peers.", func(s StatsSnapshot) uint64 { return s.BytesReceived })
	counter("connections_accepted_total", "Inbound sockets accepted.", func(s StatsSnapshot) uint64 { return s.Accepted })
	counter("connections_initiated_total", "Outbound sockets dialed.", func(s StatsSnapshot) uint64 { return s.Initiated })
	counter("connections_closed_total", "Sockets torn down.", func(s StatsSnapshot) uint64 { return s.Closed })
	counter("handshake_failures_total", "Failed or timed out handshakes.", func(s StatsSnapshot) uint64 { return s.HandshakeFailures })
	counter("connections_rejected_total", "Attempts refused before any protocol ran.", func(s StatsSnapshot) uint64 { return s.Rejected })
	add("send_bytes_per_second", "Smoothed outbound byte rate.", prometheus.GaugeValue, func(s StatsSnapshot) float64 { return s.SendRate })
	add("receive_bytes_per_second", "Smoothed inbound byte rate.", prometheus.GaugeValue, func(s StatsSnapshot) float64 { return s.ReceiveRate })
	return c
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.stats.Snapshot()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.valueType, m.read(snap))
	}
}

package tcp

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
	"github.com/libp2p/go-flow-metrics"
)

const knownPeerShards = 16

// PeerStats is the bookkeeping kept for one remote address. All fields are
// atomics so readers never wait on writers of the same entry.
type PeerStats struct {
	firstSeen  atomic.Int64
	lastSeen   atomic.Int64
	restricted atomic.Bool
	failures   atomic.Uint64
	msgsSent   atomic.Uint64
	bytesSent  atomic.Uint64
	msgsRecv   atomic.Uint64
	bytesRecv  atomic.Uint64
	sendRate   flow.Meter
	recvRate   flow.Meter
}

// PeerSnapshot is a point-in-time copy of a PeerStats entry.
type PeerSnapshot struct {
	Addr             string
	FirstSeen        time.Time
	LastSeen         time.Time
	Restricted       bool
	Failures         uint64
	MessagesSent     uint64
	BytesSent        uint64
	MessagesReceived uint64
	BytesReceived    uint64
	// SendRate and ReceiveRate are smoothed bytes per second.
	SendRate    float64
	ReceiveRate float64
}

type peerShard struct {
	mu    sync.RWMutex
	peers map[string]*PeerStats
}

// KnownPeers records every remote address the engine has seen. Entries live
// for the lifetime of the engine; only their flags and counters change.
//
// Keys are usually host:port. A bare host is also accepted, which is how a
// whole IP gets restricted.
type KnownPeers struct {
	clock  clock.Clock
	shards [knownPeerShards]peerShard
}

// NewKnownPeers creates an empty set using clk for timestamps.
func NewKnownPeers(clk clock.Clock) *KnownPeers {
	if clk == nil {
		clk = clock.New()
	}
	kp := &KnownPeers{clock: clk}
	for i := range kp.shards {
		kp.shards[i].peers = make(map[string]*PeerStats)
	}
	return kp
}

func (kp *KnownPeers) shard(addr string) *peerShard {
	return &kp.shards[xxhash.Sum64String(addr)%knownPeerShards]
}

func (kp *KnownPeers) find(addr string) *PeerStats {
	s := kp.shard(addr)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[addr]
}

// entry returns the stats for addr, creating them on first use.
func (kp *KnownPeers) entry(addr string) *PeerStats {
	if e := kp.find(addr); e != nil {
		return e
	}
	s := kp.shard(addr)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.peers[addr]; ok {
		return e
	}
	e := &PeerStats{}
	now := kp.clock.Now().UnixNano()
	e.firstSeen.Store(now)
	e.lastSeen.Store(now)
	s.peers[addr] = e
	return e
}

// Observe records that addr was seen now.
func (kp *KnownPeers) Observe(addr string) {
	kp.entry(addr).lastSeen.Store(kp.clock.Now().UnixNano())
}

// Restrict bans addr. Connections from or to it are refused before any
// protocol stage runs.
func (kp *KnownPeers) Restrict(addr string) {
	kp.entry(addr).restricted.Store(true)
}

// Unrestrict lifts a ban placed with Restrict.
func (kp *KnownPeers) Unrestrict(addr string) {
	if e := kp.find(addr); e != nil {
		e.restricted.Store(false)
	}
}

// IsRestricted reports whether addr, or the host part of addr, is banned.
func (kp *KnownPeers) IsRestricted(addr string) bool {
	if e := kp.find(addr); e != nil && e.restricted.Load() {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	e := kp.find(host)
	return e != nil && e.restricted.Load()
}

// RegisterFailure counts a failed connection attempt. It never restricts.
func (kp *KnownPeers) RegisterFailure(addr string) {
	e := kp.entry(addr)
	saturatingAdd(&e.failures, 1)
	e.lastSeen.Store(kp.clock.Now().UnixNano())
}

// RegisterSent accounts one message of n bytes written to addr.
func (kp *KnownPeers) RegisterSent(addr string, n int) {
	e := kp.entry(addr)
	saturatingAdd(&e.msgsSent, 1)
	saturatingAdd(&e.bytesSent, uint64(n))
	e.sendRate.Mark(uint64(n))
}

// RegisterReceived accounts one message of n bytes read from addr.
func (kp *KnownPeers) RegisterReceived(addr string, n int) {
	e := kp.entry(addr)
	saturatingAdd(&e.msgsRecv, 1)
	saturatingAdd(&e.bytesRecv, uint64(n))
	e.recvRate.Mark(uint64(n))
	e.lastSeen.Store(kp.clock.Now().UnixNano())
}

// Get returns a snapshot of addr's entry.
func (kp *KnownPeers) Get(addr string) (PeerSnapshot, bool) {
	e := kp.find(addr)
	if e == nil {
		return PeerSnapshot{}, false
	}
	return e.snapshot(addr), true
}

// Len returns the number of known addresses.
func (kp *KnownPeers) Len() int {
	n := 0
	for i := range kp.shards {
		s := &kp.shards[i]
		s.mu.RLock()
		n += len(s.peers)
		s.mu.RUnlock()
	}
	return n
}

// Snapshot copies every entry, ordered by address.
func (kp *KnownPeers) Snapshot() []PeerSnapshot {
	var out []PeerSnapshot
	for i := range kp.shards {
		s := &kp.shards[i]
		s.mu.RLock()
		for addr, e := range s.peers {
			out = append(out, e.snapshot(addr))
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

func (e *PeerStats) snapshot(addr string) PeerSnapshot {
	return PeerSnapshot{
		Addr:             addr,
		FirstSeen:        time.Unix(0, e.firstSeen.Load()),
		LastSeen:         time.Unix(0, e.lastSeen.Load()),
		Restricted:       e.restricted.Load(),
		Failures:         e.failures.Load(),
		MessagesSent:     e.msgsSent.Load(),
		BytesSent:        e.bytesSent.Load(),
		MessagesReceived: e.msgsRecv.Load(),
		BytesReceived:    e.bytesRecv.Load(),
		SendRate:         e.sendRate.Snapshot().Rate,
		ReceiveRate:      e.recvRate.Snapshot().Rate,
	}
}

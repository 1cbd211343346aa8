package tcp

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const registryShards = 32

// connCounts packs the connecting count in the high 32 bits and the
// connected count in the low 32 bits, so one atomic add moves an entry
// between the two sets.
type connCounts struct {
	v atomic.Uint64
}

func (c *connCounts) add(connecting, connected int32) {
	c.v.Add(uint64(int64(connecting)<<32 + int64(connected)))
}

func (c *connCounts) load() (connecting, connected int) {
	v := c.v.Load()
	return int(v >> 32), int(uint32(v))
}

// reserve adds one connecting entry unless the total would exceed max.
func (c *connCounts) reserve(max int) bool {
	for {
		v := c.v.Load()
		if int(v>>32)+int(uint32(v)) >= max {
			return false
		}
		if c.v.CompareAndSwap(v, v+1<<32) {
			return true
		}
	}
}

type connShard struct {
	mu         sync.Mutex
	connecting map[string]*Connection
	connected  map[string]*Connection
}

// connections is the registry of live connections of one engine. Entries
// are spread over shards by address so unrelated peers never share a lock.
type connections struct {
	shards [registryShards]connShard
	counts connCounts
	max    int
}

func newConnections(max int) *connections {
	r := &connections{max: max}
	for i := range r.shards {
		r.shards[i].connecting = make(map[string]*Connection)
		r.shards[i].connected = make(map[string]*Connection)
	}
	return r
}

func (r *connections) shard(addr string) *connShard {
	return &r.shards[xxhash.Sum64String(addr)%registryShards]
}

// reserve inserts c into the connecting set.
func (r *connections) reserve(c *Connection) error {
	s := r.shard(c.addr)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.connected[c.addr]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, c.addr)
	}
	if _, ok := s.connecting[c.addr]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyConnecting, c.addr)
	}
	if !r.counts.reserve(r.max) {
		return fmt.Errorf("%w: limit is %d", ErrMaxConnections, r.max)
	}
	s.connecting[c.addr] = c
	return nil
}

// promote moves c from the connecting to the connected set. It fails if c
// is no longer the registered entry or was cancelled.
func (r *connections) promote(c *Connection) bool {
	s := r.shard(c.addr)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connecting[c.addr] != c || !c.promote() {
		return false
	}
	delete(s.connecting, c.addr)
	s.connected[c.addr] = c
	r.counts.add(-1, 1)
	return true
}

// remove evicts c and marks it Disconnected in one critical section. The
// returned bool is false if another caller already removed it.
func (r *connections) remove(c *Connection) (removal, bool) {
	s := r.shard(c.addr)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, conn, ok := c.terminate()
	if !ok {
		return removal{}, false
	}
	switch {
	case s.connecting[c.addr] == c:
		delete(s.connecting, c.addr)
		r.counts.add(-1, 0)
	case s.connected[c.addr] == c:
		delete(s.connected, c.addr)
		r.counts.add(0, -1)
	}
	return removal{prev: prev, conn: conn}, true
}

type removal struct {
	prev State
	conn net.Conn
}

// lookup returns the entry registered under addr in either set.
func (r *connections) lookup(addr string) *Connection {
	s := r.shard(addr)
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.connected[addr]; ok {
		return c
	}
	return s.connecting[addr]
}

func (r *connections) connected(addr string) *Connection {
	s := r.shard(addr)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected[addr]
}

func (r *connections) isConnecting(addr string) bool {
	s := r.shard(addr)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.connecting[addr]
	return ok
}

func (r *connections) numConnecting() int {
	n, _ := r.counts.load()
	return n
}

func (r *connections) numConnected() int {
	_, n := r.counts.load()
	return n
}

func (r *connections) connectedConns() []*Connection {
	var out []*Connection
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for _, c := range s.connected {
			out = append(out, c)
		}
		s.mu.Unlock()
	}
	return out
}

func (r *connections) all() []*Connection {
	var out []*Connection
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for _, c := range s.connecting {
			out = append(out, c)
		}
		for _, c := range s.connected {
			out = append(out, c)
		}
		s.mu.Unlock()
	}
	return out
}

func (r *connections) addrs(connected bool) []string {
	var out []string
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		set := s.connecting
		if connected {
			set = s.connected
		}
		for addr := range set {
			out = append(out, addr)
		}
		s.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

package tcp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnectionSide tells which end of the socket we are.
type ConnectionSide uint8

const (
	// Initiator is the side that dialed.
	Initiator ConnectionSide = iota
	// Responder is the side that accepted.
	Responder
)

func (s ConnectionSide) String() string {
	switch s {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// State is the lifecycle state of a Connection.
type State int32

const (
	Connecting State = iota
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type outbound struct {
	msg    any
	result chan error
}

// Connection is one socket tracked by the engine, from the moment it is
// reserved in the registry until it is torn down.
type Connection struct {
	id      uuid.UUID
	addr    string
	side    ConnectionSide
	created time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// outbound is nil when the Writing protocol is not enabled.
	outbound chan *outbound

	mu      sync.Mutex
	state   State
	conn    net.Conn
	session any
	// OnConnect/OnDisconnect sequencing.
	inOnConnect       bool
	pendingDisconnect bool
}

func newConnection(parent context.Context, addr string, side ConnectionSide, conn net.Conn, now time.Time, queueDepth int) *Connection {
	ctx, cancel := context.WithCancel(parent)
	c := &Connection{
		id:      uuid.New(),
		addr:    addr,
		side:    side,
		created: now,
		ctx:     ctx,
		cancel:  cancel,
		state:   Connecting,
		conn:    conn,
	}
	if queueDepth > 0 {
		c.outbound = make(chan *outbound, queueDepth)
	}
	return c
}

// ID is unique per Connection object, even across reconnects to one address.
func (c *Connection) ID() uuid.UUID { return c.id }

// Addr returns the remote socket address the connection is registered under.
func (c *Connection) Addr() string { return c.addr }

// Side reports whether we dialed or accepted.
func (c *Connection) Side() ConnectionSide { return c.side }

// CreatedAt returns when the connection entered the registry.
func (c *Connection) CreatedAt() time.Time { return c.created }

// Context is cancelled when the connection is torn down.
func (c *Connection) Context() context.Context { return c.ctx }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Conn returns the raw socket. It is nil while an outbound dial is in flight.
// Protocol stages must not close it; the engine does that on teardown.
func (c *Connection) Conn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Session returns whatever the handshake attached with SetSession.
func (c *Connection) Session() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SetSession attaches negotiated state. It only succeeds while the
// connection is still connecting.
func (c *Connection) SetSession(session any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connecting || c.ctx.Err() != nil {
		return fmt.Errorf("%w: %s is %s", ErrNotConnected, c.addr, c.state)
	}
	c.session = session
	return nil
}

func (c *Connection) String() string {
	return fmt.Sprintf("%s(%s, %s)", c.addr, c.side, c.id)
}

// push queues out for the writer. It refuses once the connection is
// disconnected; terminate takes the same lock, so every accepted push is
// visible to the final drain.
func (c *Connection) push(out *outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Disconnected {
		return fmt.Errorf("%w: %s", ErrNotConnected, c.addr)
	}
	select {
	case c.outbound <- out:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrOutboundQueueFull, c.addr)
	}
}

// attach hands a freshly dialed socket to the connection. It fails if the
// connection was torn down during the dial.
func (c *Connection) attach(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connecting {
		return false
	}
	c.conn = conn
	return true
}

// promote moves Connecting to Connected. Callers hold the registry shard lock.
func (c *Connection) promote() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connecting || c.ctx.Err() != nil {
		return false
	}
	c.state = Connected
	return true
}

// terminate moves the connection to Disconnected and cancels its context.
// Callers hold the registry shard lock. It returns the previous state and
// the socket to close, if any.
func (c *Connection) terminate() (State, net.Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Disconnected {
		return Disconnected, nil, false
	}
	prev := c.state
	c.state = Disconnected
	c.cancel()
	conn := c.conn
	return prev, conn, true
}

// beginOnConnect marks the OnConnect hook as running. It fails when the
// connection is already gone.
func (c *Connection) beginOnConnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected {
		return false
	}
	c.inOnConnect = true
	return true
}

// endOnConnect reports whether a teardown happened while OnConnect ran, in
// which case the caller owes the OnDisconnect hook.
func (c *Connection) endOnConnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inOnConnect = false
	pending := c.pendingDisconnect
	c.pendingDisconnect = false
	return pending
}

// deferDisconnect is called by teardown. It returns true when OnConnect is
// still running and the OnDisconnect hook will be run by it instead.
func (c *Connection) deferDisconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inOnConnect {
		c.pendingDisconnect = true
		return true
	}
	return false
}

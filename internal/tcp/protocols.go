package tcp

import (
	"context"
	"io"
)

// Handshake negotiates over a freshly established socket before it is
// trusted. It runs while the connection is still connecting, under the
// engine's HandshakeTimeout; ctx is cancelled if the connection is torn
// down meanwhile. Use c.Conn() for I/O and c.SetSession to keep whatever
// was negotiated. Returning an error evicts the connection.
type Handshake interface {
	PerformHandshake(ctx context.Context, c *Connection) error
}

// MessageReader decodes one message at a time from a connection's stream.
type MessageReader interface {
	ReadMessage() (any, error)
}

// MessageWriter encodes one message at a time into a connection's stream.
type MessageWriter interface {
	WriteMessage(msg any) error
}

// Reading turns a connected stream into messages. NewMessageReader is
// called once per connection; ProcessMessage once per decoded message, from
// the connection's reader goroutine. An error from either evicts the
// connection.
type Reading interface {
	NewMessageReader(c *Connection, r io.Reader) MessageReader
	ProcessMessage(ctx context.Context, c *Connection, msg any) error
}

// Writing encodes messages queued with Unicast or Broadcast.
// NewMessageWriter is called once per connection.
type Writing interface {
	NewMessageWriter(c *Connection, w io.Writer) MessageWriter
}

// OnConnect is notified once a connection has been promoted and its
// streams are running.
type OnConnect interface {
	OnConnect(c *Connection)
}

// OnDisconnect is notified once for every connection that had a socket,
// whether it was ever promoted or not. It never runs concurrently with the
// same connection's OnConnect.
type OnDisconnect interface {
	OnDisconnect(c *Connection)
}

// protocols is the sparse set of enabled stages. A nil field means the
// stage is skipped entirely.
type protocols struct {
	handshake    Handshake
	reading      Reading
	writing      Writing
	onConnect    OnConnect
	onDisconnect OnDisconnect
}

package tcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// lineCodec frames messages as newline-terminated strings.
type lineCodec struct {
	received chan string
}

func newLineCodec() *lineCodec {
	return &lineCodec{received: make(chan string, 64)}
}

type lineReader struct{ r *bufio.Reader }

func (l lineReader) ReadMessage() (any, error) {
	s, err := l.r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	return strings.TrimSuffix(s, "\n"), nil
}

type lineWriter struct{ w io.Writer }

func (l lineWriter) WriteMessage(msg any) error {
	_, err := fmt.Fprintf(l.w, "%v\n", msg)
	return err
}

func (lc *lineCodec) NewMessageReader(_ *Connection, r io.Reader) MessageReader {
	return lineReader{r: bufio.NewReader(r)}
}

func (lc *lineCodec) ProcessMessage(_ context.Context, _ *Connection, msg any) error {
	s := msg.(string)
	switch s {
	case "panic":
		panic("hostile message")
	case "bye":
		return errors.New("peer said bye")
	}
	select {
	case lc.received <- s:
	default:
	}
	return nil
}

func (lc *lineCodec) NewMessageWriter(_ *Connection, w io.Writer) MessageWriter {
	return lineWriter{w: w}
}

type handshakeMode int

const (
	handshakeToken handshakeMode = iota
	handshakeFail
	handshakeBlock
)

const token = "tcp!"

// testHandshake swaps a fixed token in both directions.
type testHandshake struct {
	mode  handshakeMode
	calls atomic.Int32
}

func (h *testHandshake) PerformHandshake(_ context.Context, c *Connection) error {
	h.calls.Add(1)
	conn := c.Conn()
	switch h.mode {
	case handshakeFail:
		return errors.New("handshake refused")
	case handshakeBlock:
		_, err := conn.Read(make([]byte, 1))
		if err == nil {
			err = errors.New("unexpected byte")
		}
		return err
	}
	if _, err := conn.Write([]byte(token)); err != nil {
		return err
	}
	buf := make([]byte, len(token))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return err
	}
	if string(buf) != token {
		return fmt.Errorf("unexpected token %q", buf)
	}
	return c.SetSession(c.Side().String())
}

// hooks counts OnConnect and OnDisconnect calls.
type hooks struct {
	connects    atomic.Int32
	disconnects atomic.Int32
}

func (h *hooks) OnConnect(*Connection)    { h.connects.Add(1) }
func (h *hooks) OnDisconnect(*Connection) { h.disconnects.Add(1) }

// teardownHooks disconnects from inside OnConnect and records the order
// in which the hooks ran.
type teardownHooks struct {
	node *Tcp

	mu    sync.Mutex
	calls []string
}

func (h *teardownHooks) record(call string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call)
}

func (h *teardownHooks) sequence() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *teardownHooks) OnConnect(c *Connection) {
	h.record("connect")
	h.node.Disconnect(c.Addr())
	h.record("connect returned")
}

func (h *teardownHooks) OnDisconnect(*Connection) { h.record("disconnect") }

// stallingCodec holds ProcessMessage until release is closed, ignoring
// cancellation.
type stallingCodec struct {
	*lineCodec
	entered chan struct{}
	release chan struct{}
}

func newStallingCodec() *stallingCodec {
	return &stallingCodec{
		lineCodec: newLineCodec(),
		entered:   make(chan struct{}, 1),
		release:   make(chan struct{}),
	}
}

func (s *stallingCodec) ProcessMessage(context.Context, *Connection, any) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return nil
}

// blockingDial never connects; it returns when ctx is done.
func blockingDial(ctx context.Context, _, _ string) (net.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.Name = t.Name()
	cfg.ListenerAddr = "127.0.0.1:0"
	cfg.HandshakeTimeout = time.Second
	cfg.ConnectionTimeout = time.Second
	return cfg
}

func newNodeWithConfig(t *testing.T, cfg Config, opts ...Option) *Tcp {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	n, err := New(cfg, opts...)
	require.NoError(t, err)
	if cfg.ListenerAddr != "" {
		_, err = n.EnableListener(context.Background())
		require.NoError(t, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, n.Shutdown(ctx))
	})
	return n
}

func newNode(t *testing.T, opts ...Option) *Tcp {
	t.Helper()
	return newNodeWithConfig(t, testConfig(t), opts...)
}

// newStreamNode has line-based Reading and Writing so it notices remote
// closes.
func newStreamNode(t *testing.T, opts ...Option) (*Tcp, *lineCodec) {
	t.Helper()
	lc := newLineCodec()
	return newNode(t, append([]Option{WithReading(lc), WithWriting(lc)}, opts...)...), lc
}

func listenAddr(t *testing.T, n *Tcp) string {
	t.Helper()
	addr, err := n.ListeningAddr()
	require.NoError(t, err)
	return addr.String()
}

func nextEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event stream closed")
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

package tcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// aLongTimeAgo is a deadline in the past, used to abort blocked socket I/O.
var aLongTimeAgo = time.Unix(1, 0)

// protect runs a protocol stage, turning a panic into an error so hostile
// input can only ever take down its own connection.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("protocol panic: %v", r)
		}
	}()
	return fn()
}

// establish runs the gating stages on a connecting socket, promotes it and
// starts its streams.
func (t *Tcp) establish(c *Connection) error {
	if h := t.protocols.handshake; h != nil {
		if err := t.runHandshake(h, c); err != nil {
			err = fmt.Errorf("%w: %s: %v", ErrHandshake, c.addr, err)
			t.stats.RegisterHandshakeFailure()
			t.knownPeers.RegisterFailure(c.addr)
			t.teardown(c, err)
			t.events.emit(Event{Kind: EventHandshakeFailed, Addr: c.addr, Side: c.side, Err: err})
			return err
		}
	}

	if !t.conns.promote(c) {
		err := fmt.Errorf("%w: %s: torn down before promotion", ErrNotConnected, c.addr)
		t.teardown(c, err)
		return err
	}
	t.startStreams(c)
	t.logLifecycle("Connected", zap.String("addr", c.addr), zap.Stringer("side", c.side), zap.Stringer("id", c.id))
	t.runOnConnect(c)
	t.events.emit(Event{Kind: EventConnected, Addr: c.addr, Side: c.side})
	return nil
}

// runHandshake bounds the handshake by HandshakeTimeout and by the
// connection's lifetime. Cancellation also pushes the socket deadline into
// the past so blocked reads and writes return at once.
func (t *Tcp) runHandshake(h Handshake, c *Connection) error {
	ctx, cancel := context.WithTimeout(c.ctx, t.cfg.HandshakeTimeout)
	defer cancel()

	conn := c.Conn()
	if err := conn.SetDeadline(time.Now().Add(t.cfg.HandshakeTimeout)); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(aLongTimeAgo) })

	err := protect(func() error { return h.PerformHandshake(ctx, c) })
	if !stop() {
		if err == nil {
			err = context.Cause(ctx)
		}
		return err
	}
	if err != nil {
		return err
	}
	return conn.SetDeadline(time.Time{})
}

func (t *Tcp) startStreams(c *Connection) {
	if r := t.protocols.reading; r != nil {
		t.spawn(func() { t.readLoop(c, r) })
	}
	if w := t.protocols.writing; w != nil {
		t.spawn(func() { t.writeLoop(c, w) })
	}
}

func (t *Tcp) readLoop(c *Connection, r Reading) {
	counter := &countingReader{r: c.Conn()}
	mr := r.NewMessageReader(c, bufio.NewReaderSize(counter, t.cfg.ReadBufferSize))
	for {
		var msg any
		err := protect(func() (err error) {
			msg, err = mr.ReadMessage()
			return err
		})
		if err != nil {
			if c.ctx.Err() == nil {
				t.teardown(c, fmt.Errorf("%w: read from %s: %v", ErrStream, c.addr, err))
			}
			return
		}
		n := counter.take()
		t.stats.RegisterReceived(n)
		t.knownPeers.RegisterReceived(c.addr, n)

		if err := protect(func() error { return r.ProcessMessage(c.ctx, c, msg) }); err != nil {
			t.teardown(c, fmt.Errorf("%w: processing message from %s: %v", ErrStream, c.addr, err))
			return
		}
	}
}

func (t *Tcp) writeLoop(c *Connection, w Writing) {
	counter := &countingWriter{w: c.Conn()}
	bw := bufio.NewWriter(counter)
	mw := w.NewMessageWriter(c, bw)
	for {
		select {
		case <-c.ctx.Done():
			t.drainOutbound(c)
			return
		case out := <-c.outbound:
			err := protect(func() error {
				if err := mw.WriteMessage(out.msg); err != nil {
					return err
				}
				return bw.Flush()
			})
			if n := counter.take(); n > 0 && err == nil {
				t.stats.RegisterSent(n)
				t.knownPeers.RegisterSent(c.addr, n)
			}
			out.result <- err
			if err != nil {
				t.teardown(c, fmt.Errorf("%w: write to %s: %v", ErrStream, c.addr, err))
				t.drainOutbound(c)
				return
			}
		}
	}
}

func (t *Tcp) drainOutbound(c *Connection) {
	for {
		select {
		case out := <-c.outbound:
			out.result <- fmt.Errorf("%w: %s", ErrNotConnected, c.addr)
		default:
			return
		}
	}
}

func (t *Tcp) runOnConnect(c *Connection) {
	h := t.protocols.onConnect
	if h == nil || !c.beginOnConnect() {
		return
	}
	if err := protect(func() error { h.OnConnect(c); return nil }); err != nil {
		t.logger.Error("OnConnect failed", zap.String("addr", c.addr), zap.Error(err))
	}
	if c.endOnConnect() {
		t.runOnDisconnect(c)
	}
}

func (t *Tcp) runOnDisconnect(c *Connection) {
	h := t.protocols.onDisconnect
	if h == nil {
		return
	}
	if err := protect(func() error { h.OnDisconnect(c); return nil }); err != nil {
		t.logger.Error("OnDisconnect failed", zap.String("addr", c.addr), zap.Error(err))
	}
}

// countingReader tallies bytes read since the last take.
type countingReader struct {
	r io.Reader
	n int
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += n
	return n, err
}

func (cr *countingReader) take() int {
	n := cr.n
	cr.n = 0
	return n
}

type countingWriter struct {
	w io.Writer
	n int
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += n
	return n, err
}

func (cw *countingWriter) take() int {
	n := cw.n
	cw.n = 0
	return n
}

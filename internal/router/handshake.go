package router

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"

	"github.com/flynn/noise"
	"github.com/libp2p/go-msgio"
	"go.uber.org/zap"

	"github.com/empower1/nodetcp/internal/tcp"
)

// ProtocolVersion must match between peers for a handshake to succeed.
const ProtocolVersion uint32 = 1

const (
	prologue = "nodetcp/router/1"
	// maxHandshakeFrame is the Noise message size limit.
	maxHandshakeFrame = noise.MaxMsgLen
)

// handshakeIO frames the Noise messages exchanged on the raw socket.
type handshakeIO struct {
	r msgio.ReadCloser
	w msgio.WriteCloser
}

func newHandshakeIO(conn net.Conn) *handshakeIO {
	return &handshakeIO{
		r: msgio.NewReaderSize(conn, maxHandshakeFrame),
		w: msgio.NewWriter(conn),
	}
}

func (h *handshakeIO) read() ([]byte, error) {
	msg, err := h.r.ReadMsg()
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), msg...)
	h.r.ReleaseMsg(msg)
	return out, nil
}

func (r *Router) noiseState(initiator bool) (*noise.HandshakeState, error) {
	return noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		Prologue:      []byte(prologue),
		StaticKeypair: r.identity.key,
	})
}

func (r *Router) hello() ([]byte, error) {
	return toBytes(helloPayload{
		Version:    ProtocolVersion,
		NodeType:   r.nodeType,
		ListenAddr: r.listenAddr(),
	})
}

// PerformHandshake runs Noise XX on the new socket, then lets the responder
// decide whether the connection is kept. The negotiated cipher states end
// up in the connection's Session.
func (r *Router) PerformHandshake(ctx context.Context, c *tcp.Connection) error {
	hs, err := r.noiseState(c.Side() == tcp.Initiator)
	if err != nil {
		return fmt.Errorf("failed to create noise state: %w", err)
	}
	hio := newHandshakeIO(c.Conn())
	if c.Side() == tcp.Initiator {
		return r.initiate(ctx, c, hs, hio)
	}
	return r.respond(ctx, c, hs, hio)
}

// initiate: -> e, <- e ee s es, -> s se, then wait for the verdict.
func (r *Router) initiate(ctx context.Context, c *tcp.Connection, hs *noise.HandshakeState, hio *handshakeIO) error {
	d := r.pendingDial(c.Addr())
	if d != nil && d.ctx.Err() != nil {
		return ErrDialCancelled
	}

	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return err
	}
	if err := hio.w.WriteMsg(msg); err != nil {
		return err
	}

	msg, err = hio.read()
	if err != nil {
		return err
	}
	payload, _, _, err := hs.ReadMessage(nil, msg)
	if err != nil {
		return fmt.Errorf("noise: %w", err)
	}
	peer := PeerIDFromPublicKey(hs.PeerStatic())
	var remote helloPayload
	if err := fromBytes(payload, &remote); err != nil {
		return err
	}
	if err := r.checkHello(peer, remote); err != nil {
		return err
	}
	r.notePendingPeer(d, peer)

	hello, err := r.hello()
	if err != nil {
		return err
	}
	msg, cs0, cs1, err := hs.WriteMessage(nil, hello)
	if err != nil {
		return err
	}
	if err := hio.w.WriteMsg(msg); err != nil {
		return err
	}
	session := &Session{Peer: peer, NodeType: remote.NodeType, ListenAddr: remote.ListenAddr, enc: cs0, dec: cs1}

	sealed, err := hio.read()
	if err != nil {
		return err
	}
	plain, err := session.dec.Decrypt(nil, nil, sealed)
	if err != nil {
		return fmt.Errorf("failed to decrypt verdict: %w", err)
	}
	var verdict verdictPayload
	if err := fromBytes(plain, &verdict); err != nil {
		return err
	}
	if !verdict.Accept {
		return fmt.Errorf("%w: %s", ErrRejected, verdict.Reason)
	}

	if err := c.SetSession(session); err != nil {
		return err
	}
	evicted, err := r.commitInitiator(ctx, c, session, d)
	if err != nil {
		return err
	}
	if evicted != "" {
		r.logger.Debug("Replacing duplicate connection", zap.Stringer("peer", peer), zap.String("evicted", evicted))
		r.tcp.Disconnect(evicted)
	}
	return nil
}

// respond: <- e, -> e ee s es, <- s se, then decide and send the verdict.
func (r *Router) respond(ctx context.Context, c *tcp.Connection, hs *noise.HandshakeState, hio *handshakeIO) error {
	msg, err := hio.read()
	if err != nil {
		return err
	}
	if _, _, _, err := hs.ReadMessage(nil, msg); err != nil {
		return fmt.Errorf("noise: %w", err)
	}

	hello, err := r.hello()
	if err != nil {
		return err
	}
	msg, _, _, err = hs.WriteMessage(nil, hello)
	if err != nil {
		return err
	}
	if err := hio.w.WriteMsg(msg); err != nil {
		return err
	}

	msg, err = hio.read()
	if err != nil {
		return err
	}
	payload, cs0, cs1, err := hs.ReadMessage(nil, msg)
	if err != nil {
		return fmt.Errorf("noise: %w", err)
	}
	peer := PeerIDFromPublicKey(hs.PeerStatic())
	var remote helloPayload
	if err := fromBytes(payload, &remote); err != nil {
		return err
	}
	session := &Session{Peer: peer, NodeType: remote.NodeType, ListenAddr: remote.ListenAddr, enc: cs1, dec: cs0}

	verdict, superseded := r.decide(ctx, c, session, remote)
	if superseded != "" {
		r.logger.Debug("Inbound connection supersedes our dial", zap.Stringer("peer", peer), zap.String("dial", superseded))
		r.tcp.Disconnect(superseded)
	}

	body, err := toBytes(verdict)
	if err != nil {
		return err
	}
	sealed, err := session.enc.Encrypt(nil, nil, body)
	if err != nil {
		return err
	}
	if err := hio.w.WriteMsg(sealed); err != nil {
		return err
	}
	if !verdict.Accept {
		return fmt.Errorf("%w: %s", ErrRejected, verdict.Reason)
	}
	return nil
}

func (r *Router) checkHello(peer PeerID, remote helloPayload) error {
	if peer == r.identity.id {
		return ErrSelfConnect
	}
	if remote.Version != ProtocolVersion {
		return fmt.Errorf("%w: peer speaks %d, we speak %d", ErrIncompatible, remote.Version, ProtocolVersion)
	}
	return nil
}

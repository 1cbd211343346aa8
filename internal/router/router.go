package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/empower1/nodetcp/internal/tcp"
)

// disconnectGrace bounds how long Disconnect waits for the goodbye message
// to be written before closing the socket.
const disconnectGrace = time.Second

// NodeType is the role a node announces during the handshake.
type NodeType uint8

const (
	Client NodeType = iota
	Prover
	Validator
)

func (n NodeType) String() string {
	switch n {
	case Client:
		return "client"
	case Prover:
		return "prover"
	case Validator:
		return "validator"
	default:
		return fmt.Sprintf("node_type(%d)", uint8(n))
	}
}

// ParseNodeType is the inverse of NodeType.String.
func ParseNodeType(s string) (NodeType, error) {
	for _, n := range []NodeType{Client, Prover, Validator} {
		if n.String() == s {
			return n, nil
		}
	}
	return 0, fmt.Errorf("unknown node type %q", s)
}

// Peer is a connected node that completed the handshake.
type Peer struct {
	ID          PeerID
	Addr        string
	ListenAddr  string
	NodeType    NodeType
	Side        tcp.ConnectionSide
	ConnectedAt time.Time

	conn *tcp.Connection
}

// MessageHandler receives every MsgData message. It runs on the sending
// connection's reader goroutine.
type MessageHandler func(from string, msg *Message)

// dial is an outbound attempt started through the router.
type dial struct {
	ctx    context.Context
	cancel context.CancelFunc
	// peer is set once the handshake learns who is on the other end.
	peer    PeerID
	hasPeer bool
}

// Router is the peer layer of a node. It drives a tcp.Tcp engine, supplying
// the handshake and message stages, and tracks which peer identities are
// connected so that a node never holds two connections to the same peer.
type Router struct {
	identity *Identity
	nodeType NodeType
	tcp      *tcp.Tcp
	logger   *zap.Logger
	handler  MessageHandler

	ctx    context.Context
	cancel context.CancelFunc

	// spawnMu guards wg.Add against a concurrent Shutdown.
	spawnMu  sync.Mutex
	stopping bool
	wg       sync.WaitGroup

	mu      sync.Mutex
	peers   map[PeerID]*Peer
	pending map[string]*dial
	pings   map[uint64]chan struct{}

	pingNonce atomic.Uint64

	registerer prometheus.Registerer
	peersGauge prometheus.Collector
}

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	identity   *Identity
	handshake  bool
	handler    MessageHandler
}

// Option customises a Router at construction.
type Option func(*options)

func WithLogger(logger *zap.Logger) Option { return func(o *options) { o.logger = logger } }

// WithRegisterer exports engine and router metrics to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithIdentity fixes the node's static key instead of generating one.
func WithIdentity(id *Identity) Option { return func(o *options) { o.identity = id } }

// WithHandshake enables the Noise handshake and peer deduplication. Without
// it connections stay anonymous and unencrypted.
func WithHandshake() Option { return func(o *options) { o.handshake = true } }

func WithMessageHandler(h MessageHandler) Option { return func(o *options) { o.handler = h } }

// New builds a router and the engine beneath it.
func New(cfg tcp.Config, nodeType NodeType, opts ...Option) (*Router, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.identity == nil {
		id, err := GenerateIdentity()
		if err != nil {
			return nil, err
		}
		o.identity = id
	}

	r := &Router{
		identity:   o.identity,
		nodeType:   nodeType,
		handler:    o.handler,
		peers:      make(map[PeerID]*Peer),
		pending:    make(map[string]*dial),
		pings:      make(map[uint64]chan struct{}),
		registerer: o.registerer,
	}
	r.logger = o.logger.Named("router").With(zap.String("id", r.identity.id.ShortString()))
	r.ctx, r.cancel = context.WithCancel(context.Background())

	tcpOpts := []tcp.Option{
		tcp.WithLogger(o.logger),
		tcp.WithReading(r),
		tcp.WithWriting(r),
		tcp.WithOnConnect(r),
		tcp.WithOnDisconnect(r),
	}
	if o.handshake {
		tcpOpts = append(tcpOpts, tcp.WithHandshake(r))
	}
	if o.registerer != nil {
		tcpOpts = append(tcpOpts, tcp.WithRegisterer(o.registerer))
	}
	t, err := tcp.New(cfg, tcpOpts...)
	if err != nil {
		r.cancel()
		return nil, err
	}
	r.tcp = t

	if o.registerer != nil {
		r.peersGauge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "router",
			Name:        "connected_peers",
			Help:        "Peers that completed the handshake.",
			ConstLabels: prometheus.Labels{"name": cfg.Name},
		}, func() float64 { return float64(r.NumberOfConnectedPeers()) })
		if err := o.registerer.Register(r.peersGauge); err != nil {
			r.cancel()
			return nil, multierr.Append(fmt.Errorf("failed to register router metrics: %w", err), t.Shutdown(context.Background()))
		}
	}
	return r, nil
}

func (r *Router) Tcp() *tcp.Tcp       { return r.tcp }
func (r *Router) ID() PeerID          { return r.identity.id }
func (r *Router) Identity() *Identity { return r.identity }
func (r *Router) NodeType() NodeType  { return r.nodeType }

// EnableListener starts accepting peers and returns the bound address.
func (r *Router) EnableListener(ctx context.Context) (string, error) {
	addr, err := r.tcp.EnableListener(ctx)
	if err != nil {
		return "", err
	}
	r.logger.Info("Router listening", zap.Stringer("addr", addr), zap.Stringer("node_type", r.nodeType))
	return addr.String(), nil
}

// LocalAddr is the address peers should dial, or "" when not listening.
func (r *Router) LocalAddr() string { return r.listenAddr() }

func (r *Router) listenAddr() string {
	addr, err := r.tcp.ListeningAddr()
	if err != nil {
		return ""
	}
	return addr.String()
}

// NumberOfConnectedPeers counts peers that completed the handshake.
func (r *Router) NumberOfConnectedPeers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Peers lists connected peers ordered by ID.
func (r *Router) Peers() []Peer {
	r.mu.Lock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		cp := *p
		cp.conn = nil
		out = append(out, cp)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// IsConnectedTo reports whether a handshaken connection to id exists.
func (r *Router) IsConnectedTo(id PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[id]
	return ok
}

// Connect dials addr in the background.
func (r *Router) Connect(addr string) {
	r.spawnMu.Lock()
	defer r.spawnMu.Unlock()
	if r.stopping {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.ConnectContext(r.ctx, addr); err != nil {
			r.logger.Debug("Failed to connect", zap.String("addr", addr), zap.Error(err))
		}
	}()
}

// ConnectContext dials addr and returns once the connection is established
// or has failed. Addresses of peers that are already connected, or already
// being dialed, are skipped.
func (r *Router) ConnectContext(ctx context.Context, addr string) error {
	addr = tcp.NormalizeAddr(addr)

	r.mu.Lock()
	if p := r.peerByAddrLocked(addr); p != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s at %s", ErrAlreadyConnected, p.ID, addr)
	}
	if _, ok := r.pending[addr]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyConnecting, addr)
	}
	dctx, cancel := context.WithCancel(ctx)
	d := &dial{ctx: dctx, cancel: cancel}
	r.pending[addr] = d
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.pending[addr] == d {
			delete(r.pending, addr)
		}
		r.mu.Unlock()
		cancel()
	}()

	err := r.tcp.ConnectContext(dctx, addr)
	if err != nil && dctx.Err() != nil && ctx.Err() == nil {
		return fmt.Errorf("%w: %v", ErrDialCancelled, err)
	}
	return err
}

func (r *Router) peerByAddrLocked(addr string) *Peer {
	for _, p := range r.peers {
		if p.Addr == addr || p.ListenAddr == addr {
			return p
		}
	}
	return nil
}

func (r *Router) pendingDial(addr string) *dial {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[addr]
}

// commitInitiator records an accepted outbound connection. It returns the
// address of an older connection to the same peer, which the caller must
// disconnect.
func (r *Router) commitInitiator(ctx context.Context, c *tcp.Connection, s *Session, d *dial) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d != nil && d.ctx.Err() != nil {
		return "", ErrDialCancelled
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := c.Context().Err(); err != nil {
		return "", err
	}
	var evicted string
	if old, ok := r.peers[s.Peer]; ok && old.conn != c {
		evicted = old.Addr
	}
	r.peers[s.Peer] = newPeer(c, s)
	return evicted, nil
}

// decide is the responder's half of deduplication. A peer that is already
// connected is refused. When both nodes dial each other at once, the
// connection initiated by the lower PeerID wins: if that is the inbound one
// we accept it and return the address of our own dial to cancel.
func (r *Router) decide(ctx context.Context, c *tcp.Connection, s *Session, remote helloPayload) (verdictPayload, string) {
	if err := r.checkHello(s.Peer, remote); err != nil {
		return verdictPayload{Reason: err.Error()}, ""
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[s.Peer]; ok {
		return verdictPayload{Reason: "already connected"}, ""
	}
	addr, d := r.pendingToLocked(s.Peer, remote.ListenAddr)
	if d != nil {
		if !s.Peer.Less(r.identity.id) {
			return verdictPayload{Reason: "simultaneous connection, keeping ours"}, ""
		}
		d.cancel()
	}
	if ctx.Err() != nil || c.Context().Err() != nil {
		return verdictPayload{Reason: "connection cancelled"}, addr
	}
	if err := c.SetSession(s); err != nil {
		return verdictPayload{Reason: err.Error()}, addr
	}
	r.peers[s.Peer] = newPeer(c, s)
	return verdictPayload{Accept: true}, addr
}

func (r *Router) pendingToLocked(id PeerID, listenAddr string) (string, *dial) {
	if listenAddr != "" {
		if d, ok := r.pending[tcp.NormalizeAddr(listenAddr)]; ok {
			return tcp.NormalizeAddr(listenAddr), d
		}
	}
	for addr, d := range r.pending {
		if d.hasPeer && d.peer == id {
			return addr, d
		}
	}
	return "", nil
}

func (r *Router) notePendingPeer(d *dial, id PeerID) {
	if d == nil {
		return
	}
	r.mu.Lock()
	d.peer, d.hasPeer = id, true
	r.mu.Unlock()
}

func newPeer(c *tcp.Connection, s *Session) *Peer {
	return &Peer{
		ID:          s.Peer,
		Addr:        c.Addr(),
		ListenAddr:  s.ListenAddr,
		NodeType:    s.NodeType,
		Side:        c.Side(),
		ConnectedAt: time.Now(),
		conn:        c,
	}
}

func sessionOf(c *tcp.Connection) *Session {
	s, _ := c.Session().(*Session)
	return s
}

func (r *Router) NewMessageReader(c *tcp.Connection, rd io.Reader) tcp.MessageReader {
	return newFrameReader(rd, sessionOf(c))
}

func (r *Router) NewMessageWriter(c *tcp.Connection, w io.Writer) tcp.MessageWriter {
	return newFrameWriter(w, sessionOf(c))
}

// ProcessMessage handles one decoded message. Errors drop the connection.
func (r *Router) ProcessMessage(_ context.Context, c *tcp.Connection, msg any) error {
	m, ok := msg.(*Message)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnknownMessageType, msg)
	}
	switch m.Type {
	case MsgPing:
		if _, err := r.tcp.Unicast(c.Addr(), &Message{Type: MsgPong, Payload: m.Payload}); err != nil {
			r.logger.Debug("Failed to answer ping", zap.String("addr", c.Addr()), zap.Error(err))
		}
	case MsgPong:
		var p PingPayload
		if err := fromBytes(m.Payload, &p); err != nil {
			return err
		}
		r.mu.Lock()
		if done, ok := r.pings[p.Nonce]; ok {
			close(done)
			delete(r.pings, p.Nonce)
		}
		r.mu.Unlock()
	case MsgDisconnect:
		var p DisconnectPayload
		if err := fromBytes(m.Payload, &p); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrPeerDisconnected, p.Reason)
	case MsgData:
		if r.handler != nil {
			r.handler(c.Addr(), m)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownMessageType, m.Type)
	}
	return nil
}

func (r *Router) OnConnect(c *tcp.Connection) {
	fields := []zap.Field{zap.String("addr", c.Addr()), zap.Stringer("side", c.Side())}
	if s := sessionOf(c); s != nil {
		fields = append(fields, zap.Stringer("peer", s.Peer), zap.Stringer("node_type", s.NodeType))
	}
	r.logger.Info("Connected to peer", fields...)
}

func (r *Router) OnDisconnect(c *tcp.Connection) {
	s := sessionOf(c)
	if s == nil {
		r.logger.Debug("Connection closed", zap.String("addr", c.Addr()))
		return
	}
	r.mu.Lock()
	removed := false
	if p, ok := r.peers[s.Peer]; ok && p.conn == c {
		delete(r.peers, s.Peer)
		removed = true
	}
	r.mu.Unlock()
	if removed {
		r.logger.Info("Disconnected from peer", zap.String("addr", c.Addr()), zap.Stringer("peer", s.Peer))
	}
}

// Send delivers payload to the peer at addr as MsgData and waits for the
// write to complete.
func (r *Router) Send(ctx context.Context, addr string, payload []byte) error {
	return r.send(ctx, addr, &Message{Type: MsgData, Payload: payload})
}

// Broadcast queues payload for every connected peer.
func (r *Router) Broadcast(payload []byte) error {
	return r.tcp.Broadcast(&Message{Type: MsgData, Payload: payload})
}

func (r *Router) send(ctx context.Context, addr string, m *Message) error {
	res, err := r.tcp.Unicast(addr, m)
	if err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping measures a round trip to the peer at addr.
func (r *Router) Ping(ctx context.Context, addr string) (time.Duration, error) {
	nonce := r.pingNonce.Add(1)
	payload, err := toBytes(PingPayload{Nonce: nonce})
	if err != nil {
		return 0, err
	}
	done := make(chan struct{})
	r.mu.Lock()
	r.pings[nonce] = done
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pings, nonce)
		r.mu.Unlock()
	}()

	start := time.Now()
	if err := r.send(ctx, addr, &Message{Type: MsgPing, Payload: payload}); err != nil {
		return 0, err
	}
	select {
	case <-done:
		return time.Since(start), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Disconnect tells the peer at addr why it is being dropped, then closes the
// connection. It reports false when there was no connection.
func (r *Router) Disconnect(ctx context.Context, addr, reason string) bool {
	payload, err := toBytes(DisconnectPayload{Reason: reason})
	if err == nil {
		ctx, cancel := context.WithTimeout(ctx, disconnectGrace)
		err = r.send(ctx, addr, &Message{Type: MsgDisconnect, Payload: payload})
		cancel()
	}
	if err != nil && !errors.Is(err, tcp.ErrNotConnected) {
		r.logger.Debug("Failed to send disconnect", zap.String("addr", addr), zap.Error(err))
	}
	return r.tcp.Disconnect(addr)
}

// Shutdown stops the engine and waits for background dials.
func (r *Router) Shutdown(ctx context.Context) error {
	r.spawnMu.Lock()
	r.stopping = true
	gauge := r.peersGauge
	r.peersGauge = nil
	r.spawnMu.Unlock()

	r.cancel()
	err := r.tcp.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, ctx.Err())
	}
	if gauge != nil {
		r.registerer.Unregister(gauge)
	}
	return err
}

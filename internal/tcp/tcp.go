package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	tec "github.com/jbenet/go-temp-err-catcher"
	"github.com/libp2p/go-reuseport"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

const acceptBackoffMax = time.Second

// Tcp is the connection engine of a node. It owns the listener, the
// registry of connections, KnownPeers and Stats, and runs whichever protocol
// stages it was built with.
type Tcp struct {
	cfg       Config
	logger    *zap.Logger
	level     zapcore.Level
	clock     clock.Clock
	protocols protocols
	dial      DialFunc

	conns      *connections
	knownPeers *KnownPeers
	stats      *Stats
	events     *eventBus

	ctx    context.Context
	cancel context.CancelFunc

	listenerMu sync.Mutex
	listener   net.Listener

	// spawnMu guards tasks.Add against a concurrent Shutdown.
	spawnMu  sync.Mutex
	stopping bool
	tasks    sync.WaitGroup
	// cleanup runs once, after the first Shutdown that sees every task exit.
	cleanup sync.Once

	registerer prometheus.Registerer
	collectors []prometheus.Collector
}

// DialFunc opens an outbound socket. It must return once ctx is done.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Option customises a Tcp at construction.
type Option func(*Tcp)

// WithLogger sets the parent logger. The engine names its own child.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tcp) { t.logger = logger }
}

// WithClock replaces the wall clock used for KnownPeers and Stats.
func WithClock(clk clock.Clock) Option {
	return func(t *Tcp) { t.clock = clk }
}

// WithRegisterer exports Stats and connection gauges to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(t *Tcp) { t.registerer = reg }
}

// WithHandshake enables the Handshake stage.
func WithHandshake(h Handshake) Option { return func(t *Tcp) { t.protocols.handshake = h } }

// WithReading enables the Reading stage.
func WithReading(r Reading) Option { return func(t *Tcp) { t.protocols.reading = r } }

// WithWriting enables the Writing stage, and with it Unicast and Broadcast.
func WithWriting(w Writing) Option { return func(t *Tcp) { t.protocols.writing = w } }

// WithOnConnect enables the OnConnect hook.
func WithOnConnect(h OnConnect) Option { return func(t *Tcp) { t.protocols.onConnect = h } }

// WithOnDisconnect enables the OnDisconnect hook.
func WithOnDisconnect(h OnDisconnect) Option { return func(t *Tcp) { t.protocols.onDisconnect = h } }

// WithDialer replaces the dialer used for outbound connections.
func WithDialer(dial DialFunc) Option { return func(t *Tcp) { t.dial = dial } }

// New builds an engine. Nothing listens or dials until EnableListener or
// Connect is called.
func New(cfg Config, opts ...Option) (*Tcp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Tcp{
		cfg:    cfg,
		logger: zap.NewNop(),
		clock:  clock.New(),
		events: newEventBus(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.dial == nil {
		var d net.Dialer
		t.dial = d.DialContext
	}
	t.logger = t.logger.Named("tcp").With(zap.String("name", cfg.Name))
	t.level = lifecycleLevel(t.logger.Core())
	t.conns = newConnections(cfg.MaxConnections)
	t.knownPeers = NewKnownPeers(t.clock)
	t.stats = newStats(t.clock.Now())
	t.ctx, t.cancel = context.WithCancel(context.Background())

	if t.registerer != nil {
		if err := t.registerMetrics(); err != nil {
			t.cancel()
			return nil, err
		}
	}
	return t, nil
}

func (t *Tcp) registerMetrics() error {
	labels := prometheus.Labels{"name": t.cfg.Name}
	t.collectors = []prometheus.Collector{
		newStatsCollector(t.stats, labels),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "tcp",
			Name:        "connected",
			Help:        "Connections in the connected state.",
			ConstLabels: labels,
		}, func() float64 { return float64(t.NumConnected()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "tcp",
			Name:        "connecting",
			Help:        "Connections still being established.",
			ConstLabels: labels,
		}, func() float64 { return float64(t.NumConnecting()) }),
	}
	for i, c := range t.collectors {
		if err := t.registerer.Register(c); err != nil {
			for _, done := range t.collectors[:i] {
				t.registerer.Unregister(done)
			}
			return fmt.Errorf("failed to register tcp metrics: %w", err)
		}
	}
	return nil
}

// Name returns the configured engine name.
func (t *Tcp) Name() string { return t.cfg.Name }

// Config returns a copy of the configuration the engine was built with.
func (t *Tcp) Config() Config { return t.cfg }

// KnownPeers returns the per-address bookkeeping.
func (t *Tcp) KnownPeers() *KnownPeers { return t.knownPeers }

// Stats returns the engine-wide counters.
func (t *Tcp) Stats() *Stats { return t.stats }

// Subscribe returns a stream of engine events and a func to stop it.
func (t *Tcp) Subscribe() (<-chan Event, func()) {
	return t.events.subscribe()
}

// spawn runs fn on a tracked goroutine unless the engine is shutting down.
func (t *Tcp) spawn(fn func()) bool {
	t.spawnMu.Lock()
	defer t.spawnMu.Unlock()
	if t.stopping {
		return false
	}
	t.tasks.Add(1)
	go func() {
		defer t.tasks.Done()
		fn()
	}()
	return true
}

// EnableListener binds the configured address and starts accepting.
func (t *Tcp) EnableListener(ctx context.Context) (net.Addr, error) {
	t.listenerMu.Lock()
	defer t.listenerMu.Unlock()
	if t.ctx.Err() != nil {
		return nil, ErrShutdown
	}
	if t.listener != nil {
		return nil, fmt.Errorf("%w: %s", ErrListenerAlreadyEnabled, t.listener.Addr())
	}
	if t.cfg.ListenerAddr == "" {
		return nil, fmt.Errorf("%w: no listener address configured", ErrBind)
	}

	ln, err := t.listen(ctx, t.cfg.ListenerAddr)
	if err != nil && t.cfg.AllowRandomPort {
		host, _, _ := net.SplitHostPort(t.cfg.ListenerAddr)
		t.logger.Warn("Desired listening port unavailable, falling back to a random port",
			zap.String("addr", t.cfg.ListenerAddr), zap.Error(err))
		ln, err = t.listen(ctx, net.JoinHostPort(host, "0"))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBind, t.cfg.ListenerAddr, err)
	}
	t.listener = ln

	if !t.spawn(func() { t.acceptLoop(ln) }) {
		t.listener = nil
		return nil, multierr.Append(ErrShutdown, ln.Close())
	}
	t.logger.Info("Listening for peers", zap.Stringer("addr", ln.Addr()))
	return ln.Addr(), nil
}

func (t *Tcp) listen(ctx context.Context, addr string) (net.Listener, error) {
	if t.cfg.ReusePort {
		return reuseport.Listen("tcp", addr)
	}
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}

// ListeningAddr returns the bound address, or ErrNoListener.
func (t *Tcp) ListeningAddr() (net.Addr, error) {
	t.listenerMu.Lock()
	defer t.listenerMu.Unlock()
	if t.listener == nil {
		return nil, ErrNoListener
	}
	return t.listener.Addr(), nil
}

func (t *Tcp) acceptLoop(ln net.Listener) {
	var limiter *rate.Limiter
	if t.cfg.AcceptRate > 0 {
		limiter = rate.NewLimiter(t.cfg.AcceptRate, t.cfg.AcceptBurst)
	}
	// Any accept error other than a closed listener is retried with backoff.
	catcher := tec.TempErrCatcher{
		IsTemp: func(err error) bool { return !errors.Is(err, net.ErrClosed) },
		Wait: func(d time.Duration) {
			select {
			case <-t.ctx.Done():
			case <-t.clock.After(d):
			}
		},
		Max: acceptBackoffMax,
	}
	for {
		if limiter != nil {
			if err := limiter.Wait(t.ctx); err != nil {
				return
			}
		}
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || t.ctx.Err() != nil {
				return
			}
			t.logger.Warn("Failed to accept connection", zap.Error(err))
			if catcher.IsTemporary(err) {
				continue
			}
			return
		}
		catcher.Reset()
		if !t.spawn(func() { t.handleInbound(conn) }) {
			_ = conn.Close()
			return
		}
	}
}

func (t *Tcp) handleInbound(conn net.Conn) {
	addr := conn.RemoteAddr().String()
	if t.knownPeers.IsRestricted(addr) {
		t.reject(conn, addr, fmt.Errorf("%w: %s", ErrRestrictedPeer, addr))
		return
	}
	c := newConnection(t.ctx, addr, Responder, conn, t.clock.Now(), t.queueDepth())
	if err := t.conns.reserve(c); err != nil {
		c.cancel()
		t.reject(conn, addr, err)
		return
	}
	t.stats.RegisterAccepted()
	t.knownPeers.Observe(addr)
	t.logLifecycle("Accepted connection", zap.String("addr", addr), zap.Stringer("id", c.id))
	_ = t.establish(c)
}

func (t *Tcp) reject(conn net.Conn, addr string, cause error) {
	t.stats.RegisterRejected()
	if conn != nil {
		_ = conn.Close()
	}
	t.logger.Debug("Rejected connection", zap.String("addr", addr), zap.Error(cause))
	t.events.emit(Event{Kind: EventRejected, Addr: addr, Side: Responder, Err: cause})
}

func (t *Tcp) queueDepth() int {
	if t.protocols.writing == nil {
		return 0
	}
	return t.cfg.OutboundQueueDepth
}

// Connect dials addr in the background and runs the protocol stages on the
// resulting socket. The outcome is reported through counters, the
// OnConnect/OnDisconnect stages and Subscribe.
func (t *Tcp) Connect(addr string) {
	spawned := t.spawn(func() {
		if err := t.ConnectContext(t.ctx, addr); err != nil {
			t.logger.Debug("Connection attempt failed", zap.String("addr", addr), zap.Error(err))
		}
	})
	if !spawned {
		t.events.emit(Event{Kind: EventDialFailed, Addr: addr, Side: Initiator, Err: ErrShutdown})
	}
}

// ConnectContext does the work of Connect on the calling goroutine and
// returns once the connection is promoted or has failed.
func (t *Tcp) ConnectContext(ctx context.Context, addr string) error {
	addr = NormalizeAddr(addr)
	if err := t.checkDialable(addr); err != nil {
		t.events.emit(Event{Kind: EventDialFailed, Addr: addr, Side: Initiator, Err: err})
		return err
	}
	c := newConnection(t.ctx, addr, Initiator, nil, t.clock.Now(), t.queueDepth())
	if err := t.conns.reserve(c); err != nil {
		c.cancel()
		t.events.emit(Event{Kind: EventDialFailed, Addr: addr, Side: Initiator, Err: err})
		return err
	}
	t.knownPeers.Observe(addr)
	t.logLifecycle("Connecting", zap.String("addr", addr), zap.Stringer("id", c.id))

	dialCtx, cancel := context.WithTimeout(c.ctx, t.cfg.ConnectionTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	conn, err := t.dial(dialCtx, "tcp", addr)
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrDial, addr, err)
		t.knownPeers.RegisterFailure(addr)
		t.teardown(c, err)
		t.events.emit(Event{Kind: EventDialFailed, Addr: addr, Side: Initiator, Err: err})
		return err
	}
	if !c.attach(conn) {
		_ = conn.Close()
		err = fmt.Errorf("%w: %s: disconnected while dialing", ErrDial, addr)
		t.events.emit(Event{Kind: EventDialFailed, Addr: addr, Side: Initiator, Err: err})
		return err
	}
	t.stats.RegisterInitiated()
	return t.establish(c)
}

func (t *Tcp) checkDialable(addr string) error {
	if t.ctx.Err() != nil {
		return ErrShutdown
	}
	if t.isSelf(addr) {
		return fmt.Errorf("%w: %s", ErrSelfConnect, addr)
	}
	if t.knownPeers.IsRestricted(addr) {
		t.stats.RegisterRejected()
		return fmt.Errorf("%w: %s", ErrRestrictedPeer, addr)
	}
	return nil
}

// isSelf reports whether addr points at our own listener.
func (t *Tcp) isSelf(addr string) bool {
	la, err := t.ListeningAddr()
	if err != nil {
		return false
	}
	if la.String() == addr {
		return true
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	lhost, lport, err := net.SplitHostPort(la.String())
	if err != nil || port != lport {
		return false
	}
	ip, lip := net.ParseIP(host), net.ParseIP(lhost)
	if ip == nil || lip == nil {
		return false
	}
	if lip.IsUnspecified() {
		return ip.IsLoopback() || ip.IsUnspecified()
	}
	return ip.Equal(lip)
}

// NormalizeAddr returns addr in the canonical form the registry keys
// connections by. Addresses that are not ip:port are returned unchanged.
func NormalizeAddr(addr string) string {
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return ap.String()
	}
	return addr
}

// Disconnect tears down the connection registered under addr. It reports
// false, and changes nothing, when there is none.
func (t *Tcp) Disconnect(addr string) bool {
	c := t.conns.lookup(NormalizeAddr(addr))
	if c == nil {
		return false
	}
	return t.teardown(c, nil)
}

// teardown evicts c, closes its socket and runs OnDisconnect. Only the first
// call for a given connection does anything.
func (t *Tcp) teardown(c *Connection, cause error) bool {
	r, ok := t.conns.remove(c)
	if !ok {
		return false
	}
	fields := []zap.Field{
		zap.String("addr", c.addr),
		zap.Stringer("side", c.side),
		zap.Stringer("was", r.prev),
		zap.Stringer("id", c.id),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	if r.conn == nil {
		t.logLifecycle("Abandoned connection attempt", fields...)
		return true
	}
	if err := r.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		t.logger.Debug("Failed to close socket", zap.String("addr", c.addr), zap.Error(err))
	}
	t.drainOutbound(c)
	t.stats.RegisterClosed()
	t.knownPeers.Observe(c.addr)
	t.logLifecycle("Disconnected", fields...)

	if !c.deferDisconnect() {
		t.runOnDisconnect(c)
	}
	t.events.emit(Event{Kind: EventDisconnected, Addr: c.addr, Side: c.side, Err: cause})
	return true
}

// NumConnected returns the number of promoted connections.
func (t *Tcp) NumConnected() int { return t.conns.numConnected() }

// NumConnecting returns the number of connections still being established.
func (t *Tcp) NumConnecting() int { return t.conns.numConnecting() }

// IsConnected reports whether addr has a promoted connection.
func (t *Tcp) IsConnected(addr string) bool {
	return t.conns.connected(NormalizeAddr(addr)) != nil
}

// IsConnecting reports whether addr is still being established.
func (t *Tcp) IsConnecting(addr string) bool {
	return t.conns.isConnecting(NormalizeAddr(addr))
}

// ConnectedAddrs lists the addresses of promoted connections, sorted.
func (t *Tcp) ConnectedAddrs() []string { return t.conns.addrs(true) }

// ConnectingAddrs lists the addresses still being established, sorted.
func (t *Tcp) ConnectingAddrs() []string { return t.conns.addrs(false) }

// Connection returns the live connection registered under addr.
func (t *Tcp) Connection(addr string) (*Connection, bool) {
	c := t.conns.lookup(NormalizeAddr(addr))
	return c, c != nil
}

// Unicast queues msg for the connection at addr. The returned channel
// receives the result of the write.
func (t *Tcp) Unicast(addr string, msg any) (<-chan error, error) {
	if t.protocols.writing == nil {
		return nil, ErrNoWriting
	}
	c := t.conns.connected(NormalizeAddr(addr))
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, addr)
	}
	return t.enqueue(c, msg)
}

func (t *Tcp) enqueue(c *Connection, msg any) (<-chan error, error) {
	out := &outbound{msg: msg, result: make(chan error, 1)}
	if err := c.push(out); err != nil {
		return nil, err
	}
	return out.result, nil
}

// Broadcast queues msg for every connected peer. Peers whose queue is full
// are skipped and reported in the returned error.
func (t *Tcp) Broadcast(msg any) error {
	if t.protocols.writing == nil {
		return ErrNoWriting
	}
	var errs error
	for _, c := range t.conns.connectedConns() {
		if _, err := t.enqueue(c, msg); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Shutdown stops the listener, force-closes every connection and waits for
// the engine's goroutines until ctx expires.
func (t *Tcp) Shutdown(ctx context.Context) error {
	t.spawnMu.Lock()
	already := t.stopping
	t.stopping = true
	t.spawnMu.Unlock()

	var errs error
	if !already {
		t.cancel()
		t.listenerMu.Lock()
		if t.listener != nil {
			if err := t.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = multierr.Append(errs, err)
			}
		}
		t.listenerMu.Unlock()
		for _, c := range t.conns.all() {
			t.teardown(c, ErrShutdown)
		}
	}

	done := make(chan struct{})
	go func() {
		t.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return multierr.Append(errs, ctx.Err())
	}

	t.cleanup.Do(func() {
		t.events.close()
		for _, c := range t.collectors {
			t.registerer.Unregister(c)
		}
		t.logger.Info("Shut down", zap.Int("known_peers", t.knownPeers.Len()))
	})
	return errs
}

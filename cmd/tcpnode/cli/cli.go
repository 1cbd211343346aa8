package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mr-tron/base58"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/empower1/nodetcp/internal/logging"
	"github.com/empower1/nodetcp/internal/router"
	"github.com/empower1/nodetcp/internal/tcp"
)

// nodeFlags collects everything the run command accepts.
type nodeFlags struct {
	name              string
	listen            string
	connect           []string
	nodeType          string
	handshake         bool
	privateKey        string
	allowRandomPort   bool
	reusePort         bool
	maxConnections    int
	connectionTimeout time.Duration
	handshakeTimeout  time.Duration
	queueDepth        int
	acceptRate        float64
	acceptBurst       int
	metricsAddr       string
	statusInterval    time.Duration
	logLevel          string
	logFormat         string
}

func (f *nodeFlags) register(fs *pflag.FlagSet) {
	def := tcp.DefaultConfig()
	fs.StringVar(&f.name, "name", "node", "Name used in logs and metrics")
	fs.StringVar(&f.listen, "listen", "0.0.0.0:4130", "Address to accept peers on, empty to only dial out")
	fs.StringSliceVar(&f.connect, "connect", nil, "Peers to dial at startup, as host:port or /ip4/.../tcp/... multiaddrs")
	fs.StringVar(&f.nodeType, "node-type", router.Client.String(), "Role announced to peers: client, prover or validator")
	fs.BoolVar(&f.handshake, "handshake", true, "Run the Noise handshake and deduplicate peers")
	fs.StringVar(&f.privateKey, "private-key", "", "Base58 static private key (see keygen); random when empty")
	fs.BoolVar(&f.allowRandomPort, "allow-random-port", false, "Fall back to a random port when the listen port is taken")
	fs.BoolVar(&f.reusePort, "reuseport", false, "Bind the listener with SO_REUSEPORT")
	fs.IntVar(&f.maxConnections, "max-connections", def.MaxConnections, "Maximum connecting plus connected peers")
	fs.DurationVar(&f.connectionTimeout, "connection-timeout", def.ConnectionTimeout, "Timeout for dialing a peer")
	fs.DurationVar(&f.handshakeTimeout, "handshake-timeout", def.HandshakeTimeout, "Timeout for the handshake")
	fs.IntVar(&f.queueDepth, "outbound-queue", def.OutboundQueueDepth, "Pending writes allowed per connection")
	fs.Float64Var(&f.acceptRate, "accept-rate", float64(def.AcceptRate), "Inbound connections accepted per second, 0 for no limit")
	fs.IntVar(&f.acceptBurst, "accept-burst", def.AcceptBurst, "Burst allowed above accept-rate")
	fs.StringVar(&f.metricsAddr, "metrics", "", "Serve prometheus metrics on this address")
	fs.DurationVar(&f.statusInterval, "status-interval", 30*time.Second, "How often to log connection status, 0 to disable")
	fs.StringVar(&f.logLevel, "log-level", "info", "debug, info, warn or error")
	fs.StringVar(&f.logFormat, "log-format", logging.FormatAuto, "auto, console or json")
}

// config maps the flags onto an engine Config.
func (f *nodeFlags) config() (tcp.Config, error) {
	cfg := tcp.DefaultConfig()
	cfg.Name = f.name
	cfg.ListenerAddr = f.listen
	cfg.AllowRandomPort = f.allowRandomPort
	cfg.ReusePort = f.reusePort
	cfg.MaxConnections = f.maxConnections
	cfg.ConnectionTimeout = f.connectionTimeout
	cfg.HandshakeTimeout = f.handshakeTimeout
	cfg.OutboundQueueDepth = f.queueDepth
	cfg.AcceptRate = rate.Limit(f.acceptRate)
	cfg.AcceptBurst = f.acceptBurst
	return cfg, cfg.Validate()
}

func (f *nodeFlags) identity() (*router.Identity, error) {
	if f.privateKey == "" {
		return router.GenerateIdentity()
	}
	raw, err := base58.Decode(f.privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", router.ErrInvalidKey, err)
	}
	return router.IdentityFromPrivateKey(raw)
}

// parsePeerAddr accepts host:port or a multiaddr with an ip and a tcp
// component.
func parsePeerAddr(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "/") {
		m, err := ma.NewMultiaddr(s)
		if err != nil {
			return "", fmt.Errorf("invalid multiaddr %q: %w", s, err)
		}
		addr, err := manet.ToNetAddr(m)
		if err != nil {
			return "", fmt.Errorf("unsupported multiaddr %q: %w", s, err)
		}
		if _, ok := addr.(*net.TCPAddr); !ok {
			return "", fmt.Errorf("multiaddr %q is not tcp", s)
		}
		return addr.String(), nil
	}
	if _, _, err := net.SplitHostPort(s); err != nil {
		return "", fmt.Errorf("invalid peer address %q: %w", s, err)
	}
	return tcp.NormalizeAddr(s), nil
}

// NewCLI builds the tcpnode command tree.
func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "tcpnode",
		Short:        "tcpnode runs a peer-to-peer TCP node.",
		SilenceUsage: true,
	}

	flags := &nodeFlags{}
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the node and connect to peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, flags)
		},
	}
	flags.register(runCmd.Flags())

	keygenCmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a static key and print it with its peer id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := router.GenerateIdentity()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "private-key: %s\npeer-id:     %s\n", base58.Encode(id.PrivateKey()), id.ID())
			return nil
		},
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(keygenCmd)
	return rootCmd
}

func runNode(ctx context.Context, f *nodeFlags) error {
	logger, err := logging.New(f.logLevel, f.logFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := f.config()
	if err != nil {
		return err
	}
	nodeType, err := router.ParseNodeType(f.nodeType)
	if err != nil {
		return err
	}
	id, err := f.identity()
	if err != nil {
		return err
	}
	peers := make([]string, 0, len(f.connect))
	for _, raw := range f.connect {
		addr, err := parsePeerAddr(raw)
		if err != nil {
			return err
		}
		peers = append(peers, addr)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts := []router.Option{router.WithLogger(logger), router.WithIdentity(id), router.WithRegisterer(reg)}
	if f.handshake {
		opts = append(opts, router.WithHandshake())
	}
	node, err := router.New(cfg, nodeType, opts...)
	if err != nil {
		return err
	}
	logger.Info("Starting node",
		zap.String("name", cfg.Name),
		zap.Stringer("peer_id", node.ID()),
		zap.Stringer("node_type", nodeType),
		zap.Bool("handshake", f.handshake))

	if cfg.ListenerAddr != "" {
		if _, err := node.EnableListener(ctx); err != nil {
			return multierr.Append(err, node.Shutdown(context.Background()))
		}
	}
	for _, addr := range peers {
		node.Connect(addr)
	}

	g, gctx := errgroup.WithContext(ctx)
	if f.metricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, f.metricsAddr, reg, logger) })
	}
	if f.statusInterval > 0 {
		g.Go(func() error { return logStatus(gctx, node, f.statusInterval, logger) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return node.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("Serving metrics", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func logStatus(ctx context.Context, node *router.Router, every time.Duration, logger *zap.Logger) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats := node.Tcp().Stats().Snapshot()
			logger.Info("Connection status",
				zap.Int("peers", node.NumberOfConnectedPeers()),
				zap.Int("connected", node.Tcp().NumConnected()),
				zap.Int("connecting", node.Tcp().NumConnecting()),
				zap.Uint64("msgs_in", stats.MessagesReceived),
				zap.Uint64("msgs_out", stats.MessagesSent),
				zap.Float64("bytes_in_per_sec", stats.ReceiveRate),
				zap.Float64("bytes_out_per_sec", stats.SendRate))
		}
	}
}

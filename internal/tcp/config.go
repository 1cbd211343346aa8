package tcp

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxConnections     = 100
	defaultConnectionTimeout  = 3 * time.Second
	defaultHandshakeTimeout   = 3 * time.Second
	defaultOutboundQueueDepth = 1024
	defaultReadBufferSize     = 64 * 1024
	defaultAcceptRate         = rate.Limit(256)
	defaultAcceptBurst        = 64
)

// Config holds the startup parameters of a Tcp engine. It is copied into the
// engine by New and never mutated afterwards.
type Config struct {
	// Name identifies the engine in logs and metrics.
	Name string
	// ListenerAddr is the desired host:port to listen on. Leave empty for a
	// node that only dials out.
	ListenerAddr string
	// AllowRandomPort makes EnableListener fall back to an OS-assigned port
	// when the desired one is taken.
	AllowRandomPort bool
	// ReusePort binds the listener with SO_REUSEPORT.
	ReusePort bool
	// MaxConnections caps connecting plus connected entries.
	MaxConnections int
	// ConnectionTimeout bounds an outbound dial.
	ConnectionTimeout time.Duration
	// HandshakeTimeout bounds the handshake stage.
	HandshakeTimeout time.Duration
	// OutboundQueueDepth is the per-connection queue of pending writes.
	OutboundQueueDepth int
	// ReadBufferSize sizes the buffered reader handed to the Reading stage.
	ReadBufferSize int
	// AcceptRate and AcceptBurst throttle the accept loop. A zero AcceptRate
	// disables throttling.
	AcceptRate  rate.Limit
	AcceptBurst int
}

// DefaultConfig returns a Config with every limit populated.
func DefaultConfig() Config {
	return Config{
		Name:               "tcp",
		MaxConnections:     defaultMaxConnections,
		ConnectionTimeout:  defaultConnectionTimeout,
		HandshakeTimeout:   defaultHandshakeTimeout,
		OutboundQueueDepth: defaultOutboundQueueDepth,
		ReadBufferSize:     defaultReadBufferSize,
		AcceptRate:         defaultAcceptRate,
		AcceptBurst:        defaultAcceptBurst,
	}
}

// Validate reports the first problem found in the configuration.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidConfig)
	}
	if c.ListenerAddr != "" {
		if _, _, err := net.SplitHostPort(c.ListenerAddr); err != nil {
			return fmt.Errorf("%w: listener address %q: %v", ErrInvalidConfig, c.ListenerAddr, err)
		}
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("%w: max connections must be positive", ErrInvalidConfig)
	}
	if c.ConnectionTimeout <= 0 || c.HandshakeTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if c.OutboundQueueDepth <= 0 {
		return fmt.Errorf("%w: outbound queue depth must be positive", ErrInvalidConfig)
	}
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("%w: read buffer size must be positive", ErrInvalidConfig)
	}
	if c.AcceptRate < 0 || (c.AcceptRate > 0 && c.AcceptBurst <= 0) {
		return fmt.Errorf("%w: accept burst must be positive when accept rate is set", ErrInvalidConfig)
	}
	return nil
}

package tcp

import "errors"

// --- Errors surfaced by the engine ---
var (
	ErrInvalidConfig          = errors.New("invalid tcp configuration")
	ErrBind                   = errors.New("failed to bind listener")
	ErrListenerAlreadyEnabled = errors.New("listener is already enabled")
	ErrNoListener             = errors.New("listener is not enabled")
	ErrDial                   = errors.New("failed to dial peer")
	ErrHandshake              = errors.New("handshake failed")
	ErrStream                 = errors.New("stream error")
	ErrRestrictedPeer         = errors.New("peer is restricted")
	ErrAlreadyConnected       = errors.New("already connected to peer")
	ErrAlreadyConnecting      = errors.New("already connecting to peer")
	ErrMaxConnections         = errors.New("maximum number of connections reached")
	ErrSelfConnect            = errors.New("attempted to connect to self")
	ErrNotConnected           = errors.New("peer is not connected")
	ErrNoWriting              = errors.New("writing protocol is not enabled")
	ErrOutboundQueueFull      = errors.New("outbound queue is full")
	ErrShutdown               = errors.New("tcp engine is shut down")
)

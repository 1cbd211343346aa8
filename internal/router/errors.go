package router

import "errors"

// --- Errors surfaced by the router ---
var (
	ErrRejected           = errors.New("router: connection rejected by peer")
	ErrSelfConnect        = errors.New("router: peer has our own identity")
	ErrIncompatible       = errors.New("router: incompatible protocol version")
	ErrAlreadyConnected   = errors.New("router: already connected to peer")
	ErrAlreadyConnecting  = errors.New("router: already connecting to peer")
	ErrDialCancelled      = errors.New("router: dial superseded by inbound connection")
	ErrPeerDisconnected   = errors.New("router: peer sent disconnect")
	ErrUnknownMessageType = errors.New("router: unknown message type")
	ErrFrameTooLarge      = errors.New("router: frame exceeds maximum size")
	ErrMalformedFrame     = errors.New("router: malformed frame")
	ErrInvalidPeerID      = errors.New("router: invalid peer id")
	ErrInvalidKey         = errors.New("router: invalid private key")
)

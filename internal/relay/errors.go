package relay

import "errors"

var (
	ErrTooManySessions  = errors.New("too many sessions")
	ErrSessionClosed    = errors.New("session closed")
	ErrSessionNotFound  = errors.New("session not found")
	ErrShuttingDown     = errors.New("relay shutting down")
	ErrEndpointClosed   = errors.New("udp endpoint closed")
	ErrEndpointNotBound = errors.New("udp endpoint not bound")
	// ErrAlreadyBound is returned by Endpoint.Bind on an endpoint that already
	// holds a socket. Rebinding requires a fresh Endpoint.
	ErrAlreadyBound = errors.New("udp endpoint already bound")
)

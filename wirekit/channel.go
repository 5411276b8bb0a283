package wirekit

import "errors"

var (
	ErrChannelClosed = errors.New("channel closed")
	ErrSendTimeout   = errors.New("send timed out")
)

// Channel is one live transport connection to a client. Send must not block
// on network I/O: implementations enqueue and let a writer goroutine drain,
// so the router can fan out under its lock without stalling on a slow peer.
type Channel interface {
	// ID is an opaque unique handle for this connection.
	ID() string

	// Send enqueues an envelope for delivery. Returns ErrChannelClosed or
	// ErrSendTimeout when the peer is gone or wedged; the caller treats
	// either as a dead channel.
	Send(*Envelope) error

	Close() error

	// RemoteAddr identifies the peer for logging.
	RemoteAddr() string
}

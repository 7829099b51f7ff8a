// Package chat provides the room hub the development backend uses to
// push realtime frames to every socket watching a chat.
package chat

import "context"

// Conn abstracts one realtime socket. *ws.Conn implements it.
type Conn interface {
	// Read reads a single text frame.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single text frame.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection with a normal closure.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

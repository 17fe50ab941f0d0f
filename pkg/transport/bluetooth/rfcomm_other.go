//go:build !linux

package bluetooth

import (
	"context"
	"net"
)

// Conn is a connected RFCOMM socket.
type Conn struct {
	net.Conn
}

// Dial always fails on this platform.
func Dial(ctx context.Context, addr Addr, channel uint8) (*Conn, error) {
	return nil, ErrUnsupported
}

// Listener accepts RFCOMM connections on one channel.
type Listener struct{}

// Listen always fails on this platform.
func Listen(channel uint8) (*Listener, error) {
	return nil, ErrUnsupported
}

// Channel returns the bound RFCOMM channel.
func (l *Listener) Channel() uint8 { return 0 }

// Accept always fails on this platform.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	return nil, ErrUnsupported
}

// Close is a no-op.
func (l *Listener) Close() error { return nil }

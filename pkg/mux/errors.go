package mux

import "errors"

// Multiplexer errors. Cancellation is reported as the context's own error
// (context.Canceled or context.DeadlineExceeded).
var (
	// ErrChannelClosed indicates an operation on a closed or unknown channel.
	ErrChannelClosed = errors.New("channel closed")

	// ErrAlreadyOpen indicates a local open for a channel that is registered.
	ErrAlreadyOpen = errors.New("channel already open")

	// ErrProtocol indicates the peer violated the multiplex protocol.
	ErrProtocol = errors.New("protocol violation")

	// ErrTransport indicates a failure of the underlying byte stream.
	ErrTransport = errors.New("transport error")

	// ErrNotReady indicates an operation that requires a completed handshake.
	ErrNotReady = errors.New("handshake not complete")

	// ErrHandshakeDone indicates a second handshake on the same connection.
	ErrHandshakeDone = errors.New("handshake already performed")

	// ErrInvalidConfig indicates an out-of-range configuration value.
	ErrInvalidConfig = errors.New("invalid mux config")
)

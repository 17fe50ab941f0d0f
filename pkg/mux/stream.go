package mux

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// Stream is a handle to one channel. It implements io.ReadWriteCloser.
//
// A Stream keeps its channel state alive, so buffered bytes stay readable
// after the channel has been closed by the peer or removed from the
// connection.
type Stream struct {
	conn  *Conn
	state *channelState
}

func newStream(c *Conn, s *channelState) *Stream {
	return &Stream{conn: c, state: s}
}

// ID returns the channel identifier.
func (s *Stream) ID() uuid.UUID {
	return s.state.id
}

// Conn returns the connection the stream belongs to.
func (s *Stream) Conn() *Conn {
	return s.conn
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	return s.ReadContext(context.Background(), p)
}

// ReadContext reads like Read but gives up when ctx is done.
func (s *Stream) ReadContext(ctx context.Context, p []byte) (int, error) {
	return s.conn.readState(ctx, s.state, p)
}

// Write implements io.Writer. Unlike Conn.Write it keeps sending until all
// of p is written or an error occurs.
func (s *Stream) Write(p []byte) (int, error) {
	return s.WriteContext(context.Background(), p)
}

// WriteContext writes like Write but gives up when ctx is done. The count
// of bytes already sent is returned with the error.
func (s *Stream) WriteContext(ctx context.Context, p []byte) (int, error) {
	var written int
	for written < len(p) {
		n, err := s.conn.writeState(ctx, s.state, p[written:])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// Close closes the channel and notifies the peer. It is safe to call more
// than once.
func (s *Stream) Close() error {
	return s.conn.closeState(s.state)
}

var _ io.ReadWriteCloser = (*Stream)(nil)

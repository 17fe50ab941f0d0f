package mux

import (
	"bufio"
	"context"
	"fmt"
	"sync"

	"github.com/devlink-protocol/devlink-go/pkg/packet"
)

// Channel is the negotiated result of a handshake: the bootstrap stream
// together with both identity packets. Packets written to and read from it
// are newline-delimited JSON.
type Channel struct {
	conn   *Conn
	stream *Stream

	identity     *packet.Packet
	peerIdentity *packet.Packet

	writeMu sync.Mutex

	readMu sync.Mutex
	src    *contextReader
	reader *bufio.Reader
}

func newChannel(c *Conn, s *Stream, identity *packet.Packet) *Channel {
	src := &contextReader{stream: s, ctx: context.Background()}
	return &Channel{
		conn:     c,
		stream:   s,
		identity: identity,
		src:      src,
		reader:   bufio.NewReader(src),
	}
}

// Identity returns the identity packet sent by this side.
func (ch *Channel) Identity() *packet.Packet {
	return ch.identity
}

// PeerIdentity returns the identity packet received from the peer.
func (ch *Channel) PeerIdentity() *packet.Packet {
	return ch.peerIdentity
}

// Conn returns the multiplexed connection, for opening further channels.
func (ch *Channel) Conn() *Conn {
	return ch.conn
}

// Stream returns the bootstrap stream.
func (ch *Channel) Stream() *Stream {
	return ch.stream
}

// WritePacket writes p as a single line.
func (ch *Channel) WritePacket(ctx context.Context, p *packet.Packet) error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()

	if err := packet.Write(contextWriter{stream: ch.stream, ctx: ctx}, p); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	return nil
}

// ReadPacket reads the next packet. If ctx is cancelled part way through a
// packet the remainder is lost; close the channel afterwards.
func (ch *Channel) ReadPacket(ctx context.Context) (*packet.Packet, error) {
	ch.readMu.Lock()
	defer ch.readMu.Unlock()

	ch.src.ctx = ctx
	defer func() { ch.src.ctx = context.Background() }()

	p, err := packet.Read(ch.reader)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Close closes the underlying connection and every channel on it.
func (ch *Channel) Close() error {
	return ch.conn.Close()
}

// contextReader adapts a Stream to io.Reader for a context chosen per call.
type contextReader struct {
	stream *Stream
	ctx    context.Context
}

func (r *contextReader) Read(p []byte) (int, error) {
	return r.stream.ReadContext(r.ctx, p)
}

// contextWriter adapts a Stream to io.Writer for one call's context.
type contextWriter struct {
	stream *Stream
	ctx    context.Context
}

func (w contextWriter) Write(p []byte) (int, error) {
	return w.stream.WriteContext(w.ctx, p)
}

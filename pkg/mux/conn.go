package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/devlink-protocol/devlink-go/pkg/log"
	"github.com/devlink-protocol/devlink-go/pkg/packet"
	"github.com/devlink-protocol/devlink-go/pkg/version"
)

// BootstrapChannel is the well-known channel that carries the identity
// exchange. Both peers know it before any Open frame is sent.
var BootstrapChannel = uuid.MustParse("a0d0aaf4-1072-4d81-aa35-902a954b1266")

// MaxLogFrameDataSize bounds the payload bytes copied into a frame event.
const MaxLogFrameDataSize = 4096

// State is the lifecycle state of a connection.
type State int32

const (
	// StateNew indicates a connection that has not started its handshake.
	StateNew State = iota

	// StateHandshaking indicates the version and identity exchange is running.
	StateHandshaking

	// StateOpen indicates channels can be opened and used.
	StateOpen

	// StateClosed indicates the connection and all its channels are closed.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Conn multiplexes channels over one duplex byte stream.
//
// All methods are safe for concurrent use. A Conn is used once: after it
// closes, a new one must be created over a new stream.
type Conn struct {
	cfg    Config
	rw     io.ReadWriteCloser
	logger *slog.Logger
	plog   log.Logger

	// sendMu serializes every frame written to rw.
	sendMu sync.Mutex

	channels *registry

	state   atomic.Int32
	version atomic.Uint32
	peerID  atomic.Pointer[string]

	group     errgroup.Group
	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	errMu    sync.Mutex
	err      error
	closeErr error
}

// New creates a connection over rw. The handshake has not run yet; call
// Handshake before opening channels.
func New(rw io.ReadWriteCloser, cfg Config) (*Conn, error) {
	if rw == nil {
		return nil, fmt.Errorf("%w: nil stream", ErrInvalidConfig)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ConnectionID == "" {
		cfg.ConnectionID = uuid.NewString()
	}

	c := &Conn{
		cfg:      cfg,
		rw:       rw,
		logger:   cfg.Logger.With("conn_id", cfg.ConnectionID),
		plog:     cfg.ProtocolLogger,
		channels: newRegistry(),
		done:     make(chan struct{}),
	}
	c.state.Store(int32(StateNew))
	return c, nil
}

// ID returns the connection identifier used in log output.
func (c *Conn) ID() string {
	return c.cfg.ConnectionID
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Version returns the negotiated protocol version, or 0 before the
// handshake has agreed on one.
func (c *Conn) Version() uint16 {
	return uint16(c.version.Load())
}

// BufferSize returns the per-channel buffer capacity.
func (c *Conn) BufferSize() int {
	return c.cfg.BufferSize
}

// Done returns a channel that is closed when the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection shut down. It is nil while the
// connection is alive and after a local Close.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Channels returns the identifiers of all registered channels.
func (c *Conn) Channels() []uuid.UUID {
	return c.channels.ids()
}

// Handshake negotiates the protocol version, starts the receive loop and
// exchanges identity packets over the bootstrap channel.
//
// Any failure, including cancellation of ctx, closes the connection.
func (c *Conn) Handshake(ctx context.Context, identity *packet.Packet) (*Channel, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	if !c.state.CompareAndSwap(int32(StateNew), int32(StateHandshaking)) {
		return nil, ErrHandshakeDone
	}
	c.logState(log.StateEntityConnection, StateNew.String(), StateHandshaking.String(), "", uuid.Nil)

	bootstrap := newChannelState(BootstrapChannel, c.cfg.BufferSize)
	c.channels.insert(bootstrap)

	// The version exchange reads rw directly, so cancellation can only
	// interrupt it by closing the stream.
	stop := context.AfterFunc(ctx, func() {
		c.shutdown(ctx.Err())
	})
	agreed, err := c.exchangeVersions()
	if !stop() {
		return nil, ctx.Err()
	}
	if err != nil {
		c.shutdown(err)
		return nil, err
	}

	c.version.Store(uint32(agreed))
	c.logState(log.StateEntityHandshake, "", "VERSION_AGREED", fmt.Sprintf("version %d", agreed), uuid.Nil)

	if bootstrap.authorizeInitial(c.cfg.BufferSize) {
		if err := c.sendCredit(BootstrapChannel, c.cfg.BufferSize); err != nil {
			return nil, err
		}
	}

	c.startReceiving()

	// Both sides send before they read. An identity larger than the buffer
	// only completes once the peer reads and returns credit, so the write
	// runs alongside the read.
	ch := newChannel(c, newStream(c, bootstrap), identity)
	var send errgroup.Group
	send.Go(func() error {
		if err := ch.WritePacket(ctx, identity); err != nil {
			c.shutdown(err)
			return fmt.Errorf("send identity: %w", err)
		}
		return nil
	})

	peer, err := ch.ReadPacket(ctx)
	if err != nil {
		if errors.Is(err, packet.ErrInvalidPacket) || errors.Is(err, packet.ErrPacketTooLarge) {
			err = fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		// Shutdown wakes the writer if it is still waiting for credit.
		c.shutdown(err)
		_ = send.Wait()
		return nil, fmt.Errorf("receive identity: %w", err)
	}
	if err := send.Wait(); err != nil {
		return nil, err
	}
	if peer.Type != packet.TypeIdentity {
		err := fmt.Errorf("%w: expected %s packet, got %s", ErrProtocol, packet.TypeIdentity, peer.Type)
		c.shutdown(err)
		return nil, err
	}
	ch.peerIdentity = peer

	deviceID := peer.DeviceID()
	c.peerID.Store(&deviceID)
	c.logState(log.StateEntityHandshake, "", "IDENTIFIED", deviceID, uuid.Nil)
	c.logger.Debug("handshake complete", "version", agreed, "device_id", deviceID)

	return ch, nil
}

// exchangeVersions sends the local version range, reads the peer's and
// agrees on a version.
func (c *Conn) exchangeVersions() (uint16, error) {
	local := c.cfg.Versions
	if err := c.send(MessageVersion, BootstrapChannel, EncodeVersion(local.Min, local.Max)); err != nil {
		return 0, err
	}

	h, payload, err := c.readFrame()
	if err != nil {
		return 0, err
	}
	if h.Type != MessageVersion {
		return 0, fmt.Errorf("%w: expected %s frame, got %s", ErrProtocol, MessageVersion, h.Type)
	}
	peerMin, peerMax, err := DecodeVersion(payload)
	if err != nil {
		return 0, err
	}

	agreed, err := version.Negotiate(local, version.Range{Min: peerMin, Max: peerMax})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return agreed, nil
}

// startReceiving marks the connection open and starts the receive loop.
func (c *Conn) startReceiving() {
	old := c.State()
	if old == StateClosed || !c.state.CompareAndSwap(int32(old), int32(StateOpen)) {
		return
	}
	c.logState(log.StateEntityConnection, old.String(), StateOpen.String(), "", uuid.Nil)

	c.group.Go(func() error {
		err := c.receive()
		c.shutdown(err)
		return err
	})
}

// ready returns an error unless channels can be used.
func (c *Conn) ready() error {
	switch c.State() {
	case StateOpen:
		return nil
	case StateClosed:
		return c.closedErr()
	default:
		return ErrNotReady
	}
}

// OpenChannel registers a new channel, announces it to the peer and grants
// the peer the configured buffer size as read credit.
func (c *Conn) OpenChannel(ctx context.Context, id uuid.UUID) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.ready(); err != nil {
		return nil, err
	}

	s := newChannelState(id, c.cfg.BufferSize)
	if !c.channels.insert(s) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, id)
	}
	// Shutdown drains the registry after setting the state, so a state
	// inserted after the drain is caught here.
	if c.State() == StateClosed {
		c.channels.removeLocal(s)
		s.close(c.closedErr())
		return nil, c.closedErr()
	}

	if err := c.send(MessageOpen, id, nil); err != nil {
		return nil, err
	}
	s.authorizeInitial(c.cfg.BufferSize)
	if err := c.sendCredit(id, c.cfg.BufferSize); err != nil {
		return nil, err
	}

	c.logState(log.StateEntityChannel, "", "OPEN", "local", id)
	return newStream(c, s), nil
}

// AcceptChannel waits for the peer to open id, grants it the configured
// buffer size as read credit and returns the stream. The registry is polled
// every AcceptInterval.
func (c *Conn) AcceptChannel(ctx context.Context, id uuid.UUID) (*Stream, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(c.cfg.AcceptInterval)
	defer ticker.Stop()

	for {
		if s, ok := c.channels.lookup(id); ok {
			if s.authorizeInitial(c.cfg.BufferSize) {
				if err := c.sendCredit(id, c.cfg.BufferSize); err != nil {
					return nil, err
				}
				c.logState(log.StateEntityChannel, "", "OPEN", "accepted", id)
			}
			return newStream(c, s), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, c.closedErr()
		case <-ticker.C:
		}
	}
}

// CloseChannel closes id locally and sends a Close frame if the channel was
// registered. Closing an unknown or already closed channel succeeds.
func (c *Conn) CloseChannel(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s, ok := c.channels.lookup(id)
	if !ok {
		return nil
	}
	return c.closeState(s)
}

func (c *Conn) closeState(s *channelState) error {
	if !c.channels.removeLocal(s) {
		return nil
	}
	s.close(fmt.Errorf("%w: %s closed locally", ErrChannelClosed, s.id))
	c.logState(log.StateEntityChannel, "OPEN", "CLOSED", "local", s.id)
	return c.send(MessageClose, s.id, nil)
}

// Read reads from channel id into p, blocking until at least one byte is
// available. Consumed bytes are granted back to the peer as credit.
//
// Read returns io.EOF once the peer has closed the channel and the buffer
// is drained.
func (c *Conn) Read(ctx context.Context, id uuid.UUID, p []byte) (int, error) {
	s, ok := c.channels.lookup(id)
	if !ok {
		return 0, c.unknownChannel(id)
	}
	return c.readState(ctx, s, p)
}

func (c *Conn) readState(ctx context.Context, s *channelState, p []byte) (int, error) {
	n, err := s.read(ctx, p)
	if n == 0 || s.isClosed() {
		return n, err
	}

	// Authorize before the grant is on the wire: the peer may answer with
	// Data before this goroutine runs again.
	s.authorize(n)
	if err := c.sendCredit(s.id, n); err != nil {
		return n, err
	}
	return n, nil
}

// Write sends up to len(p) bytes on channel id as a single Data frame,
// blocking until the peer has granted credit. It returns fewer than len(p)
// bytes when credit is short; callers retry with the remainder.
func (c *Conn) Write(ctx context.Context, id uuid.UUID, p []byte) (int, error) {
	s, ok := c.channels.lookup(id)
	if !ok {
		return 0, c.unknownChannel(id)
	}
	return c.writeState(ctx, s, p)
}

func (c *Conn) writeState(ctx context.Context, s *channelState, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	n, err := s.reserve(ctx, min(len(p), MaxPayloadSize))
	if err != nil {
		return 0, err
	}
	if err := c.send(MessageData, s.id, p[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

// Close shuts the connection down, closing every channel, and waits for the
// receive loop to exit.
func (c *Conn) Close() error {
	c.closing.Store(true)
	c.shutdown(nil)
	_ = c.group.Wait()

	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.closeErr
}

// shutdown closes the stream and force-closes every channel. The first
// cause wins; a nil cause is a local close.
func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		old := State(c.state.Swap(int32(StateClosed)))

		closeErr := c.rw.Close()

		c.errMu.Lock()
		c.err = cause
		c.closeErr = closeErr
		c.errMu.Unlock()

		chErr := c.closedErr()
		for _, s := range c.channels.drain() {
			s.close(chErr)
		}
		close(c.done)

		reason := ""
		if cause != nil {
			reason = cause.Error()
			c.logger.Debug("connection closed", "error", cause)
		}
		c.logState(log.StateEntityConnection, old.String(), StateClosed.String(), reason, uuid.Nil)
	})
}

// closedErr is reported by channels of a connection that has shut down.
func (c *Conn) closedErr() error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("%w: connection closed: %w", ErrChannelClosed, err)
	}
	return fmt.Errorf("%w: connection closed", ErrChannelClosed)
}

func (c *Conn) unknownChannel(id uuid.UUID) error {
	if c.State() == StateClosed {
		return c.closedErr()
	}
	return fmt.Errorf("%w: unknown channel %s", ErrChannelClosed, id)
}

func (c *Conn) sendCredit(id uuid.UUID, n int) error {
	return c.send(MessageCredit, id, EncodeCredit(uint16(n)))
}

// send writes one frame. Header and payload go out in a single Write so
// frames are never interleaved. A write failure shuts the connection down.
func (c *Conn) send(t MessageType, id uuid.UUID, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: payload of %d bytes", ErrProtocol, len(payload))
	}

	hdr := EncodeHeader(Header{Type: t, Size: uint16(len(payload)), Channel: id})
	frame := make([]byte, HeaderSize+len(payload))
	copy(frame, hdr[:])
	copy(frame[HeaderSize:], payload)

	c.sendMu.Lock()
	_, err := c.rw.Write(frame)
	c.sendMu.Unlock()

	if err != nil {
		err = fmt.Errorf("%w: write %s frame: %w", ErrTransport, t, err)
		c.logError(log.LayerTransport, err, "send")
		c.shutdown(err)
		if c.closing.Load() {
			return c.closedErr()
		}
		return err
	}

	c.logFrame(log.DirectionOut, t, id, payload)
	return nil
}

// readFrame reads exactly one frame from rw.
func (c *Conn) readFrame() (Header, []byte, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(c.rw, buf[:]); err != nil {
		return Header{}, nil, fmt.Errorf("%w: read header: %w", ErrTransport, err)
	}
	h := DecodeHeader(buf)

	var payload []byte
	if h.Size > 0 {
		payload = make([]byte, h.Size)
		if _, err := io.ReadFull(c.rw, payload); err != nil {
			return Header{}, nil, fmt.Errorf("%w: read %s payload: %w", ErrTransport, h.Type, err)
		}
	}

	c.logFrame(log.DirectionIn, h.Type, h.Channel, payload)
	return h, payload, nil
}

// receive runs until the stream fails or a frame violates the protocol.
// It returns nil when the connection was closed locally.
func (c *Conn) receive() error {
	for {
		h, payload, err := c.readFrame()
		if err != nil {
			if c.closing.Load() {
				return nil
			}
			return err
		}

		if err := c.dispatch(h, payload); err != nil {
			c.logError(log.LayerMux, err, "receive")
			return err
		}
	}
}

func (c *Conn) dispatch(h Header, payload []byte) error {
	switch h.Type {
	case MessageVersion:
		return fmt.Errorf("%w: %s frame after handshake", ErrProtocol, h.Type)

	case MessageOpen:
		if !c.channels.insert(newChannelState(h.Channel, c.cfg.BufferSize)) {
			c.logger.Warn("ignoring open for registered channel", "channel_id", h.Channel)
			return nil
		}
		c.logState(log.StateEntityChannel, "", "OPEN", "peer", h.Channel)
		return nil

	case MessageClose:
		s, ok := c.channels.remove(h.Channel)
		if !ok {
			c.channels.forget(h.Channel)
			return nil
		}
		s.close(nil)
		c.logState(log.StateEntityChannel, "OPEN", "CLOSED", "peer", h.Channel)
		return nil

	case MessageCredit:
		n, err := DecodeCredit(payload)
		if err != nil {
			return err
		}
		if s, ok := c.channels.lookup(h.Channel); ok {
			s.grant(int(n))
		}
		return nil

	case MessageData:
		s, ok := c.channels.lookup(h.Channel)
		if !ok {
			if c.channels.buried(h.Channel) {
				return nil
			}
			return fmt.Errorf("%w: data for unknown channel %s", ErrProtocol, h.Channel)
		}
		return s.deliver(payload)

	default:
		return fmt.Errorf("%w: unknown message type %d", ErrProtocol, uint8(h.Type))
	}
}

func (c *Conn) event(layer log.Layer, category log.Category, channel uuid.UUID) log.Event {
	e := log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.cfg.ConnectionID,
		Layer:        layer,
		Category:     category,
		RemoteAddr:   c.cfg.RemoteAddr,
	}
	if id := c.peerID.Load(); id != nil {
		e.DeviceID = *id
	}
	if channel != uuid.Nil {
		e.ChannelID = channel.String()
	}
	return e
}

func (c *Conn) logFrame(dir log.Direction, t MessageType, channel uuid.UUID, payload []byte) {
	if c.plog == nil {
		return
	}

	e := c.event(log.LayerMux, log.CategoryFrame, channel)
	e.Direction = dir
	e.Frame = &log.FrameEvent{
		Type: t.String(),
		Size: len(payload),
	}
	if t == MessageCredit {
		if n, err := DecodeCredit(payload); err == nil {
			e.Frame.Credit = int(n)
		}
	}
	if len(payload) > 0 {
		data := payload
		if len(data) > MaxLogFrameDataSize {
			data = data[:MaxLogFrameDataSize]
			e.Frame.Truncated = true
		}
		e.Frame.Data = append([]byte(nil), data...)
	}
	c.plog.Log(e)
}

func (c *Conn) logState(entity log.StateEntity, oldState, newState, reason string, channel uuid.UUID) {
	if c.plog == nil {
		return
	}
	e := c.event(log.LayerMux, log.CategoryState, channel)
	if entity == log.StateEntityChannel {
		e.Layer = log.LayerChannel
	}
	e.StateChange = &log.StateChangeEvent{
		Entity:   entity,
		OldState: oldState,
		NewState: newState,
		Reason:   reason,
	}
	c.plog.Log(e)
}

func (c *Conn) logError(layer log.Layer, err error, op string) {
	if c.plog == nil {
		return
	}
	e := c.event(layer, log.CategoryError, uuid.Nil)
	e.Error = &log.ErrorEventData{
		Layer:   layer,
		Message: err.Error(),
		Context: op,
	}
	c.plog.Log(e)
}

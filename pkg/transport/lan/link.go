package lan

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/devlink-protocol/devlink-go/pkg/cert"
	"github.com/devlink-protocol/devlink-go/pkg/mux"
	"github.com/devlink-protocol/devlink-go/pkg/packet"
)

// Transport defaults.
const (
	// DefaultPort is the default TCP port of the LAN transport.
	DefaultPort = 1716

	// AuxPortMin and AuxPortMax bound the ports probed for auxiliary
	// transfer listeners.
	AuxPortMin = 1739
	AuxPortMax = 1764

	// DefaultDialTimeout bounds TCP connection setup.
	DefaultDialTimeout = 10 * time.Second

	// DefaultHandshakeTimeout bounds the TLS and multiplex handshakes of
	// one connection.
	DefaultHandshakeTimeout = 15 * time.Second
)

// Config configures both ends of the LAN transport.
type Config struct {
	// Certificate is the local device certificate, with private key.
	Certificate *cert.Certificate

	// Identity is sent to the peer after the multiplex handshake. Its
	// DeviceID must equal the certificate's common name.
	Identity packet.Identity

	// Trust decides whether a peer certificate is acceptable.
	// Default: TrustAll.
	Trust TrustVerifier

	// Store receives the peer's certificate after a successful handshake.
	// Nil disables persistence.
	Store cert.Store

	// Mux configures the multiplexed connection.
	Mux mux.Config

	// DialTimeout bounds TCP connection setup. Default: 10s.
	DialTimeout time.Duration

	// HandshakeTimeout bounds the TLS and multiplex handshakes, so a peer
	// that connects and goes silent cannot hold Accept. Default: 15s.
	HandshakeTimeout time.Duration

	// Logger receives operational log output. Default: slog.Default().
	Logger *slog.Logger
}

func (c *Config) applyDefaults() error {
	if c.Certificate == nil {
		return errors.New("local certificate is required")
	}
	if c.Trust == nil {
		c.Trust = TrustAll
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Mux.Logger == nil {
		c.Mux.Logger = c.Logger
	}

	id, err := c.Certificate.DeviceID()
	if err != nil {
		return err
	}
	if c.Identity.DeviceID == "" {
		c.Identity.DeviceID = id
	}
	return nil
}

// Link is an authenticated, multiplexed connection to a peer.
type Link struct {
	conn    *mux.Conn
	channel *mux.Channel
	local   *cert.Certificate
	peer    *cert.Certificate
	peerID  packet.Identity
	raddr   net.Addr
}

// Conn returns the multiplexed connection.
func (l *Link) Conn() *mux.Conn { return l.conn }

// Channel returns the negotiated bootstrap channel.
func (l *Link) Channel() *mux.Channel { return l.channel }

// PeerCertificate returns the certificate the peer presented.
func (l *Link) PeerCertificate() *cert.Certificate { return l.peer }

// PeerIdentity returns the peer's parsed identity packet.
func (l *Link) PeerIdentity() packet.Identity { return l.peerID }

// RemoteAddr returns the peer's network address.
func (l *Link) RemoteAddr() net.Addr { return l.raddr }

// VerificationKey returns the key both users compare to confirm the pairing.
func (l *Link) VerificationKey() string {
	return cert.VerificationKeyFor(l.local, l.peer)
}

// Close tears down the connection and every channel on it.
func (l *Link) Close() error {
	return l.conn.Close()
}

// Dial connects to addr, authenticates the peer and performs the multiplex
// handshake.
func Dial(ctx context.Context, addr string, cfg Config) (*Link, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	tlsConf, err := NewTLSConfig(cfg.Certificate, cfg.Trust)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: cfg.DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return establish(ctx, tls.Client(raw, tlsConf), &cfg)
}

// establish completes TLS and the multiplex handshake on conn. conn is
// closed on failure.
func establish(ctx context.Context, conn *tls.Conn, cfg *Config) (*Link, error) {
	logger := cfg.Logger.With("remote", conn.RemoteAddr().String())

	ctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()

	if err := conn.HandshakeContext(ctx); err != nil {
		conn.Close()
		logger.Debug("tls handshake failed", "error", err)
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	state := conn.ConnectionState()
	if err := VerifyTLS13(state); err != nil {
		conn.Close()
		return nil, err
	}
	peer, err := peerCertificate(state)
	if err != nil {
		conn.Close()
		return nil, err
	}
	certID, err := peer.DeviceID()
	if err != nil {
		conn.Close()
		return nil, err
	}

	muxCfg := cfg.Mux
	muxCfg.RemoteAddr = conn.RemoteAddr().String()
	mc, err := mux.New(conn, muxCfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	ch, err := mc.Handshake(ctx, packet.NewIdentity(cfg.Identity))
	if err != nil {
		return nil, err
	}

	peerID, err := packet.ParseIdentity(ch.PeerIdentity())
	if err != nil {
		mc.Close()
		return nil, err
	}
	if peerID.DeviceID != certID {
		mc.Close()
		return nil, fmt.Errorf("%w: identity %q, certificate %q", ErrIdentityMismatch, peerID.DeviceID, certID)
	}

	if cfg.Store != nil {
		if err := cfg.Store.Set(peer); err != nil {
			logger.Warn("failed to store peer certificate", "device_id", certID, "error", err)
		}
	}

	logger.Info("link established",
		"device_id", certID,
		"device_name", peerID.DeviceName,
		"fingerprint", peer.Fingerprint(),
		"version", mc.Version())

	return &Link{
		conn:    mc,
		channel: ch,
		local:   cfg.Certificate,
		peer:    peer,
		peerID:  peerID,
		raddr:   conn.RemoteAddr(),
	}, nil
}

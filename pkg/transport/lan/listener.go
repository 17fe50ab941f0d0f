package lan

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"
)

// Listener accepts authenticated links.
type Listener struct {
	ln      *net.TCPListener
	cfg     Config
	tlsConf *tls.Config
}

// Listen opens a listener on addr, e.g. ":1716".
func Listen(addr string, cfg Config) (*Listener, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, err
	}
	return newListener(ln, cfg)
}

// ListenAux opens a listener on the first free port in
// [AuxPortMin, AuxPortMax] on host. Returns ErrNoAuxPort if every port is
// taken.
func ListenAux(host string, cfg Config) (*Listener, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	var ip net.IP
	if host != "" {
		if ip = net.ParseIP(host); ip == nil {
			return nil, fmt.Errorf("invalid listen address %q", host)
		}
	}

	for port := AuxPortMin; port <= AuxPortMax; port++ {
		ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: ip, Port: port})
		if err != nil {
			cfg.Logger.Debug("auxiliary port busy", "port", port, "error", err)
			continue
		}
		return newListener(ln, cfg)
	}
	return nil, fmt.Errorf("%w: ports %d-%d in use", ErrNoAuxPort, AuxPortMin, AuxPortMax)
}

func newListener(ln *net.TCPListener, cfg Config) (*Listener, error) {
	tlsConf, err := NewTLSConfig(cfg.Certificate, cfg.Trust)
	if err != nil {
		ln.Close()
		return nil, err
	}
	if cfg.Identity.TCPPort == 0 {
		cfg.Identity.TCPPort = uint16(ln.Addr().(*net.TCPAddr).Port)
	}
	return &Listener{ln: ln, cfg: cfg, tlsConf: tlsConf}, nil
}

// Addr returns the listening address.
func (l *Listener) Addr() *net.TCPAddr {
	return l.ln.Addr().(*net.TCPAddr)
}

// Port returns the listening port.
func (l *Listener) Port() int {
	return l.Addr().Port
}

// Accept waits for the next peer and completes TLS and the multiplex
// handshake with it. A failed handshake is returned as an error; the
// listener stays usable.
func (l *Listener) Accept(ctx context.Context) (*Link, error) {
	stop := context.AfterFunc(ctx, func() {
		l.ln.SetDeadline(time.Unix(1, 0))
	})
	raw, err := l.ln.Accept()
	if !stop() {
		l.ln.SetDeadline(time.Time{})
		if err == nil {
			raw.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return establish(ctx, tls.Server(raw, l.tlsConf), &l.cfg)
}

// Close stops listening. Established links are unaffected.
func (l *Listener) Close() error {
	err := l.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

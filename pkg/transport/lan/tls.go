package lan

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/devlink-protocol/devlink-go/pkg/cert"
)

// NewTLSConfig builds a TLS 1.3 configuration presenting local and
// delegating peer verification to trust. The same configuration serves
// both roles: servers require a client certificate and clients skip the
// hostname checks that do not apply to device certificates.
func NewTLSConfig(local *cert.Certificate, trust TrustVerifier) (*tls.Config, error) {
	if local == nil {
		return nil, errors.New("local certificate is required")
	}
	if trust == nil {
		return nil, errors.New("trust verifier is required")
	}
	tlsCert, err := local.TLSCertificate()
	if err != nil {
		return nil, err
	}

	verifyPeer := func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("%w: no certificate presented", ErrUntrusted)
		}
		peer, err := cert.Parse(rawCerts[0])
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUntrusted, err)
		}
		if err := trust.Verify(peer); err != nil {
			if errors.Is(err, ErrUntrusted) {
				return err
			}
			return fmt.Errorf("%w: %w", ErrUntrusted, err)
		}
		return nil
	}

	return &tls.Config{
		// TLS 1.3 only
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,

		Certificates: []tls.Certificate{tlsCert},

		// Self-signed peers: chain and hostname checks are replaced by verifyPeer.
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true,

		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},

		SessionTicketsDisabled: true,
		VerifyPeerCertificate:  verifyPeer,
	}, nil
}

// VerifyTLS13 checks that a TLS connection is using TLS 1.3.
func VerifyTLS13(state tls.ConnectionState) error {
	if state.Version != tls.VersionTLS13 {
		return fmt.Errorf("TLS version %x is not TLS 1.3 (0x0304)", state.Version)
	}
	return nil
}

// peerCertificate extracts the verified peer certificate of a completed
// handshake.
func peerCertificate(state tls.ConnectionState) (*cert.Certificate, error) {
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("%w: no peer certificate", ErrUntrusted)
	}
	return cert.New(state.PeerCertificates[0], nil)
}

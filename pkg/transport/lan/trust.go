package lan

import (
	"errors"
	"fmt"

	"github.com/devlink-protocol/devlink-go/pkg/cert"
)

// Transport errors.
var (
	ErrUntrusted        = errors.New("peer not trusted")
	ErrIdentityMismatch = errors.New("identity does not match certificate")
	ErrNoAuxPort        = errors.New("no auxiliary port available")
)

// TrustVerifier decides whether a peer certificate is acceptable.
// A non-nil error aborts the TLS handshake.
type TrustVerifier interface {
	Verify(peer *cert.Certificate) error
}

// TrustFunc adapts a function to TrustVerifier.
type TrustFunc func(peer *cert.Certificate) error

// Verify calls f.
func (f TrustFunc) Verify(peer *cert.Certificate) error {
	return f(peer)
}

// TrustAll accepts any certificate carrying a device ID. Intended for
// pairing, where the verification key is confirmed by the user instead.
var TrustAll TrustVerifier = TrustFunc(func(peer *cert.Certificate) error {
	_, err := peer.DeviceID()
	return err
})

// Pinned trusts only peers whose certificate is in store with an
// identical fingerprint.
func Pinned(store cert.Store) TrustVerifier {
	return pinned{store: store}
}

// FirstUse trusts unknown peers but rejects a known peer presenting a
// different certificate than the one stored.
func FirstUse(store cert.Store) TrustVerifier {
	return pinned{store: store, allowUnknown: true}
}

type pinned struct {
	store        cert.Store
	allowUnknown bool
}

func (p pinned) Verify(peer *cert.Certificate) error {
	id, err := peer.DeviceID()
	if err != nil {
		return err
	}

	known, err := p.store.Get(id)
	if errors.Is(err, cert.ErrCertNotFound) {
		if p.allowUnknown {
			return nil
		}
		return fmt.Errorf("%w: unknown device %s", ErrUntrusted, id)
	}
	if err != nil {
		return err
	}
	if known.Fingerprint() != peer.Fingerprint() {
		return fmt.Errorf("%w: certificate of %s changed (%s)", ErrUntrusted, id, peer.Fingerprint())
	}
	return nil
}

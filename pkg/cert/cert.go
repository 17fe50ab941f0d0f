// Package cert manages the self-signed TLS certificates devices use to
// identify themselves, and the certificates of trusted peers.
//
// A device certificate's common name is the device identifier. Peers are
// not verified against a CA; instead users compare a verification key
// derived from both public keys.
package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"
)

// Validity is the lifetime of a generated device certificate.
const Validity = 10 * 365 * 24 * time.Hour

// Subject fields of generated certificates.
const (
	Organization       = "devlink"
	OrganizationalUnit = "devlink"
)

// Certificate errors.
var (
	ErrInvalidCert   = errors.New("invalid certificate")
	ErrNoCommonName  = errors.New("certificate has no common name")
	ErrKeyMismatch   = errors.New("private key does not match certificate")
	ErrEmptyDeviceID = errors.New("empty device id")
)

// Certificate is a device certificate, optionally with its private key.
// Derived values are computed once and cached.
type Certificate struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey

	idOnce   sync.Once
	deviceID string
	idErr    error

	fpOnce      sync.Once
	fingerprint string
}

// New wraps a parsed certificate and its private key. key may be nil for a
// peer certificate.
func New(cert *x509.Certificate, key *ecdsa.PrivateKey) (*Certificate, error) {
	if cert == nil {
		return nil, ErrInvalidCert
	}
	if key != nil {
		pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
		if !ok || !pub.Equal(&key.PublicKey) {
			return nil, ErrKeyMismatch
		}
	}
	return &Certificate{cert: cert, key: key}, nil
}

// Parse wraps a DER-encoded peer certificate, as presented during TLS.
func Parse(der []byte) (*Certificate, error) {
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCert, err)
	}
	return New(c, nil)
}

// Generate creates a self-signed ECDSA P-256 certificate for deviceID.
func Generate(deviceID string) (*Certificate, error) {
	if deviceID == "" {
		return nil, ErrEmptyDeviceID
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization:       []string{Organization},
			OrganizationalUnit: []string{OrganizationalUnit},
			CommonName:         deviceID,
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(Validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return &Certificate{cert: c, key: key}, nil
}

// LoadOrGenerate reads the key and certificate at keyPath and certPath. If
// either file is missing a new certificate for deviceID is generated and
// both files are written.
func LoadOrGenerate(keyPath, certPath, deviceID string) (*Certificate, error) {
	key, keyErr := ReadKeyFile(keyPath)
	c, certErr := ReadCertFile(certPath)

	if keyErr == nil && certErr == nil {
		return New(c, key)
	}
	for _, err := range []error{keyErr, certErr} {
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	gen, err := Generate(deviceID)
	if err != nil {
		return nil, err
	}
	if err := WriteKeyFile(keyPath, gen.key); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	if err := WriteCertFile(certPath, gen.cert); err != nil {
		return nil, fmt.Errorf("write certificate: %w", err)
	}
	return gen, nil
}

// X509 returns the parsed certificate.
func (c *Certificate) X509() *x509.Certificate {
	return c.cert
}

// PrivateKey returns the private key, or nil for a peer certificate.
func (c *Certificate) PrivateKey() *ecdsa.PrivateKey {
	return c.key
}

// DeviceID returns the certificate's common name.
func (c *Certificate) DeviceID() (string, error) {
	c.idOnce.Do(func() {
		c.deviceID, c.idErr = ExtractDeviceID(c.cert)
	})
	return c.deviceID, c.idErr
}

// Fingerprint returns the SHA-1 digest of the certificate as lowercase
// colon-separated hex pairs.
func (c *Certificate) Fingerprint() string {
	c.fpOnce.Do(func() {
		c.fingerprint = Fingerprint(c.cert.Raw)
	})
	return c.fingerprint
}

// PublicKey returns the DER-encoded SubjectPublicKeyInfo.
func (c *Certificate) PublicKey() []byte {
	return c.cert.RawSubjectPublicKeyInfo
}

// TLSCertificate returns the certificate in the form crypto/tls expects.
func (c *Certificate) TLSCertificate() (tls.Certificate, error) {
	if c.key == nil {
		return tls.Certificate{}, fmt.Errorf("%w: no private key", ErrInvalidCert)
	}
	return tls.Certificate{
		Certificate: [][]byte{c.cert.Raw},
		PrivateKey:  c.key,
		Leaf:        c.cert,
	}, nil
}

// PEM returns the PEM encoding of the certificate.
func (c *Certificate) PEM() []byte {
	return EncodeCertPEM(c.cert)
}

// Fingerprint formats the SHA-1 digest of der as lowercase colon-separated
// hex pairs.
func Fingerprint(der []byte) string {
	sum := sha1.Sum(der)
	pairs := make([]string, len(sum))
	for i, b := range sum {
		pairs[i] = hex.EncodeToString([]byte{b})
	}
	return strings.Join(pairs, ":")
}

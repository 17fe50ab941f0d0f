package cert

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"time"
)

// ExtractDeviceID returns the device ID carried in a certificate's
// CommonName.
func ExtractDeviceID(cert *x509.Certificate) (string, error) {
	if cert == nil {
		return "", ErrInvalidCert
	}
	if cert.Subject.CommonName == "" {
		return "", ErrNoCommonName
	}
	return cert.Subject.CommonName, nil
}

// VerificationKey derives the key users compare out of band to confirm
// that no third party sits between two devices. The public keys are
// ordered so that both ends compute the same value: the larger one (by
// unsigned lexicographic comparison) is hashed first.
func VerificationKey(local, peer []byte) string {
	h := sha256.New()
	if bytes.Compare(local, peer) > 0 {
		h.Write(local)
		h.Write(peer)
	} else {
		h.Write(peer)
		h.Write(local)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// VerificationKeyFor derives the verification key for two certificates.
func VerificationKeyFor(local, peer *Certificate) string {
	return VerificationKey(local.PublicKey(), peer.PublicKey())
}

// CertificateInfo is a human-readable summary of a certificate.
type CertificateInfo struct {
	DeviceID    string
	Fingerprint string
	Issuer      string
	NotBefore   time.Time
	NotAfter    time.Time
}

// GetCertificateInfo summarizes c.
func GetCertificateInfo(c *Certificate) *CertificateInfo {
	if c == nil {
		return nil
	}
	id, _ := c.DeviceID()
	return &CertificateInfo{
		DeviceID:    id,
		Fingerprint: c.Fingerprint(),
		Issuer:      c.cert.Issuer.CommonName,
		NotBefore:   c.cert.NotBefore,
		NotAfter:    c.cert.NotAfter,
	}
}

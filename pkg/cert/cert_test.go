package cert

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	c, err := Generate("a1b2c3d4")
	require.NoError(t, err)

	id, err := c.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3d4", id)

	x := c.X509()
	assert.Equal(t, []string{Organization}, x.Subject.Organization)
	assert.Equal(t, []string{OrganizationalUnit}, x.Subject.OrganizationalUnit)
	assert.True(t, x.NotAfter.After(time.Now().Add(9*365*24*time.Hour)), "multi-year validity")
	require.NoError(t, x.CheckSignature(x.SignatureAlgorithm, x.RawTBSCertificate, x.Signature), "self-signed")
	assert.False(t, x.IsCA, "device certificates are leaves")

	tlsCert, err := c.TLSCertificate()
	require.NoError(t, err)
	assert.Equal(t, x.Raw, tlsCert.Certificate[0])

	_, err = Generate("")
	assert.ErrorIs(t, err, ErrEmptyDeviceID)
}

func TestFingerprint(t *testing.T) {
	c, err := Generate("device")
	require.NoError(t, err)

	fp := c.Fingerprint()
	assert.Regexp(t, regexp.MustCompile(`^([0-9a-f]{2}:){19}[0-9a-f]{2}$`), fp)
	assert.Equal(t, fp, c.Fingerprint())
	assert.Equal(t, "da:39:a3:ee:5e:6b:4b:0d:32:55:bf:ef:95:60:18:90:af:d8:07:09", Fingerprint(nil))
}

func TestPeerCertificateHasNoKey(t *testing.T) {
	c, err := Generate("device")
	require.NoError(t, err)

	peer, err := Parse(c.X509().Raw)
	require.NoError(t, err)
	assert.Nil(t, peer.PrivateKey())
	assert.Equal(t, c.Fingerprint(), peer.Fingerprint())

	_, err = peer.TLSCertificate()
	assert.ErrorIs(t, err, ErrInvalidCert)

	_, err = Parse([]byte("garbage"))
	assert.ErrorIs(t, err, ErrInvalidCert)
}

func TestNewRejectsMismatchedKey(t *testing.T) {
	a, err := Generate("a")
	require.NoError(t, err)
	b, err := Generate("b")
	require.NoError(t, err)

	_, err = New(a.X509(), b.PrivateKey())
	assert.ErrorIs(t, err, ErrKeyMismatch)

	_, err = New(nil, nil)
	assert.ErrorIs(t, err, ErrInvalidCert)
}

func TestLoadOrGenerate(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "private.pem")
	certPath := filepath.Join(dir, "certificate.pem")

	first, err := LoadOrGenerate(keyPath, certPath, "device-1")
	require.NoError(t, err)

	for _, path := range []string{keyPath, certPath} {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), path)
	}

	second, err := LoadOrGenerate(keyPath, certPath, "ignored")
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint(), second.Fingerprint())
	id, _ := second.DeviceID()
	assert.Equal(t, "device-1", id)

	require.NoError(t, os.WriteFile(certPath, []byte("not pem"), 0600))
	_, err = LoadOrGenerate(keyPath, certPath, "device-1")
	assert.ErrorIs(t, err, ErrInvalidPEM)
}

func TestExtractDeviceID(t *testing.T) {
	_, err := ExtractDeviceID(nil)
	assert.ErrorIs(t, err, ErrInvalidCert)

	c, err := Generate("device")
	require.NoError(t, err)
	c.X509().Subject.CommonName = ""
	_, err = ExtractDeviceID(c.X509())
	assert.ErrorIs(t, err, ErrNoCommonName)
}

func TestVerificationKeySymmetric(t *testing.T) {
	for i := 0; i < 50; i++ {
		a := make([]byte, 1+i)
		b := make([]byte, 65)
		_, _ = rand.Read(a)
		_, _ = rand.Read(b)

		assert.Equal(t, VerificationKey(a, b), VerificationKey(b, a))
	}

	// One key a prefix of the other.
	assert.Equal(t,
		VerificationKey([]byte{1, 2}, []byte{1, 2, 3}),
		VerificationKey([]byte{1, 2, 3}, []byte{1, 2}))
}

func TestVerificationKeyForCertificates(t *testing.T) {
	a, err := Generate("a")
	require.NoError(t, err)
	b, err := Generate("b")
	require.NoError(t, err)

	key := VerificationKeyFor(a, b)
	assert.Len(t, key, 64)
	assert.Equal(t, key, VerificationKeyFor(b, a))
	assert.NotEqual(t, key, VerificationKeyFor(a, a))
}

func TestGetCertificateInfo(t *testing.T) {
	assert.Nil(t, GetCertificateInfo(nil))

	c, err := Generate("device")
	require.NoError(t, err)
	info := GetCertificateInfo(c)
	assert.Equal(t, "device", info.DeviceID)
	assert.Equal(t, "device", info.Issuer)
	assert.Equal(t, c.Fingerprint(), info.Fingerprint)
}

func TestDecodeKeyPEM(t *testing.T) {
	c, err := Generate("device")
	require.NoError(t, err)

	data, err := EncodeKeyPEM(c.PrivateKey())
	require.NoError(t, err)
	key, err := DecodeKeyPEM(data)
	require.NoError(t, err)
	assert.True(t, key.Equal(c.PrivateKey()))

	_, err = DecodeKeyPEM(c.PEM())
	assert.ErrorIs(t, err, ErrInvalidPEM)
}

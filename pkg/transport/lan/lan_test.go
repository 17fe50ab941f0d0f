package lan

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/devlink-protocol/devlink-go/pkg/cert"
	"github.com/devlink-protocol/devlink-go/pkg/mux"
	"github.com/devlink-protocol/devlink-go/pkg/packet"
)

type mockTrust struct {
	mock.Mock
}

func (m *mockTrust) Verify(peer *cert.Certificate) error {
	args := m.Called(peer)
	return args.Error(0)
}

func testCert(t *testing.T, deviceID string) *cert.Certificate {
	t.Helper()
	c, err := cert.Generate(deviceID)
	require.NoError(t, err)
	return c
}

func testConfig(c *cert.Certificate, trust TrustVerifier) Config {
	id, _ := c.DeviceID()
	return Config{
		Certificate: c,
		Identity: packet.Identity{
			DeviceName: id,
			DeviceType: "desktop",
		},
		Trust: trust,
		Mux: mux.Config{
			BufferSize:     mux.MinBufferSize,
			AcceptInterval: 10 * time.Millisecond,
		},
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type linkResult struct {
	link *Link
	err  error
}

// connect accepts on a fresh listener and dials it concurrently.
func connect(t *testing.T, server, client Config) (*Listener, linkResult, linkResult) {
	t.Helper()
	ln, err := Listen("127.0.0.1:0", server)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ctx := testContext(t)
	var accepted, dialed linkResult
	var g errgroup.Group
	g.Go(func() error {
		accepted.link, accepted.err = ln.Accept(ctx)
		return nil
	})
	g.Go(func() error {
		dialed.link, dialed.err = Dial(ctx, ln.Addr().String(), client)
		return nil
	})
	require.NoError(t, g.Wait())

	for _, r := range []linkResult{accepted, dialed} {
		if r.link != nil {
			l := r.link
			t.Cleanup(func() { l.Close() })
		}
	}
	return ln, accepted, dialed
}

func TestNewTLSConfig(t *testing.T) {
	local := testCert(t, "device-a")

	conf, err := NewTLSConfig(local, TrustAll)
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), conf.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), conf.MaxVersion)
	assert.Equal(t, tls.RequireAnyClientCert, conf.ClientAuth)
	assert.True(t, conf.InsecureSkipVerify)
	require.NotNil(t, conf.VerifyPeerCertificate)

	err = conf.VerifyPeerCertificate(nil, nil)
	assert.ErrorIs(t, err, ErrUntrusted)
	err = conf.VerifyPeerCertificate([][]byte{{0x30, 0x00}}, nil)
	assert.ErrorIs(t, err, ErrUntrusted)

	_, err = NewTLSConfig(nil, TrustAll)
	assert.Error(t, err)
	_, err = NewTLSConfig(local, nil)
	assert.Error(t, err)

	peerOnly, err := cert.Parse(local.X509().Raw)
	require.NoError(t, err)
	_, err = NewTLSConfig(peerOnly, TrustAll)
	assert.ErrorIs(t, err, cert.ErrInvalidCert)
}

func TestLinkEstablished(t *testing.T) {
	certA := testCert(t, "device-a")
	certB := testCert(t, "device-b")

	trustA := &mockTrust{}
	trustA.On("Verify", mock.MatchedBy(func(c *cert.Certificate) bool {
		return c.Fingerprint() == certB.Fingerprint()
	})).Return(nil).Once()
	trustB := &mockTrust{}
	trustB.On("Verify", mock.Anything).Return(nil).Once()

	ln, accepted, dialed := connect(t, testConfig(certA, trustA), testConfig(certB, trustB))
	require.NoError(t, accepted.err)
	require.NoError(t, dialed.err)
	trustA.AssertExpectations(t)
	trustB.AssertExpectations(t)

	server, client := accepted.link, dialed.link
	assert.Equal(t, "device-b", server.PeerIdentity().DeviceID)
	assert.Equal(t, "device-a", client.PeerIdentity().DeviceID)
	assert.Equal(t, uint16(ln.Port()), client.PeerIdentity().TCPPort)
	assert.Equal(t, certA.Fingerprint(), client.PeerCertificate().Fingerprint())
	assert.Equal(t, certB.Fingerprint(), server.PeerCertificate().Fingerprint())
	assert.NotNil(t, client.RemoteAddr())

	assert.Len(t, server.VerificationKey(), 64)
	assert.Equal(t, server.VerificationKey(), client.VerificationKey())
	assert.Equal(t, cert.VerificationKeyFor(certA, certB), client.VerificationKey())

	ctx := testContext(t)
	id := uuid.New()
	out, err := client.Conn().OpenChannel(ctx, id)
	require.NoError(t, err)
	in, err := server.Conn().AcceptChannel(ctx, id)
	require.NoError(t, err)

	_, err = out.Write([]byte("hello over tls"))
	require.NoError(t, err)
	require.NoError(t, out.Close())

	data, err := io.ReadAll(in)
	require.NoError(t, err)
	assert.Equal(t, "hello over tls", string(data))

	require.NoError(t, client.Channel().WritePacket(ctx, packet.New("kdeconnect.ping")))
	p, err := server.Channel().ReadPacket(ctx)
	require.NoError(t, err)
	assert.Equal(t, "kdeconnect.ping", p.Type)
}

func TestServerRejectsUntrustedPeer(t *testing.T) {
	trust := &mockTrust{}
	trust.On("Verify", mock.Anything).Return(fmt.Errorf("%w: not paired", ErrUntrusted))

	_, accepted, dialed := connect(t,
		testConfig(testCert(t, "device-a"), trust),
		testConfig(testCert(t, "device-b"), TrustAll))

	assert.ErrorIs(t, accepted.err, ErrUntrusted)
	assert.Error(t, dialed.err)
}

func TestClientRejectsUntrustedPeer(t *testing.T) {
	reject := TrustFunc(func(*cert.Certificate) error {
		return fmt.Errorf("unexpected device")
	})

	_, accepted, dialed := connect(t,
		testConfig(testCert(t, "device-a"), TrustAll),
		testConfig(testCert(t, "device-b"), reject))

	assert.ErrorIs(t, dialed.err, ErrUntrusted)
	assert.Error(t, accepted.err)
}

func TestIdentityMismatch(t *testing.T) {
	client := testConfig(testCert(t, "device-b"), TrustAll)
	client.Identity.DeviceID = "impostor"

	_, accepted, _ := connect(t, testConfig(testCert(t, "device-a"), TrustAll), client)
	assert.ErrorIs(t, accepted.err, ErrIdentityMismatch)
}

func TestPeerCertificateStored(t *testing.T) {
	store := cert.NewMemoryStore()
	server := testConfig(testCert(t, "device-a"), TrustAll)
	server.Store = store
	certB := testCert(t, "device-b")

	_, accepted, dialed := connect(t, server, testConfig(certB, TrustAll))
	require.NoError(t, accepted.err)
	require.NoError(t, dialed.err)

	stored, err := store.Get("device-b")
	require.NoError(t, err)
	assert.Equal(t, certB.Fingerprint(), stored.Fingerprint())

	// A pinned listener now accepts the same peer.
	server.Trust = Pinned(store)
	_, accepted, dialed = connect(t, server, testConfig(certB, TrustAll))
	assert.NoError(t, accepted.err)
	assert.NoError(t, dialed.err)
}

func TestPinned(t *testing.T) {
	store := cert.NewMemoryStore()
	peer := testCert(t, "device-b")
	pinned := Pinned(store)
	firstUse := FirstUse(store)

	assert.ErrorIs(t, pinned.Verify(peer), ErrUntrusted)
	assert.NoError(t, firstUse.Verify(peer))

	require.NoError(t, store.Set(peer))
	assert.NoError(t, pinned.Verify(peer))
	assert.NoError(t, firstUse.Verify(peer))

	replaced := testCert(t, "device-b")
	assert.ErrorIs(t, pinned.Verify(replaced), ErrUntrusted)
	assert.ErrorIs(t, firstUse.Verify(replaced), ErrUntrusted)
}

func TestListenAux(t *testing.T) {
	cfg := testConfig(testCert(t, "device-a"), TrustAll)

	first, err := ListenAux("127.0.0.1", cfg)
	require.NoError(t, err)
	defer first.Close()
	second, err := ListenAux("127.0.0.1", cfg)
	require.NoError(t, err)
	defer second.Close()

	for _, ln := range []*Listener{first, second} {
		assert.GreaterOrEqual(t, ln.Port(), AuxPortMin)
		assert.LessOrEqual(t, ln.Port(), AuxPortMax)
	}
	assert.NotEqual(t, first.Port(), second.Port())

	_, err = ListenAux("not-an-ip", cfg)
	assert.Error(t, err)
}

func TestAcceptCancelled(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", testConfig(testCert(t, "device-a"), TrustAll))
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ln.Accept(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, ln.Close())
	_, err = ln.Accept(context.Background())
	assert.Error(t, err)
}

func TestAcceptSilentPeerTimesOut(t *testing.T) {
	cfg := testConfig(testCert(t, "device-a"), TrustAll)
	cfg.HandshakeTimeout = 100 * time.Millisecond
	ln, err := Listen("127.0.0.1:0", cfg)
	require.NoError(t, err)
	defer ln.Close()

	// Connect without ever starting TLS.
	silent, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer silent.Close()

	start := time.Now()
	_, err = ln.Accept(testContext(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	// The listener still serves well-behaved peers afterwards.
	client := testConfig(testCert(t, "device-b"), TrustAll)
	ctx := testContext(t)
	var g errgroup.Group
	var accepted, dialed linkResult
	g.Go(func() error {
		accepted.link, accepted.err = ln.Accept(ctx)
		return nil
	})
	g.Go(func() error {
		dialed.link, dialed.err = Dial(ctx, ln.Addr().String(), client)
		return nil
	})
	require.NoError(t, g.Wait())
	require.NoError(t, accepted.err)
	require.NoError(t, dialed.err)
	accepted.link.Close()
	dialed.link.Close()
}

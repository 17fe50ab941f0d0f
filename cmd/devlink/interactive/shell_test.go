package interactive

import (
	"bytes"
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/devlink-protocol/devlink-go/pkg/mux"
	"github.com/devlink-protocol/devlink-go/pkg/packet"
	"github.com/devlink-protocol/devlink-go/pkg/persistence"
)

// linkedChannels performs a handshake over loopback TCP.
func linkedChannels(t *testing.T) (*mux.Channel, *mux.Channel) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cfg := mux.Config{BufferSize: mux.MinBufferSize, AcceptInterval: 10 * time.Millisecond}

	handshake := func(rw io.ReadWriteCloser, id string) (*mux.Channel, error) {
		c, err := mux.New(rw, cfg)
		if err != nil {
			return nil, err
		}
		return c.Handshake(ctx, packet.NewIdentity(packet.Identity{
			DeviceID:   id,
			DeviceName: id + " name",
			DeviceType: "laptop",
		}))
	}

	var local, remote *mux.Channel
	var g errgroup.Group
	g.Go(func() error {
		c, err := ln.Accept()
		if err != nil {
			return err
		}
		local, err = handshake(c, "local")
		return err
	})
	g.Go(func() error {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			return err
		}
		remote, err = handshake(c, "remote")
		return err
	})
	require.NoError(t, g.Wait())
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	return local, remote
}

func TestShellChannelCommands(t *testing.T) {
	local, remote := linkedChannels(t)
	var out bytes.Buffer
	sh := New(Session{Channel: local, VerificationKey: "abc123", Fingerprint: "aa:bb"}, &out)
	ctx := context.Background()

	id := uuid.New()
	require.True(t, sh.Execute(ctx, "open "+id.String()))
	assert.Contains(t, out.String(), "Opened channel "+id.String())

	peer, err := remote.Conn().AcceptChannel(ctx, id)
	require.NoError(t, err)

	out.Reset()
	sh.Execute(ctx, "send "+id.String()+" hello there")
	assert.Contains(t, out.String(), "Sent 12 bytes")

	buf := make([]byte, 12)
	_, err = io.ReadFull(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello there\n", string(buf))

	_, err = peer.Write([]byte("reply"))
	require.NoError(t, err)
	out.Reset()
	sh.Execute(ctx, "recv "+id.String())
	assert.Contains(t, out.String(), `Received 5 bytes: "reply"`)

	out.Reset()
	sh.Execute(ctx, "channels")
	assert.Contains(t, out.String(), id.String())
	assert.Contains(t, out.String(), "(bootstrap)")

	out.Reset()
	sh.Execute(ctx, "close "+id.String())
	assert.Contains(t, out.String(), "Closed channel")
	_, err = peer.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	out.Reset()
	sh.Execute(ctx, "send "+id.String()+" again")
	assert.Contains(t, out.String(), "not open here")
}

func TestShellAccept(t *testing.T) {
	local, remote := linkedChannels(t)
	var out bytes.Buffer
	sh := New(Session{Channel: local}, &out)
	ctx := context.Background()

	id := uuid.New()
	_, err := remote.Conn().OpenChannel(ctx, id)
	require.NoError(t, err)

	sh.Execute(ctx, "accept "+id.String()+" 2")
	assert.Contains(t, out.String(), "Accepted channel "+id.String())

	out.Reset()
	sh.Execute(ctx, "recv "+id.String())
	assert.Contains(t, out.String(), "No data")
}

func TestShellLinkCommands(t *testing.T) {
	local, remote := linkedChannels(t)
	var out bytes.Buffer
	sh := New(Session{Channel: local, VerificationKey: "abc123", Fingerprint: "aa:bb", Transport: "lan"}, &out)
	ctx := context.Background()

	sh.Execute(ctx, "verify")
	assert.Contains(t, out.String(), "remote name (remote)")
	assert.Contains(t, out.String(), "abc123")
	assert.Contains(t, out.String(), "aa:bb")

	out.Reset()
	sh.Execute(ctx, "status")
	assert.Contains(t, out.String(), "OPEN")
	assert.Contains(t, out.String(), "lan")

	out.Reset()
	sh.Execute(ctx, "ping hi there")
	assert.Contains(t, out.String(), "Ping sent")
	p, err := remote.ReadPacket(ctx)
	require.NoError(t, err)
	assert.Equal(t, "kdeconnect.ping", p.Type)
	assert.Equal(t, "hi there", p.Body["message"])
}

func TestShellUsage(t *testing.T) {
	local, _ := linkedChannels(t)
	var out bytes.Buffer
	sh := New(Session{Channel: local}, &out)
	ctx := context.Background()

	tests := []struct {
		line string
		want string
	}{
		{"frobnicate", "Unknown command: frobnicate"},
		{"accept", "Usage: accept"},
		{"send x", "Usage: send"},
		{"recv", "Usage: recv"},
		{"close", "Usage: close"},
		{"open not-a-uuid", "Invalid channel id"},
		{"verify", "not available"},
		{"devices", "No device registry"},
	}
	for _, tt := range tests {
		out.Reset()
		assert.True(t, sh.Execute(ctx, tt.line))
		assert.Contains(t, out.String(), tt.want, tt.line)
	}

	assert.True(t, sh.Execute(ctx, "   "))
	assert.False(t, sh.Execute(ctx, "quit"))
}

func TestShellDevices(t *testing.T) {
	local, _ := linkedChannels(t)
	store := persistence.NewRegistryStore(filepath.Join(t.TempDir(), "devices.json"))
	require.NoError(t, store.Touch(persistence.DeviceRecord{
		DeviceID:   "remote",
		DeviceName: "remote name",
		DeviceType: "laptop",
		Transport:  "lan",
	}))

	var out bytes.Buffer
	sh := New(Session{Channel: local, Devices: store}, &out)
	sh.Execute(context.Background(), "devices")
	assert.Contains(t, out.String(), "1 known device(s)")
	assert.Contains(t, out.String(), "remote name")
}

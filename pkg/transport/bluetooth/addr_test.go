package bluetooth

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/devlink-protocol/devlink-go/pkg/mux"
	"github.com/devlink-protocol/devlink-go/pkg/packet"
)

func TestParseAddr(t *testing.T) {
	a, err := ParseAddr("00:1a:7D:da:71:13")
	require.NoError(t, err)
	assert.Equal(t, Addr{0x00, 0x1A, 0x7D, 0xDA, 0x71, 0x13}, a)
	assert.Equal(t, "00:1A:7D:DA:71:13", a.String())
	assert.Equal(t, "rfcomm", a.Network())
	assert.Equal(t, [6]byte{0x13, 0x71, 0xDA, 0x7D, 0x1A, 0x00}, a.reversed())

	for _, bad := range []string{"", "00:1A:7D:DA:71", "00:1A:7D:DA:71:1", "00:1A:7D:DA:71:ZZ", "001A7DDA7113"} {
		_, err := ParseAddr(bad)
		assert.ErrorIs(t, err, ErrInvalidAddress, bad)
	}
}

func TestValidChannel(t *testing.T) {
	assert.NoError(t, validChannel(MinChannel))
	assert.NoError(t, validChannel(MaxChannel))
	assert.ErrorIs(t, validChannel(0), ErrInvalidChannel)
	assert.ErrorIs(t, validChannel(31), ErrInvalidChannel)
}

// TCP stands in for RFCOMM: both are reliable ordered byte streams.
func TestEstablish(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cfg := mux.Config{BufferSize: mux.MinBufferSize}

	var server, client *mux.Channel
	var g errgroup.Group
	g.Go(func() error {
		c, err := ln.Accept()
		if err != nil {
			return err
		}
		server, err = Establish(ctx, c, c.RemoteAddr().String(), cfg, packet.Identity{DeviceID: "phone", DeviceType: "phone"})
		return err
	})
	g.Go(func() error {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			return err
		}
		client, err = Establish(ctx, c, c.RemoteAddr().String(), cfg, packet.Identity{DeviceID: "desktop", DeviceType: "desktop"})
		return err
	})
	require.NoError(t, g.Wait())
	defer server.Close()
	defer client.Close()

	assert.Equal(t, "desktop", server.PeerIdentity().DeviceID())
	assert.Equal(t, "phone", client.PeerIdentity().DeviceID())
}

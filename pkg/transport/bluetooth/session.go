package bluetooth

import (
	"context"
	"io"

	"github.com/devlink-protocol/devlink-go/pkg/mux"
	"github.com/devlink-protocol/devlink-go/pkg/packet"
)

// Establish runs the multiplex handshake over an established RFCOMM
// stream. Unlike the LAN transport there is no certificate to bind the
// identity to; the link layer's pairing authenticates the peer. rw is
// closed on failure.
func Establish(ctx context.Context, rw io.ReadWriteCloser, remote string, cfg mux.Config, identity packet.Identity) (*mux.Channel, error) {
	cfg.RemoteAddr = remote
	conn, err := mux.New(rw, cfg)
	if err != nil {
		rw.Close()
		return nil, err
	}
	ch, err := conn.Handshake(ctx, packet.NewIdentity(identity))
	if err != nil {
		return nil, err
	}
	if _, err := packet.ParseIdentity(ch.PeerIdentity()); err != nil {
		conn.Close()
		return nil, err
	}
	return ch, nil
}

// Package mux multiplexes independent byte-stream channels over a single
// duplex connection.
//
// Every frame starts with a 19-byte header: a message type, a big-endian
// payload size and the 16-byte channel identifier. Five message types exist:
// Version (handshake only), Open, Close, Credit and Data.
//
// Flow control is credit based. A receiver grants the sender permission to
// send a number of bytes, and grants more as the application consumes its
// buffer. A Data frame larger than the outstanding grant is a protocol
// violation and terminates the connection.
//
// # Usage
//
//	conn, err := mux.New(rw, mux.DefaultConfig())
//	ch, err := conn.Handshake(ctx, packet.NewIdentity(id))
//	peer := ch.PeerIdentity()
//
//	s, err := conn.OpenChannel(ctx, uuid.New())
//	_, err = s.Write(payload)
//
// The peer accepts the same identifier with AcceptChannel. Closing the
// connection closes every channel and wakes blocked readers and writers.
package mux

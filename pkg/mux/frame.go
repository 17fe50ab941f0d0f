package mux

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Framing constants.
const (
	// HeaderSize is the size of a frame header in bytes.
	HeaderSize = 19

	// VersionPayloadSize is the size of a Version frame payload.
	VersionPayloadSize = 4

	// CreditPayloadSize is the size of a Credit frame payload.
	CreditPayloadSize = 2

	// MaxPayloadSize is the largest payload a single frame can carry.
	MaxPayloadSize = 0xFFFF
)

// MessageType identifies the operation carried by a frame.
type MessageType uint8

const (
	// MessageVersion carries the sender's supported protocol range.
	MessageVersion MessageType = iota

	// MessageOpen opens a channel.
	MessageOpen

	// MessageClose closes a channel.
	MessageClose

	// MessageCredit grants the receiver permission to send more bytes.
	MessageCredit

	// MessageData carries channel bytes.
	MessageData
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case MessageVersion:
		return "VERSION"
	case MessageOpen:
		return "OPEN"
	case MessageClose:
		return "CLOSE"
	case MessageCredit:
		return "CREDIT"
	case MessageData:
		return "DATA"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return t <= MessageData
}

// Header is the fixed-size prefix of every frame.
type Header struct {
	Type    MessageType
	Size    uint16
	Channel uuid.UUID
}

// EncodeHeader packs h into its 19-byte wire form.
func EncodeHeader(h Header) [HeaderSize]byte {
	var b [HeaderSize]byte
	b[0] = byte(h.Type)
	binary.BigEndian.PutUint16(b[1:3], h.Size)
	copy(b[3:], h.Channel[:])
	return b
}

// DecodeHeader unpacks a 19-byte header. It never fails; an unknown type is
// left for the caller to reject.
func DecodeHeader(b [HeaderSize]byte) Header {
	var h Header
	h.Type = MessageType(b[0])
	h.Size = binary.BigEndian.Uint16(b[1:3])
	copy(h.Channel[:], b[3:])
	return h
}

// EncodeVersion packs a protocol version range.
func EncodeVersion(minVersion, maxVersion uint16) []byte {
	b := make([]byte, VersionPayloadSize)
	binary.BigEndian.PutUint16(b[0:2], minVersion)
	binary.BigEndian.PutUint16(b[2:4], maxVersion)
	return b
}

// DecodeVersion unpacks a protocol version range.
func DecodeVersion(b []byte) (minVersion, maxVersion uint16, err error) {
	if len(b) != VersionPayloadSize {
		return 0, 0, fmt.Errorf("%w: version payload is %d bytes", ErrProtocol, len(b))
	}
	return binary.BigEndian.Uint16(b[0:2]), binary.BigEndian.Uint16(b[2:4]), nil
}

// EncodeCredit packs a credit grant.
func EncodeCredit(n uint16) []byte {
	b := make([]byte, CreditPayloadSize)
	binary.BigEndian.PutUint16(b, n)
	return b
}

// DecodeCredit unpacks a credit grant.
func DecodeCredit(b []byte) (uint16, error) {
	if len(b) != CreditPayloadSize {
		return 0, fmt.Errorf("%w: credit payload is %d bytes", ErrProtocol, len(b))
	}
	return binary.BigEndian.Uint16(b), nil
}

// ParseChannelID parses the canonical textual form of a channel identifier.
func ParseChannelID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid channel id %q: %w", s, err)
	}
	return id, nil
}

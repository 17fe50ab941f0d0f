// Package packet implements the newline-delimited JSON packets exchanged by
// devices, in particular the identity packet sent during the handshake.
package packet

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Packet types.
const (
	// TypeIdentity is the packet type exchanged during the handshake.
	TypeIdentity = "kdeconnect.identity"
)

// MaxSize bounds the size of a single encoded packet.
const MaxSize = 1 << 20

// Packet errors.
var (
	// ErrInvalidPacket indicates a packet that is not well formed.
	ErrInvalidPacket = errors.New("invalid packet")

	// ErrPacketTooLarge indicates a packet larger than MaxSize.
	ErrPacketTooLarge = errors.New("packet too large")
)

// Packet is a single JSON packet. Body contents are interpreted by the
// layer above the transport.
type Packet struct {
	ID                  int64          `json:"id"`
	Type                string         `json:"type"`
	Body                map[string]any `json:"body"`
	PayloadSize         int64          `json:"payloadSize,omitempty"`
	PayloadTransferInfo map[string]any `json:"payloadTransferInfo,omitempty"`
}

// New creates a packet of the given type with an empty body.
func New(typ string) *Packet {
	return &Packet{
		ID:   time.Now().UnixMilli(),
		Type: typ,
		Body: make(map[string]any),
	}
}

// Validate checks the fields every packet must carry.
func (p *Packet) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil packet", ErrInvalidPacket)
	}
	if p.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidPacket)
	}
	if p.Body == nil {
		return fmt.Errorf("%w: missing body", ErrInvalidPacket)
	}
	return nil
}

// Marshal encodes p followed by the newline terminator.
func (p *Packet) Marshal() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode packet: %w", err)
	}
	return append(data, '\n'), nil
}

// Unmarshal decodes a single packet, with or without its terminator.
func Unmarshal(data []byte) (*Packet, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty packet", ErrInvalidPacket)
	}

	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Write encodes p to w.
func Write(w io.Writer, p *Packet) error {
	data, err := p.Marshal()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Read decodes the next packet from r. Blank lines are skipped.
func Read(r *bufio.Reader) (*Packet, error) {
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return Unmarshal(line)
	}
}

func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > MaxSize {
			return nil, ErrPacketTooLarge
		}
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

// String returns the packet's JSON form without the terminator.
func (p *Packet) String() string {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("<invalid packet: %v>", err)
	}
	return string(data)
}

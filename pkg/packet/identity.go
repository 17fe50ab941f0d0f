package packet

import (
	"fmt"

	"github.com/devlink-protocol/devlink-go/pkg/version"
)

// Identity describes the local device in an identity packet.
type Identity struct {
	DeviceID             string
	DeviceName           string
	DeviceType           string
	IncomingCapabilities []string
	OutgoingCapabilities []string

	// TCPPort is advertised by the network transport; zero omits it.
	TCPPort uint16
}

// NewIdentity builds an identity packet.
func NewIdentity(id Identity) *Packet {
	p := New(TypeIdentity)
	p.Body["deviceId"] = id.DeviceID
	p.Body["deviceName"] = id.DeviceName
	p.Body["deviceType"] = id.DeviceType
	p.Body["protocolVersion"] = version.PacketProtocol
	p.Body["incomingCapabilities"] = stringsOrEmpty(id.IncomingCapabilities)
	p.Body["outgoingCapabilities"] = stringsOrEmpty(id.OutgoingCapabilities)
	if id.TCPPort != 0 {
		p.Body["tcpPort"] = int(id.TCPPort)
	}
	return p
}

// ParseIdentity extracts identity fields from p.
func ParseIdentity(p *Packet) (Identity, error) {
	if err := p.Validate(); err != nil {
		return Identity{}, err
	}
	if p.Type != TypeIdentity {
		return Identity{}, fmt.Errorf("%w: expected %s, got %s", ErrInvalidPacket, TypeIdentity, p.Type)
	}

	id := Identity{
		DeviceID:             stringField(p.Body, "deviceId"),
		DeviceName:           stringField(p.Body, "deviceName"),
		DeviceType:           stringField(p.Body, "deviceType"),
		IncomingCapabilities: stringSlice(p.Body["incomingCapabilities"]),
		OutgoingCapabilities: stringSlice(p.Body["outgoingCapabilities"]),
	}
	if id.DeviceID == "" {
		return Identity{}, fmt.Errorf("%w: identity has no deviceId", ErrInvalidPacket)
	}
	if port := intField(p.Body, "tcpPort"); port > 0 && port <= 0xFFFF {
		id.TCPPort = uint16(port)
	}
	return id, nil
}

// DeviceID returns the deviceId field of an identity packet, or "".
func (p *Packet) DeviceID() string {
	if p == nil || p.Body == nil {
		return ""
	}
	return stringField(p.Body, "deviceId")
}

func stringField(body map[string]any, key string) string {
	s, _ := body[key].(string)
	return s
}

// intField accepts both decoded JSON numbers and values set in Go.
func intField(body map[string]any, key string) int64 {
	switch v := body[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	default:
		return 0
	}
}

func stringSlice(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, e := range vs {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Package version provides multiplex protocol version ranges and negotiation.
package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Protocol versions implemented by this library.
const (
	// MinSupported is the oldest multiplex protocol version understood.
	MinSupported uint16 = 1

	// MaxSupported is the newest multiplex protocol version understood.
	MaxSupported uint16 = 1

	// PacketProtocol is the identity packet protocol version advertised to peers.
	PacketProtocol = 8
)

// ErrUnsupported indicates two version ranges do not overlap.
var ErrUnsupported = errors.New("unsupported protocol version")

// Range is an inclusive span of protocol versions.
type Range struct {
	Min uint16
	Max uint16
}

// Supported returns the range implemented by this library.
func Supported() Range {
	return Range{Min: MinSupported, Max: MaxSupported}
}

// Validate checks that the range is well formed.
func (r Range) Validate() error {
	if r.Min == 0 {
		return fmt.Errorf("invalid version range %s: minimum must be at least 1", r)
	}
	if r.Min > r.Max {
		return fmt.Errorf("invalid version range %s: minimum exceeds maximum", r)
	}
	return nil
}

// Contains reports whether v falls inside the range.
func (r Range) Contains(v uint16) bool {
	return v >= r.Min && v <= r.Max
}

// String returns the range as "min-max", or a single number when min == max.
func (r Range) String() string {
	if r.Min == r.Max {
		return strconv.FormatUint(uint64(r.Min), 10)
	}
	return fmt.Sprintf("%d-%d", r.Min, r.Max)
}

// ParseRange parses "N" or "min-max".
func ParseRange(s string) (Range, error) {
	lo, hi, found := strings.Cut(s, "-")
	if !found {
		hi = lo
	}

	minVersion, err := strconv.ParseUint(lo, 10, 16)
	if err != nil || lo == "" {
		return Range{}, fmt.Errorf("invalid version range %q: bad minimum", s)
	}
	maxVersion, err := strconv.ParseUint(hi, 10, 16)
	if err != nil || hi == "" {
		return Range{}, fmt.Errorf("invalid version range %q: bad maximum", s)
	}

	r := Range{Min: uint16(minVersion), Max: uint16(maxVersion)}
	if err := r.Validate(); err != nil {
		return Range{}, err
	}
	return r, nil
}

// Negotiate picks the version both sides will speak. The peer is rejected if
// its minimum exceeds the local maximum (or its maximum is below the local
// minimum); otherwise the lower of the two maxima is agreed, which both sides
// compute identically.
func Negotiate(local, peer Range) (uint16, error) {
	if peer.Min > local.Max {
		return 0, fmt.Errorf("%w: peer requires v%d, local maximum is v%d",
			ErrUnsupported, peer.Min, local.Max)
	}
	if peer.Max < local.Min {
		return 0, fmt.Errorf("%w: peer supports up to v%d, local minimum is v%d",
			ErrUnsupported, peer.Max, local.Min)
	}
	return min(local.Max, peer.Max), nil
}

// Package bluetooth carries multiplexed devlink connections over RFCOMM
// sockets. Sockets are only available on Linux; elsewhere Dial and Listen
// return ErrUnsupported.
package bluetooth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Bluetooth errors.
var (
	ErrInvalidAddress = errors.New("invalid bluetooth address")
	ErrInvalidChannel = errors.New("invalid RFCOMM channel")
	ErrUnsupported    = errors.New("bluetooth not supported on this platform")
)

// RFCOMM channels are 1-30.
const (
	MinChannel = 1
	MaxChannel = 30
)

// Addr is a Bluetooth device address in display order, most significant
// byte first.
type Addr [6]byte

// ParseAddr parses the "AA:BB:CC:DD:EE:FF" form.
func ParseAddr(s string) (Addr, error) {
	var a Addr
	parts := strings.Split(s, ":")
	if len(parts) != len(a) {
		return Addr{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	for i, part := range parts {
		if len(part) != 2 {
			return Addr{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		b, err := hex.DecodeString(part)
		if err != nil {
			return Addr{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		a[i] = b[0]
	}
	return a, nil
}

// String returns the uppercase colon-separated form.
func (a Addr) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// Network implements net.Addr.
func (a Addr) Network() string { return "rfcomm" }

// reversed returns the address in the little-endian order the kernel uses.
func (a Addr) reversed() [6]byte {
	var r [6]byte
	for i := range a {
		r[i] = a[len(a)-1-i]
	}
	return r
}

func validChannel(ch uint8) error {
	if ch < MinChannel || ch > MaxChannel {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, ch)
	}
	return nil
}

// Package wol builds and sends Wake-on-LAN magic packets.
package wol

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidMAC is returned when a MAC address cannot be parsed into six bytes.
var ErrInvalidMAC = errors.New("wol: invalid mac address")

const (
	// PacketSize is 6 sync bytes plus 16 copies of the 6-byte MAC.
	PacketSize = 6 + 16*6

	// DefaultPort is the conventional discard port used for WoL.
	DefaultPort = 9
)

// MagicPacket is the raw WoL payload.
type MagicPacket [PacketSize]byte

// ParseMAC accepts twelve hex digits, optionally grouped in pairs
// ("aa:bb:cc:dd:ee:ff") or quads ("aabb.ccdd.eeff"). The separator is
// whatever character follows the first group, so any single character works.
func ParseMAC(s string) ([6]byte, error) {
	var mac [6]byte

	digits := s
	switch len(s) {
	case 17:
		digits = strings.ReplaceAll(s, s[2:3], "")
	case 14:
		digits = strings.ReplaceAll(s, s[4:5], "")
	}
	if len(digits) != 12 {
		return mac, fmt.Errorf("%w: %q: want 12 hex digits", ErrInvalidMAC, s)
	}

	b, err := hex.DecodeString(digits)
	if err != nil {
		return mac, fmt.Errorf("%w: %q: %w", ErrInvalidMAC, s, err)
	}
	copy(mac[:], b)
	return mac, nil
}

// NewMagicPacket builds the payload for the given MAC address.
func NewMagicPacket(mac string) (*MagicPacket, error) {
	hw, err := ParseMAC(mac)
	if err != nil {
		return nil, err
	}

	var p MagicPacket
	for i := 0; i < 6; i++ {
		p[i] = 0xFF
	}
	for i := 0; i < 16; i++ {
		copy(p[6+i*6:], hw[:])
	}
	return &p, nil
}

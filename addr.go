package nowlink

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// HardwareAddr is the 6 byte link-layer address a transport reports frames
// as coming from.
type HardwareAddr [6]byte

// Broadcast is the hardware address every node in range listens on.
var Broadcast = HardwareAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// IsBroadcast reports whether a is the broadcast address.
func (a HardwareAddr) IsBroadcast() bool {
	return a == Broadcast
}

func (a HardwareAddr) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// ParseHardwareAddr parses a colon, dash or dot separated 48-bit address.
func ParseHardwareAddr(s string) (HardwareAddr, error) {
	var addr HardwareAddr
	mac, err := net.ParseMAC(s)
	if err != nil {
		return addr, err
	}
	if len(mac) != len(addr) {
		return addr, errors.Errorf("%q is not a 48-bit address", s)
	}
	copy(addr[:], mac)
	return addr, nil
}

package transport

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseBDAddr parses a Bluetooth device address of the form
// "AA:BB:CC:DD:EE:FF" into the kernel's byte order (least significant byte
// first, as bluez expects it in sockaddr_rc).
func ParseBDAddr(s string) ([6]byte, error) {
	var addr [6]byte
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return addr, fmt.Errorf("invalid bluetooth address %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return addr, fmt.Errorf("invalid bluetooth address %q: octet %q", s, p)
		}
		addr[5-i] = byte(v)
	}
	return addr, nil
}

//go:build !linux

package transport

import (
	"context"
	"fmt"
	"time"
)

// Placeholder so non-linux builds compile; RFCOMM needs raw bluetooth sockets.
func RFCOMM(bdaddr string, channel uint8, timeout time.Duration) Dialer {
	return func(ctx context.Context) (Conn, error) {
		return nil, fmt.Errorf("rfcomm transport unsupported on this platform")
	}
}

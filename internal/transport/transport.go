// Package transport provides the byte-stream connections a device link can
// run over: a TCP bridge, a Bluetooth RFCOMM channel (Linux) or the robot's
// wired serial debug port.
package transport

import (
	"context"
	"io"
	"net"
	"time"
)

// Conn is the stream to the device. SetReadDeadline must be honored for the
// link's non-blocking availability probe; implementations whose reads already
// time out on their own may treat it as a no-op.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// Dialer opens the device stream. The link invokes it once per Connect; the
// connection handle it returns is owned exclusively by the link afterwards.
type Dialer func(ctx context.Context) (Conn, error)

// TCP returns a dialer for a TCP bridge endpoint with a bounded connect
// timeout.
func TCP(addr string, timeout time.Duration) Dialer {
	return func(ctx context.Context) (Conn, error) {
		d := net.Dialer{Timeout: timeout}
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

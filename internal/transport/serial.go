package transport

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/tarm/serial"
)

// Serial returns a dialer for the robot's wired debug port.
func Serial(device string, baud int, readTimeout time.Duration) Dialer {
	return func(ctx context.Context) (Conn, error) {
		port, err := serial.OpenPort(&serial.Config{Name: device, Baud: baud, ReadTimeout: readTimeout})
		if err != nil {
			return nil, err
		}
		return &serialConn{port}, nil
	}
}

// serialConn adapts a serial port to Conn. The port applies its own read
// timeout configured at open, so SetReadDeadline is a no-op.
type serialConn struct {
	port *serial.Port
}

func (c *serialConn) Read(p []byte) (int, error) {
	n, err := c.port.Read(p)
	// A serial port has no remote close: a timed-out read reports EOF, which
	// is surfaced as a deadline miss so the link keeps polling.
	if n == 0 && err == io.EOF {
		return 0, os.ErrDeadlineExceeded
	}
	return n, err
}

func (c *serialConn) Write(p []byte) (int, error) { return c.port.Write(p) }

func (c *serialConn) Close() error { return c.port.Close() }

func (c *serialConn) SetReadDeadline(time.Time) error { return nil }

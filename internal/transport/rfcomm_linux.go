//go:build linux

package transport

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// RFCOMM returns a dialer for the robot's Bluetooth serial channel. The raw
// AF_BLUETOOTH socket is wrapped in an *os.File so the runtime poller
// provides working read deadlines.
func RFCOMM(bdaddr string, channel uint8, timeout time.Duration) Dialer {
	return func(ctx context.Context) (Conn, error) {
		return dialRFCOMM(ctx, bdaddr, channel, timeout)
	}
}

func dialRFCOMM(ctx context.Context, bdaddr string, channel uint8, timeout time.Duration) (Conn, error) {
	addr, err := ParseBDAddr(bdaddr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	sa := &unix.SockaddrRFCOMM{Addr: addr, Channel: channel}
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("connect", err)
	}
	if err == unix.EINPROGRESS {
		if err := waitWritable(ctx, fd, timeout); err != nil {
			_ = unix.Close(fd)
			return nil, err
		}
		soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			_ = unix.Close(fd)
			return nil, os.NewSyscallError("getsockopt", err)
		}
		if soerr != 0 {
			_ = unix.Close(fd)
			return nil, os.NewSyscallError("connect", unix.Errno(soerr))
		}
	}
	// os.NewFile registers the non-blocking fd with the runtime poller.
	return os.NewFile(uintptr(fd), "rfcomm:"+bdaddr), nil
}

// waitWritable polls fd for connect completion, bounded by timeout and ctx.
func waitWritable(ctx context.Context, fd int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ms := int(time.Until(deadline) / time.Millisecond)
		if ms <= 0 {
			return fmt.Errorf("rfcomm connect: %w", os.ErrDeadlineExceeded)
		}
		pfds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(pfds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return os.NewSyscallError("poll", err)
		}
		if n == 0 {
			return fmt.Errorf("rfcomm connect: %w", os.ErrDeadlineExceeded)
		}
		return nil
	}
}

//go:build unix

package udp

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

func control(o Options) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var opErr error
		err := c.Control(func(fd uintptr) {
			if o.ReuseAddr {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					opErr = fmt.Errorf("SO_REUSEADDR: %w", err)
					return
				}
			}
			// Buffer sizes are hints; the kernel clamps them to its limits.
			if o.ReadBuffer > 0 {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, o.ReadBuffer)
			}
			if o.WriteBuffer > 0 {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, o.WriteBuffer)
			}
		})
		if err != nil {
			return err
		}
		return opErr
	}
}

// ReadBufferSize returns the effective SO_RCVBUF of a socket.
func ReadBufferSize(c syscall.Conn) (int, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return 0, err
	}
	var size int
	var opErr error
	err = raw.Control(func(fd uintptr) {
		size, opErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
	})
	if err != nil {
		return 0, err
	}
	return size, opErr
}

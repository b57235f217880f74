//go:build !unix

package udp

import (
	"errors"
	"syscall"
)

func control(o Options) func(network, address string, c syscall.RawConn) error {
	return nil
}

// ReadBufferSize is not supported on this platform.
func ReadBufferSize(c syscall.Conn) (int, error) {
	return 0, errors.New("udp: socket options unsupported on this platform")
}

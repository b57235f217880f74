// Package udp opens the UDP sockets worldlink serves and dials on.
//
// Sockets are tuned through golang.org/x/sys/unix before bind: address reuse
// and kernel buffer sizes. Large receive buffers matter for servers with
// thousands of sessions, where a burst of datagrams can otherwise overflow
// the default socket queue between two reads.
package udp

import (
	"context"
	"fmt"
	"net"
)

const (
	// DefaultReadBuffer is the default SO_RCVBUF size.
	DefaultReadBuffer = 4 << 20

	// DefaultWriteBuffer is the default SO_SNDBUF size.
	DefaultWriteBuffer = 1 << 20
)

// Options configure a socket.
type Options struct {
	ReadBuffer  int
	WriteBuffer int
	ReuseAddr   bool
}

// Option modifies Options.
type Option func(*Options)

// WithReadBuffer sets the kernel receive buffer size. Zero keeps the system
// default.
func WithReadBuffer(size int) Option {
	return func(o *Options) { o.ReadBuffer = size }
}

// WithWriteBuffer sets the kernel send buffer size. Zero keeps the system
// default.
func WithWriteBuffer(size int) Option {
	return func(o *Options) { o.WriteBuffer = size }
}

// WithReuseAddr enables SO_REUSEADDR so a restarted server can rebind
// immediately.
func WithReuseAddr(enabled bool) Option {
	return func(o *Options) { o.ReuseAddr = enabled }
}

func newOptions(opts []Option) Options {
	o := Options{
		ReadBuffer:  DefaultReadBuffer,
		WriteBuffer: DefaultWriteBuffer,
		ReuseAddr:   true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Listen binds a UDP socket on addr ("host:port", ":0" for any port).
func Listen(ctx context.Context, addr string, opts ...Option) (*net.UDPConn, error) {
	o := newOptions(opts)
	lc := net.ListenConfig{Control: control(o)}
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udp: listen %s: %w", addr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("udp: listen %s: unexpected connection type %T", addr, pc)
	}
	return conn, nil
}

// Dial opens an unconnected socket on an ephemeral port and resolves the
// server address. The socket is used with WriteTo so it can share code with
// the server side.
func Dial(ctx context.Context, server string, opts ...Option) (*net.UDPConn, *net.UDPAddr, error) {
	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, nil, fmt.Errorf("udp: resolve %s: %w", server, err)
	}
	opts = append([]Option{WithReuseAddr(false)}, opts...)
	local := ":0"
	if raddr.IP != nil && raddr.IP.IsLoopback() {
		if raddr.IP.To4() != nil {
			local = "127.0.0.1:0"
		} else {
			local = "[::1]:0"
		}
	}
	conn, err := Listen(ctx, local, opts...)
	if err != nil {
		return nil, nil, err
	}
	return conn, raddr, nil
}

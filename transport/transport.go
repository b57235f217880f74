// Package transport defines the datagram I/O boundary of worldlink.
//
// The session layer only needs to read datagrams with their source address,
// write datagrams to an address and poll with read deadlines. UDP sockets,
// the WebSocket bridge and the in-memory test network all provide that
// through PacketConn.
package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// PacketConn is a datagram endpoint. *net.UDPConn satisfies it.
type PacketConn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
	Close() error
}

// ErrNoRoute is returned by Router.WriteTo for addresses of a network no
// connection is registered for.
var ErrNoRoute = errors.New("transport: no connection for network")

// ErrDuplicateNetwork is returned by Router.Add when a connection for the
// same network is already registered. Routing is by network name only, so
// one router serves at most one connection per network.
var ErrDuplicateNetwork = errors.New("transport: network already routed")

// IsTimeout reports whether err is a read deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsClosed reports whether err means the connection was closed.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// Router writes each datagram through the connection registered for the
// destination address's network, so sessions reached over different
// transports can share one session manager.
type Router struct {
	mu    sync.RWMutex
	conns map[string]PacketConn
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{conns: make(map[string]PacketConn)}
}

// Add registers conn for the network of its local address.
func (r *Router) Add(conn PacketConn) error {
	network := conn.LocalAddr().Network()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[network]; ok {
		return fmt.Errorf("%w %q", ErrDuplicateNetwork, network)
	}
	r.conns[network] = conn
	return nil
}

// Remove unregisters the connection for network.
func (r *Router) Remove(network string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, network)
}

// WriteTo sends p through the connection matching addr.Network().
func (r *Router) WriteTo(p []byte, addr net.Addr) (int, error) {
	r.mu.RLock()
	conn, ok := r.conns[addr.Network()]
	r.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrNoRoute, addr.Network())
	}
	return conn.WriteTo(p, addr)
}

// Conns returns the registered connections.
func (r *Router) Conns() []PacketConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PacketConn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

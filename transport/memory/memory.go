// Package memory provides an in-process datagram network for tests and
// simulations. Links can lose, duplicate and reorder datagrams.
package memory

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/localrivet/worldlink/transport"
)

// NetworkName is the value Addr.Network returns.
const NetworkName = "memory"

// Addr is an endpoint name on a Network.
type Addr string

func (a Addr) Network() string { return NetworkName }
func (a Addr) String() string  { return string(a) }

// ErrAddrInUse is returned by Listen for a name already bound.
var ErrAddrInUse = errors.New("memory: address already in use")

// Conditions describe link impairments. Rates are probabilities in [0, 1].
type Conditions struct {
	Loss      float64
	Duplicate float64
	Reorder   float64

	// MaxDelay bounds the extra delay of reordered datagrams.
	MaxDelay time.Duration

	// Drop, when set, is consulted for every datagram before the random
	// impairments; returning true discards it.
	Drop func(from, to net.Addr, p []byte) bool
}

// Stats counts what the network did.
type Stats struct {
	Sent       uint64
	Delivered  uint64
	Lost       uint64
	Duplicated uint64
	Reordered  uint64
}

// Network connects the Conns created by Listen.
type Network struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	cond  Conditions
	rng   *rand.Rand
	rngMu sync.Mutex

	sent, delivered, lost, duplicated, reordered atomic.Uint64
}

// NewNetwork creates a lossless network. seed makes impairments repeatable.
func NewNetwork(seed int64) *Network {
	return &Network{
		conns: make(map[string]*Conn),
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// SetConditions replaces the link impairments.
func (n *Network) SetConditions(c Conditions) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cond = c
}

// Stats returns the network counters.
func (n *Network) Stats() Stats {
	return Stats{
		Sent:       n.sent.Load(),
		Delivered:  n.delivered.Load(),
		Lost:       n.lost.Load(),
		Duplicated: n.duplicated.Load(),
		Reordered:  n.reordered.Load(),
	}
}

// Listen binds a Conn to name.
func (n *Network) Listen(name string) (*Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.conns[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAddrInUse, name)
	}
	c := &Conn{
		net:   n,
		addr:  Addr(name),
		inbox: make(chan datagram, 4096),
		done:  make(chan struct{}),
	}
	n.conns[name] = c
	return c, nil
}

func (n *Network) chance(p float64) bool {
	if p <= 0 {
		return false
	}
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	return n.rng.Float64() < p
}

func (n *Network) delay(max time.Duration) time.Duration {
	if max <= 0 {
		max = time.Millisecond
	}
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	return time.Duration(n.rng.Int63n(int64(max))) + 1
}

func (n *Network) route(from *Conn, p []byte, to net.Addr) {
	n.sent.Add(1)
	n.mu.RLock()
	dst := n.conns[to.String()]
	cond := n.cond
	n.mu.RUnlock()

	if dst == nil {
		n.lost.Add(1)
		return
	}
	if cond.Drop != nil && cond.Drop(from.addr, to, p) {
		n.lost.Add(1)
		return
	}
	if n.chance(cond.Loss) {
		n.lost.Add(1)
		return
	}

	copies := 1
	if n.chance(cond.Duplicate) {
		copies = 2
		n.duplicated.Add(1)
	}
	for i := 0; i < copies; i++ {
		d := datagram{data: append([]byte(nil), p...), from: from.addr}
		if n.chance(cond.Reorder) {
			n.reordered.Add(1)
			time.AfterFunc(n.delay(cond.MaxDelay), func() { dst.deliver(d) })
			continue
		}
		dst.deliver(d)
	}
}

func (n *Network) remove(c *Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conns[c.addr.String()] == c {
		delete(n.conns, c.addr.String())
	}
}

type datagram struct {
	data []byte
	from net.Addr
}

// Conn is one endpoint on a Network. It implements transport.PacketConn.
type Conn struct {
	net   *Network
	addr  Addr
	inbox chan datagram
	done  chan struct{}
	once  sync.Once

	deadline atomic.Int64 // unix nanos, 0 for none
}

var _ transport.PacketConn = (*Conn)(nil)

func (c *Conn) deliver(d datagram) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.inbox <- d:
		c.net.delivered.Add(1)
	default:
		// Receive queue full: the datagram is lost, as on a real socket.
		c.net.lost.Add(1)
	}
}

// ReadFrom blocks until a datagram arrives, the read deadline passes or the
// connection is closed.
func (c *Conn) ReadFrom(p []byte) (int, net.Addr, error) {
	var timeout <-chan time.Time
	if dl := c.deadline.Load(); dl != 0 {
		wait := time.Until(time.Unix(0, dl))
		if wait <= 0 {
			return 0, nil, os.ErrDeadlineExceeded
		}
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case d := <-c.inbox:
		return copy(p, d.data), d.from, nil
	case <-c.done:
		return 0, nil, net.ErrClosed
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	}
}

// WriteTo sends p to addr. Unknown destinations swallow the datagram.
func (c *Conn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.done:
		return 0, net.ErrClosed
	default:
	}
	c.net.route(c, p, addr)
	return len(p), nil
}

// SetReadDeadline sets the deadline for ReadFrom. A zero time disables it.
func (c *Conn) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		c.deadline.Store(0)
		return nil
	}
	c.deadline.Store(t.UnixNano())
	return nil
}

// LocalAddr returns the bound name.
func (c *Conn) LocalAddr() net.Addr { return c.addr }

// Close unbinds the connection and unblocks pending reads.
func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.net.remove(c)
	})
	return nil
}

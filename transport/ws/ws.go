// Package ws carries worldlink datagrams over WebSocket binary frames, for
// clients that cannot open UDP sockets (browsers, restrictive networks).
//
// Each binary frame is one datagram. The bridge provides no extra
// guarantees: sessions still run the full reliability layer on top, so the
// same code serves both transports.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/localrivet/worldlink/logx"
	"github.com/localrivet/worldlink/transport"
)

// NetworkName is the value Addr.Network returns.
const NetworkName = "ws"

const (
	// DefaultShutdownTimeout bounds Listener.Close.
	DefaultShutdownTimeout = 5 * time.Second

	// DefaultWriteTimeout bounds one frame write. A peer that stops reading
	// for longer is disconnected.
	DefaultWriteTimeout = time.Second
)

// ErrUnknownPeer is returned by Listener.WriteTo for addresses with no open
// WebSocket connection.
var ErrUnknownPeer = errors.New("ws: no connection for peer")

// Addr identifies a WebSocket peer by its TCP remote address.
type Addr string

func (a Addr) Network() string { return NetworkName }
func (a Addr) String() string  { return string(a) }

type datagram struct {
	data []byte
	from net.Addr
}

// inbox is a bounded datagram queue with deadline-aware reads.
type inbox struct {
	ch       chan datagram
	done     chan struct{}
	once     sync.Once
	deadline atomic.Int64
}

func newInbox(size int) *inbox {
	return &inbox{ch: make(chan datagram, size), done: make(chan struct{})}
}

func (q *inbox) push(d datagram) bool {
	select {
	case q.ch <- d:
		return true
	default:
		return false
	}
}

func (q *inbox) read(p []byte) (int, net.Addr, error) {
	var timeout <-chan time.Time
	if dl := q.deadline.Load(); dl != 0 {
		wait := time.Until(time.Unix(0, dl))
		if wait <= 0 {
			return 0, nil, os.ErrDeadlineExceeded
		}
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case d := <-q.ch:
		return copy(p, d.data), d.from, nil
	case <-q.done:
		return 0, nil, net.ErrClosed
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	}
}

func (q *inbox) setDeadline(t time.Time) {
	if t.IsZero() {
		q.deadline.Store(0)
		return
	}
	q.deadline.Store(t.UnixNano())
}

func (q *inbox) close() bool {
	closed := false
	q.once.Do(func() {
		close(q.done)
		closed = true
	})
	return closed
}

type peer struct {
	conn net.Conn
	wmu  sync.Mutex
}

// writeFrame writes one frame under a deadline. Any failure leaves the
// connection unusable, so it is closed.
func writeFrame(conn net.Conn, timeout time.Duration, write func() error) error {
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			conn.Close()
			return err
		}
	}
	if err := write(); err != nil {
		conn.Close()
		return err
	}
	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	return nil
}

type options struct {
	logger       logx.Logger
	writeTimeout time.Duration
}

// Option configures a Listener or a Conn.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l logx.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithWriteTimeout bounds each frame write. Zero disables the deadline.
// Default DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

func newOptions(opts []Option) options {
	o := options{logger: logx.NewNop(), writeTimeout: DefaultWriteTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Listener accepts WebSocket connections and exposes their frames as
// datagrams. It implements transport.PacketConn and http.Handler.
type Listener struct {
	addr         Addr
	ln           net.Listener
	server       *http.Server
	logger       logx.Logger
	writeTimeout time.Duration

	in *inbox

	mu    sync.RWMutex
	peers map[string]*peer
}

var _ transport.PacketConn = (*Listener)(nil)

// NewListener creates a listener that is not bound to a socket; mount it on
// an existing HTTP server as a handler.
func NewListener(name string, opts ...Option) *Listener {
	o := newOptions(opts)
	return &Listener{
		addr:         Addr(name),
		logger:       o.logger,
		writeTimeout: o.writeTimeout,
		in:           newInbox(4096),
		peers:        make(map[string]*peer),
	}
}

// Listen binds addr and serves WebSocket upgrades on every path.
func Listen(ctx context.Context, addr string, opts ...Option) (*Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ws: listen %s: %w", addr, err)
	}
	l := NewListener(ln.Addr().String(), opts...)
	l.ln = ln
	l.server = &http.Server{Handler: l, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("websocket server stopped", "error", err)
		}
	}()
	l.logger.Info("websocket bridge listening", "address", l.addr.String())
	return l, nil
}

// ServeHTTP upgrades the request and pumps frames until the connection
// closes.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		l.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	from := Addr(r.RemoteAddr)
	p := &peer{conn: conn}

	l.mu.Lock()
	l.peers[from.String()] = p
	l.mu.Unlock()

	go l.readPeer(from, p)
}

func (l *Listener) readPeer(from Addr, p *peer) {
	defer func() {
		p.conn.Close()
		l.mu.Lock()
		if l.peers[from.String()] == p {
			delete(l.peers, from.String())
		}
		l.mu.Unlock()
	}()

	for {
		msg, op, err := wsutil.ReadClientData(p.conn)
		if err != nil {
			return
		}
		if op != ws.OpBinary {
			continue
		}
		if !l.in.push(datagram{data: msg, from: from}) {
			l.logger.Debug("websocket inbox full, dropping frame", "remote", from.String())
		}
	}
}

// ReadFrom returns the next frame from any peer.
func (l *Listener) ReadFrom(p []byte) (int, net.Addr, error) { return l.in.read(p) }

// WriteTo sends p as one binary frame to the peer at addr.
func (l *Listener) WriteTo(p []byte, addr net.Addr) (int, error) {
	l.mu.RLock()
	pr := l.peers[addr.String()]
	l.mu.RUnlock()
	if pr == nil {
		return 0, fmt.Errorf("%w %s", ErrUnknownPeer, addr)
	}
	pr.wmu.Lock()
	defer pr.wmu.Unlock()
	err := writeFrame(pr.conn, l.writeTimeout, func() error {
		return wsutil.WriteServerMessage(pr.conn, ws.OpBinary, p)
	})
	if err != nil {
		l.mu.Lock()
		if l.peers[addr.String()] == pr {
			delete(l.peers, addr.String())
		}
		l.mu.Unlock()
		l.logger.Debug("websocket write failed, peer dropped", "remote", addr.String(), "error", err)
		return 0, fmt.Errorf("ws: write %s: %w", addr, err)
	}
	return len(p), nil
}

// SetReadDeadline sets the deadline for ReadFrom.
func (l *Listener) SetReadDeadline(t time.Time) error {
	l.in.setDeadline(t)
	return nil
}

// LocalAddr returns the listen address.
func (l *Listener) LocalAddr() net.Addr { return l.addr }

// Peers returns the number of open WebSocket connections.
func (l *Listener) Peers() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.peers)
}

// Close stops accepting connections and closes every peer.
func (l *Listener) Close() error {
	if !l.in.close() {
		return nil
	}
	l.mu.Lock()
	for key, p := range l.peers {
		p.conn.Close()
		delete(l.peers, key)
	}
	l.mu.Unlock()

	if l.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		return l.server.Shutdown(ctx)
	}
	return nil
}

// Conn is the dialing side of the bridge. Every datagram written goes to the
// server regardless of the address argument.
type Conn struct {
	conn         net.Conn
	local        Addr
	remote       Addr
	in           *inbox
	wmu          sync.Mutex
	writeTimeout time.Duration
}

var _ transport.PacketConn = (*Conn)(nil)

// Dial connects to a ws:// or wss:// URL.
func Dial(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	o := newOptions(opts)
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}
	c := &Conn{
		conn:         conn,
		local:        Addr(conn.LocalAddr().String()),
		remote:       Addr(url),
		in:           newInbox(1024),
		writeTimeout: o.writeTimeout,
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	defer c.Close()
	for {
		msg, op, err := wsutil.ReadServerData(c.conn)
		if err != nil {
			return
		}
		if op == ws.OpBinary {
			c.in.push(datagram{data: msg, from: c.remote})
		}
	}
}

// RemoteAddr returns the address datagrams from the server carry.
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

// ReadFrom returns the next frame from the server.
func (c *Conn) ReadFrom(p []byte) (int, net.Addr, error) { return c.in.read(p) }

// WriteTo sends p as one binary frame.
func (c *Conn) WriteTo(p []byte, _ net.Addr) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	err := writeFrame(c.conn, c.writeTimeout, func() error {
		return wsutil.WriteClientMessage(c.conn, ws.OpBinary, p)
	})
	if err != nil {
		c.in.close()
		return 0, fmt.Errorf("ws: write: %w", err)
	}
	return len(p), nil
}

// SetReadDeadline sets the deadline for ReadFrom.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.in.setDeadline(t)
	return nil
}

// LocalAddr returns the local TCP address.
func (c *Conn) LocalAddr() net.Addr { return c.local }

// Close closes the connection.
func (c *Conn) Close() error {
	if !c.in.close() {
		return nil
	}
	return c.conn.Close()
}

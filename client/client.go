// Package client dials a worldlink server and drives one session over the
// same session core the server uses.
//
//	c, err := client.DialUDP(ctx, "game.example:7777", client.WithToken(token))
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//	c.HandleFunc(0x0101, onChat)
//	err = c.Send(0x0100, payload, true)
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/localrivet/worldlink/dispatch"
	"github.com/localrivet/worldlink/logx"
	"github.com/localrivet/worldlink/metrics"
	"github.com/localrivet/worldlink/protocol"
	"github.com/localrivet/worldlink/session"
	"github.com/localrivet/worldlink/transport"
	"github.com/localrivet/worldlink/transport/udp"
	"github.com/localrivet/worldlink/transport/ws"
)

var (
	// ErrConnectTimeout is returned when the server did not accept the
	// session within the connect timeout.
	ErrConnectTimeout = errors.New("client: connect timed out")

	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("client: closed")
)

// Option configures a Client.
type Option func(*Client)

// WithLogger provides an option to set a custom logger.
func WithLogger(logger logx.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records client activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithSessionConfig tunes the client session.
func WithSessionConfig(cfg session.Config) Option {
	return func(c *Client) { c.sessCfg = cfg }
}

// WithToken sets the token carried by the Connect packet.
func WithToken(token []byte) Option {
	return func(c *Client) { c.token = token }
}

// WithConnectTimeout bounds the handshake. Default 10s.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) { c.connectTimeout = d }
}

// WithConnectRetry sets how often Connect is resent while waiting for the
// server. Default 250ms.
func WithConnectRetry(d time.Duration) Option {
	return func(c *Client) { c.connectRetry = d }
}

// WithSweepInterval sets how often retransmission and keepalive timers run.
// Default 20ms.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Client) { c.sweepInterval = d }
}

// WithErrorReporter receives handler failures.
func WithErrorReporter(r dispatch.ErrorReporter) Option {
	return func(c *Client) { c.reporter = r }
}

// Client is the dialing side of one session.
type Client struct {
	conn   transport.PacketConn
	server net.Addr

	logger         logx.Logger
	metrics        *metrics.Metrics
	reporter       dispatch.ErrorReporter
	sessCfg        session.Config
	token          []byte
	connectTimeout time.Duration
	connectRetry   time.Duration
	sweepInterval  time.Duration
	readPoll       time.Duration

	sessions   *session.Manager
	sess       *session.Session
	dispatcher *dispatch.Dispatcher

	connected chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	reason    error

	cancel context.CancelFunc
	loops  sync.WaitGroup
}

// DialUDP resolves server, opens a UDP socket and connects.
func DialUDP(ctx context.Context, server string, opts ...Option) (*Client, error) {
	conn, raddr, err := udp.Dial(ctx, server)
	if err != nil {
		return nil, err
	}
	c, err := Dial(ctx, conn, raddr, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// DialWebSocket connects through the WebSocket bridge at url.
func DialWebSocket(ctx context.Context, url string, opts ...Option) (*Client, error) {
	conn, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	c, err := Dial(ctx, conn, conn.RemoteAddr(), opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Dial runs the handshake with server over conn and returns once the
// session is Connected. The client owns conn afterwards.
func Dial(ctx context.Context, conn transport.PacketConn, server net.Addr, opts ...Option) (*Client, error) {
	c := &Client{
		conn:           conn,
		server:         server,
		logger:         logx.NewNop(),
		sessCfg:        session.DefaultConfig(),
		connectTimeout: 10 * time.Second,
		connectRetry:   250 * time.Millisecond,
		sweepInterval:  20 * time.Millisecond,
		readPoll:       100 * time.Millisecond,
		connected:      make(chan struct{}),
		closed:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.dispatcher = dispatch.New(
		dispatch.WithLogger(c.logger),
		dispatch.WithMetrics(c.metrics),
		dispatch.WithErrorReporter(c.reporter),
	)
	c.sessions = session.NewManager(c.sessCfg, conn,
		session.WithLogger(c.logger),
		session.WithMetrics(c.metrics),
		session.OnConnected(func(*session.Session) { close(c.connected) }),
		session.OnClosed(c.sessionClosed),
	)
	c.sess = c.sessions.Open(server)

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.loops.Add(2)
	go c.readLoop(loopCtx)
	go c.sweepLoop(loopCtx)

	if err := c.connect(ctx); err != nil {
		c.shutdown()
		return nil, err
	}
	c.logger.Info("connected", "session", c.sess.ID(), "server", server.String(), "peer", c.sess.PeerID())
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	timeout := time.NewTimer(c.connectTimeout)
	defer timeout.Stop()
	retry := time.NewTicker(c.connectRetry)
	defer retry.Stop()

	hello := protocol.Control{Type: protocol.ControlConnect, Data: c.token}
	for {
		if err := c.sess.SendControl(hello); err != nil && errors.Is(err, session.ErrSessionClosed) {
			return c.closeErr()
		}
		select {
		case <-c.connected:
			return nil
		case <-c.closed:
			return c.closeErr()
		case <-timeout.C:
			return ErrConnectTimeout
		case <-ctx.Done():
			return ctx.Err()
		case <-retry.C:
		}
	}
}

func (c *Client) closeErr() error {
	<-c.closed
	return fmt.Errorf("client: session closed: %w", c.reason)
}

func (c *Client) sessionClosed(_ *session.Session, reason error) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.closed)
	})
}

func (c *Client) readLoop(ctx context.Context) {
	defer c.loops.Done()
	buf := make([]byte, 64<<10)
	for ctx.Err() == nil {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readPoll))
		n, from, err := c.conn.ReadFrom(buf)
		if err != nil {
			if transport.IsClosed(err) {
				c.sessions.Fail(c.sess, fmt.Errorf("client: connection closed: %w", err))
				return
			}
			continue
		}
		if from.String() != c.server.String() {
			c.metrics.RecordDrop("unknown_endpoint")
			continue
		}
		c.metrics.RecordReceived(n)

		pkt, err := protocol.Decode(append([]byte(nil), buf[:n]...))
		if err != nil {
			c.metrics.RecordDecodeError(protocol.DecodeErrorKind(err))
			continue
		}
		res, err := c.sessions.Deliver(c.sess, pkt, c.sessions.Now())
		if err != nil {
			continue
		}
		if res.Accepted {
			c.sessions.MarkConnected(c.sess, false, res.PeerID)
		}
		for _, msg := range res.Messages {
			_ = c.dispatcher.Dispatch(ctx, c.sess, msg.Data)
		}
	}
}

func (c *Client) sweepLoop(ctx context.Context) {
	defer c.loops.Done()
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sessions.Sweep()
		}
	}
}

// Session returns the client session.
func (c *Client) Session() *session.Session { return c.sess }

// Handle routes server messages carrying op to h.
func (c *Client) Handle(op protocol.Opcode, h dispatch.Handler) {
	c.dispatcher.Register(op, h)
}

// HandleFunc routes server messages carrying op to fn.
func (c *Client) HandleFunc(op protocol.Opcode, fn func(ctx context.Context, sess *session.Session, payload []byte) error) {
	c.dispatcher.RegisterFunc(op, fn)
}

// Send frames payload with op and sends it on channel 0.
func (c *Client) Send(op protocol.Opcode, payload []byte, reliable bool) error {
	return c.SendOn(0, op, payload, reliable)
}

// SendOn frames payload with op and sends it on channel.
func (c *Client) SendOn(channel uint8, op protocol.Opcode, payload []byte, reliable bool) error {
	return c.sess.Send(channel, protocol.EncodeMessage(op, payload), reliable)
}

// Ping sends a keepalive ping. The measured round trip is reported by
// Session().RTT once the Pong arrives.
func (c *Client) Ping(nonce uint64) error {
	return c.sess.SendControl(protocol.Control{Type: protocol.ControlPing, Nonce: nonce})
}

// Done is closed when the session closes.
func (c *Client) Done() <-chan struct{} { return c.closed }

// Err returns why the session closed, or nil while it is open.
func (c *Client) Err() error {
	select {
	case <-c.closed:
		return c.reason
	default:
		return nil
	}
}

// Close disconnects gracefully: it waits until pending reliable messages
// are acknowledged or the disconnect grace period elapses, then releases the
// connection.
func (c *Client) Close() error {
	c.sessions.Disconnect(c.sess)
	grace := c.sessions.Config().DisconnectGrace + c.sweepInterval
	select {
	case <-c.closed:
	case <-time.After(grace):
		c.sessions.Fail(c.sess, session.ErrLocalDisconnect)
	}
	c.shutdown()
	return nil
}

func (c *Client) shutdown() {
	c.sessions.Shutdown()
	c.cancel()
	if err := c.conn.Close(); err != nil && !transport.IsClosed(err) {
		c.logger.Debug("closing connection", "error", err)
	}
	c.loops.Wait()
}

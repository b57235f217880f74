// Package server runs the worldlink session layer over one or more datagram
// connections.
//
// A Server owns a session.Manager, a dispatch.Dispatcher and three kinds of
// goroutines, all run under one errgroup by Serve:
//
//   - one read loop per connection, decoding datagrams and queueing them in
//     the mailbox of their session;
//   - a pool of workers draining session mailboxes, completing handshakes
//     and dispatching released messages to opcode handlers;
//   - a sweep loop driving retransmission, idle and drain timers.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/localrivet/worldlink/auth"
	"github.com/localrivet/worldlink/config"
	"github.com/localrivet/worldlink/dispatch"
	"github.com/localrivet/worldlink/logx"
	"github.com/localrivet/worldlink/metrics"
	"github.com/localrivet/worldlink/protocol"
	"github.com/localrivet/worldlink/session"
	"github.com/localrivet/worldlink/transport"
)

// DefaultChannel carries messages sent with Send.
const DefaultChannel uint8 = 0

// ErrServing is returned when Serve is called twice.
var ErrServing = errors.New("server: already serving")

// Server is a worldlink endpoint accepting sessions.
type Server struct {
	cfg        config.Config
	logger     logx.Logger
	metrics    *metrics.Metrics
	handshaker auth.Handshaker
	reporter   dispatch.ErrorReporter
	now        func() time.Time

	onConnected func(*session.Session)
	onClosed    func(*session.Session, error)

	router     *transport.Router
	sessions   *session.Manager
	dispatcher *dispatch.Dispatcher
	work       chan *session.Session
	workers    int
	serving    atomic.Bool
}

// New creates a server. Handlers may be registered before or during Serve.
func New(opts ...Option) *Server {
	s := &Server{
		cfg:        config.Default(),
		logger:     logx.NewNop(),
		handshaker: auth.AcceptAll{},
		router:     transport.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.dispatcher = dispatch.New(
		dispatch.WithLogger(s.logger),
		dispatch.WithMetrics(s.metrics),
		dispatch.WithErrorReporter(s.reporter),
	)

	sessOpts := []session.Option{
		session.WithLogger(s.logger),
		session.WithMetrics(s.metrics),
		session.WithClock(s.now),
		session.OnClosed(s.onClosed),
	}
	if s.onConnected != nil {
		sessOpts = append(sessOpts, session.OnConnected(s.onConnected))
	}
	s.sessions = session.NewManager(s.cfg.Session(), s.router, sessOpts...)

	s.workers = s.cfg.Workers
	if s.workers < 1 {
		s.workers = 1
	}
	s.work = make(chan *session.Session, s.workers*64)
	return s
}

// Config returns the server configuration.
func (s *Server) Config() config.Config { return s.cfg }

// Manager returns the session manager.
func (s *Server) Manager() *session.Manager { return s.sessions }

// Sessions returns a snapshot of the live sessions.
func (s *Server) Sessions() []*session.Session { return s.sessions.Sessions() }

// Session returns the live session of endpoint.
func (s *Server) Session(endpoint net.Addr) (*session.Session, bool) {
	return s.sessions.Get(endpoint)
}

// RegisterHandler routes messages carrying op to h. A later registration for
// the same opcode replaces h.
func (s *Server) RegisterHandler(op protocol.Opcode, h dispatch.Handler) {
	s.dispatcher.Register(op, h)
}

// RegisterHandlerFunc routes messages carrying op to fn.
func (s *Server) RegisterHandlerFunc(op protocol.Opcode, fn func(ctx context.Context, sess *session.Session, payload []byte) error) {
	s.dispatcher.RegisterFunc(op, fn)
}

// UnregisterHandler removes the handler for op.
func (s *Server) UnregisterHandler(op protocol.Opcode) bool {
	return s.dispatcher.Unregister(op)
}

// Send frames payload with op and sends it on the default channel.
func (s *Server) Send(sess *session.Session, op protocol.Opcode, payload []byte, reliable bool) error {
	return s.SendOn(sess, DefaultChannel, op, payload, reliable)
}

// SendOn frames payload with op and sends it on channel.
func (s *Server) SendOn(sess *session.Session, channel uint8, op protocol.Opcode, payload []byte, reliable bool) error {
	return sess.Send(channel, protocol.EncodeMessage(op, payload), reliable)
}

// Broadcast sends to every connected session and returns how many accepted
// the message.
func (s *Server) Broadcast(op protocol.Opcode, payload []byte, reliable bool) int {
	msg := protocol.EncodeMessage(op, payload)
	n := 0
	s.sessions.Range(func(sess *session.Session) bool {
		if sess.State() == session.Connected && sess.Send(DefaultChannel, msg, reliable) == nil {
			n++
		}
		return true
	})
	return n
}

// Disconnect starts a graceful disconnect of sess.
func (s *Server) Disconnect(sess *session.Session) {
	s.sessions.Disconnect(sess)
}

// Serve runs the server over conns until ctx is cancelled or a connection
// fails. On return every session has been notified and closed and every
// connection closed.
func (s *Server) Serve(ctx context.Context, conns ...transport.PacketConn) error {
	if len(conns) == 0 {
		return errors.New("server: no connections to serve")
	}
	if !s.serving.CompareAndSwap(false, true) {
		return ErrServing
	}
	defer s.serving.Store(false)

	for i, c := range conns {
		if err := s.router.Add(c); err != nil {
			for _, added := range conns[:i] {
				s.router.Remove(added.LocalAddr().Network())
			}
			return fmt.Errorf("server: %w", err)
		}
		s.logger.Info("serving datagrams", "network", c.LocalAddr().Network(), "address", c.LocalAddr().String())
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range conns {
		c := c
		g.Go(func() error { return s.readLoop(gctx, c) })
	}
	for i := 0; i < s.workers; i++ {
		g.Go(func() error { return s.worker(gctx) })
	}
	g.Go(func() error { return s.sweepLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		s.sessions.Shutdown()
		for _, c := range conns {
			if err := c.Close(); err != nil && !transport.IsClosed(err) {
				s.logger.Warn("closing connection", "address", c.LocalAddr().String(), "error", err)
			}
			s.router.Remove(c.LocalAddr().Network())
		}
		return nil
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) readLoop(ctx context.Context, conn transport.PacketConn) error {
	buf := make([]byte, 64<<10)
	poll := s.cfg.ReadPollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := conn.SetReadDeadline(time.Now().Add(poll)); err != nil && !transport.IsClosed(err) {
			return fmt.Errorf("server: set read deadline: %w", err)
		}
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			switch {
			case transport.IsTimeout(err):
				continue
			case transport.IsClosed(err):
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("server: connection %s closed: %w", conn.LocalAddr(), err)
			default:
				s.logger.Warn("read failed", "address", conn.LocalAddr().String(), "error", err)
				continue
			}
		}
		s.metrics.RecordReceived(n)
		s.ingest(ctx, append([]byte(nil), buf[:n]...), from)
	}
}

// ingest decodes one datagram and queues it for its session.
func (s *Server) ingest(ctx context.Context, data []byte, from net.Addr) {
	pkt, err := protocol.Decode(data)
	if err != nil {
		s.metrics.RecordDecodeError(protocol.DecodeErrorKind(err))
		s.logger.Debug("dropping undecodable datagram", "endpoint", from.String(), "error", err)
		return
	}

	sess, _, ok := s.sessions.Resolve(from, &pkt)
	if !ok {
		s.metrics.RecordDrop("unknown_endpoint")
		return
	}

	schedule, err := sess.Enqueue(session.Inbound{Packet: pkt, At: s.sessions.Now()})
	if err != nil {
		s.metrics.RecordDrop("mailbox_full")
		return
	}
	if schedule {
		select {
		case s.work <- sess:
		case <-ctx.Done():
		}
	}
}

func (s *Server) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sess := <-s.work:
			s.drain(ctx, sess)
		}
	}
}

// drain processes the mailbox of sess until it is empty. Only the worker
// that was handed sess runs it, so its datagrams apply in arrival order.
func (s *Server) drain(ctx context.Context, sess *session.Session) {
	for {
		in, ok := sess.Dequeue()
		if !ok {
			return
		}
		s.process(ctx, sess, in)
	}
}

func (s *Server) process(ctx context.Context, sess *session.Session, in session.Inbound) {
	res, err := s.sessions.Deliver(sess, in.Packet, in.At)
	if err != nil {
		return
	}
	if res.Handshake {
		s.handshake(ctx, sess, res.Token)
	}
	if len(res.Messages) == 0 {
		return
	}

	hctx := ctx
	if p, ok := auth.PrincipalOf(sess); ok {
		hctx = auth.ContextWithPrincipal(ctx, p)
	}
	for _, msg := range res.Messages {
		// Failures are logged, counted and reported by the dispatcher.
		_ = s.dispatcher.Dispatch(hctx, sess, msg.Data)
	}
}

func (s *Server) handshake(ctx context.Context, sess *session.Session, token []byte) {
	complete, err := s.handshaker.Handshake(ctx, sess, token)
	if err != nil {
		s.logger.Info("handshake rejected", "session", sess.ID(), "endpoint", sess.Key(), "error", err)
		s.sessions.Reject(sess, fmt.Errorf("%w: %w", session.ErrHandshakeRejected, err))
		return
	}
	if !complete {
		return
	}
	var subject string
	if p, ok := auth.PrincipalOf(sess); ok {
		subject = p.Subject()
	}
	s.sessions.MarkConnected(sess, true, subject)
}

func (s *Server) sweepLoop(ctx context.Context) error {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sessions.Sweep()
		}
	}
}

package server

import (
	"time"

	"github.com/localrivet/worldlink/auth"
	"github.com/localrivet/worldlink/config"
	"github.com/localrivet/worldlink/dispatch"
	"github.com/localrivet/worldlink/logx"
	"github.com/localrivet/worldlink/metrics"
	"github.com/localrivet/worldlink/session"
)

// Option configures a Server.
type Option func(*Server)

// WithConfig replaces the default configuration.
func WithConfig(cfg config.Config) Option {
	return func(s *Server) { s.cfg = cfg }
}

// WithLogger provides an option to set a custom logger.
func WithLogger(logger logx.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records server activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHandshaker sets the handshake used for new sessions. The default
// accepts every Connect.
func WithHandshaker(h auth.Handshaker) Option {
	return func(s *Server) {
		if h != nil {
			s.handshaker = h
		}
	}
}

// WithOnSessionConnected registers a callback fired once per session when
// its handshake completes.
func WithOnSessionConnected(fn func(*session.Session)) Option {
	return func(s *Server) { s.onConnected = fn }
}

// WithOnSessionClosed registers a callback fired once per session when it
// closes, with the reason. It must not block.
func WithOnSessionClosed(fn func(*session.Session, error)) Option {
	return func(s *Server) { s.onClosed = fn }
}

// WithErrorReporter receives handler failures.
func WithErrorReporter(r dispatch.ErrorReporter) Option {
	return func(s *Server) { s.reporter = r }
}

// WithClock replaces time.Now for the session layer, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

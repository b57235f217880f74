package session

import (
	"hash/fnv"
	"net"
	"sync"
	"time"

	"github.com/localrivet/worldlink/logx"
	"github.com/localrivet/worldlink/metrics"
	"github.com/localrivet/worldlink/protocol"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l logx.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics records session and packet counters.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// OnConnected registers a callback fired once when a session completes its
// handshake.
func OnConnected(fn func(*Session)) Option {
	return func(m *Manager) { m.onConnected = fn }
}

// OnClosed registers a callback fired exactly once per session when it
// reaches Closed, with the close reason. It runs on the goroutine that closed
// the session and must not block.
func OnClosed(fn func(*Session, error)) Option {
	return func(m *Manager) { m.onClosed = fn }
}

// Manager owns the live sessions, indexed by remote endpoint.
type Manager struct {
	cfg     Config
	out     Writer
	logger  logx.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	onConnected func(*Session)
	onClosed    func(*Session, error)

	shards []*shard
	mask   uint32
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a manager writing through out.
func NewManager(cfg Config, out Writer, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:    cfg,
		out:    out,
		logger: logx.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	n := nextPowerOfTwo(uint32(cfg.Shards))
	m.shards = make([]*shard, n)
	for i := range m.shards {
		m.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	m.mask = n - 1
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Now returns the manager's clock reading.
func (m *Manager) Now() time.Time { return m.now() }

func (m *Manager) shard(key string) *shard {
	return m.shards[fnv32(key)&m.mask]
}

// Resolve returns the session for addr. An unknown endpoint gets a new
// Connecting session only when pkt is a Connect control packet; anything
// else from it is rejected with ok false.
func (m *Manager) Resolve(addr net.Addr, pkt *protocol.Packet) (s *Session, created, ok bool) {
	key := addr.String()
	sh := m.shard(key)

	sh.mu.RLock()
	s = sh.sessions[key]
	sh.mu.RUnlock()
	if s != nil && !s.IsClosed() {
		return s, false, true
	}
	if !protocol.IsConnect(pkt) {
		return nil, false, false
	}

	sh.mu.Lock()
	if cur := sh.sessions[key]; cur != nil && !cur.IsClosed() {
		sh.mu.Unlock()
		return cur, false, true
	}
	s = newSession(m, addr, m.now())
	sh.sessions[key] = s
	sh.mu.Unlock()

	m.metrics.RecordSessionOpened()
	m.logger.Info("session opened", "session", s.id, "endpoint", key)
	return s, true, true
}

// Open creates a Connecting session for addr without waiting for a Connect,
// for the dialing side. An existing live session is returned as is.
func (m *Manager) Open(addr net.Addr) *Session {
	key := addr.String()
	sh := m.shard(key)
	sh.mu.Lock()
	if cur := sh.sessions[key]; cur != nil && !cur.IsClosed() {
		sh.mu.Unlock()
		return cur
	}
	s := newSession(m, addr, m.now())
	sh.sessions[key] = s
	sh.mu.Unlock()

	m.metrics.RecordSessionOpened()
	m.logger.Debug("session opened", "session", s.id, "endpoint", key)
	return s
}

// Get returns the live session for addr.
func (m *Manager) Get(addr net.Addr) (*Session, bool) {
	return m.Lookup(addr.String())
}

// Lookup returns the live session for an endpoint key.
func (m *Manager) Lookup(key string) (*Session, bool) {
	sh := m.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[key]
	return s, ok
}

// Len returns the number of sessions not yet removed.
func (m *Manager) Len() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// Range calls fn for every session until fn returns false. fn runs without
// shard locks held.
func (m *Manager) Range(fn func(*Session) bool) {
	for _, s := range m.Sessions() {
		if !fn(s) {
			return
		}
	}
}

// Sessions returns a snapshot of all sessions.
func (m *Manager) Sessions() []*Session {
	var out []*Session
	for _, sh := range m.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Deliver applies one inbound packet to s and finishes the session if the
// packet closed it.
func (m *Manager) Deliver(s *Session, pkt protocol.Packet, at time.Time) (Result, error) {
	res, err := s.receive(pkt, at)
	if res.Closed {
		m.release(s)
	}
	return res, err
}

// MarkConnected completes the handshake of a Connecting session. With ack
// set, a ConnectAck carrying the session id is sent. It reports whether the
// session transitioned.
func (m *Manager) MarkConnected(s *Session, ack bool, peerID string) bool {
	if !s.markConnected(ack, peerID) {
		return false
	}
	m.logger.Info("session connected", "session", s.id, "endpoint", s.key)
	if m.onConnected != nil {
		m.onConnected(s)
	}
	return true
}

// Disconnect starts a graceful local disconnect: the peer is notified, new
// sends are refused and the session closes once its pending acknowledgments
// drain or the grace period elapses.
func (m *Manager) Disconnect(s *Session) {
	if s.disconnect(ErrLocalDisconnect, protocol.DisconnectNormal, m.now()) {
		m.release(s)
	}
}

// Reject closes a session whose handshake failed.
func (m *Manager) Reject(s *Session, reason error) {
	if s.fail(reason, protocol.DisconnectRejected, m.now()) {
		m.release(s)
	}
}

// Fail closes a session immediately for a protocol violation.
func (m *Manager) Fail(s *Session, reason error) {
	if s.fail(reason, protocol.DisconnectViolation, m.now()) {
		m.release(s)
	}
}

// Sweep runs retransmission, fragment expiry, disconnect drain, keepalive and
// idle checks on every session. It returns the number of sessions closed.
func (m *Manager) Sweep() int {
	now := m.now()
	closed := 0
	for _, s := range m.Sessions() {
		if s.tick(now) {
			m.release(s)
			closed++
		}
	}
	return closed
}

// Shutdown notifies and closes every session.
func (m *Manager) Shutdown() {
	now := m.now()
	for _, s := range m.Sessions() {
		if s.fail(ErrShutdown, protocol.DisconnectShutdown, now) {
			m.release(s)
		}
	}
}

// release removes a session that just reached Closed and fires OnClosed.
// Callers invoke it only after winning the Closed transition, so it runs
// once per session.
func (m *Manager) release(s *Session) {
	sh := m.shard(s.key)
	sh.mu.Lock()
	if sh.sessions[s.key] == s {
		delete(sh.sessions, s.key)
	}
	sh.mu.Unlock()

	reason := s.Reason()
	s.mu.Lock()
	lifetime := s.closedAt.Sub(s.created)
	s.mu.Unlock()

	m.metrics.RecordSessionClosed(ReasonLabel(reason), lifetime, s.RTT())
	m.logger.Info("session closed",
		"session", s.id,
		"endpoint", s.key,
		"reason", ReasonLabel(reason),
		"error", reason,
		"lifetime", lifetime,
	)
	if m.onClosed != nil {
		m.onClosed(s, reason)
	}
}

// fnv32 hashes an endpoint key.
func fnv32(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}

// nextPowerOfTwo returns the smallest power of two >= v.
func nextPowerOfTwo(v uint32) uint32 {
	if v <= 1 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}

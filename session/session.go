// Package session implements per-endpoint session state and the manager that
// owns every live session.
//
// A Session carries, per channel, a reliable send window, a reliable receive
// window and the unreliable sequence state, plus a reassembly buffer and the
// lifecycle state machine:
//
//	Connecting -> Connected -> Disconnecting -> Closed
//	     \____________\______________________/^  (idle timeout, violation)
//
// All mutable state is guarded by one mutex per session. Inbound datagrams are
// queued in the session mailbox and processed serially by whichever worker
// scheduled it, so one session never runs on two workers at once while
// different sessions proceed in parallel.
package session

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"

	"github.com/localrivet/worldlink/protocol"
	"github.com/localrivet/worldlink/reassembly"
	"github.com/localrivet/worldlink/reliability"
)

// Writer sends datagrams to a remote endpoint. net.PacketConn satisfies it.
type Writer interface {
	WriteTo(p []byte, addr net.Addr) (int, error)
}

// Message is a complete application message released by a session.
type Message struct {
	Channel  uint8
	Reliable bool
	Data     []byte
}

// Result describes what processing one inbound packet produced.
type Result struct {
	// Messages are ready for dispatch, in delivery order.
	Messages []Message

	// Handshake is set when a Connect arrived on a connecting session. Token
	// holds its payload.
	Handshake bool
	Token     []byte

	// Accepted is set when a ConnectAck arrived on a connecting session.
	// PeerID holds its payload.
	Accepted bool
	PeerID   string

	// Closed is set when the packet moved the session to Closed.
	Closed bool
}

// Inbound is one decoded datagram waiting in a session mailbox.
type Inbound struct {
	Packet protocol.Packet
	At     time.Time
}

type channel struct {
	send    *reliability.SendWindow
	backlog *queue.Queue // reliable packets, unsequenced, waiting for window room
	recv  *reliability.ReceiveWindow[protocol.Packet]
	ucnt  reliability.Counter
	ulast reliability.Latest
}

// Session is the state of one remote endpoint.
type Session struct {
	id      uuid.UUID
	addr    net.Addr
	key     string
	created time.Time
	m       *Manager

	closed atomic.Bool

	mu           sync.Mutex
	state        State
	channels     [protocol.ChannelCount]*channel
	frags        *reassembly.Buffer
	nextGroup    uint32
	lastActivity time.Time
	lastSent     time.Time
	closingSince time.Time
	closedAt     time.Time
	reason       error
	pingNonce    uint64
	pingSent     time.Time
	pingRTT      time.Duration
	peerID       string
	values       map[any]any

	mbMu      sync.Mutex
	mailbox   *queue.Queue
	scheduled bool
	dropped   uint64
}

func newSession(m *Manager, addr net.Addr, now time.Time) *Session {
	space := protocol.NewSeqSpace(m.cfg.SequenceModulus)
	s := &Session{
		id:           uuid.New(),
		addr:         addr,
		key:          addr.String(),
		created:      now,
		m:            m,
		state:        Connecting,
		lastActivity: now,
		lastSent:     now,
		frags: reassembly.NewBuffer(reassembly.Config{
			MaxIncompleteGroups: m.cfg.MaxIncompleteGroups,
			MaxMessageSize:      m.cfg.MaxMessageSize,
		}),
		mailbox: queue.New(),
	}
	for i := range s.channels {
		s.channels[i] = &channel{
			send:    reliability.NewSendWindow(space, m.cfg.ReceiveWindow),
			backlog: queue.New(),
			recv:    reliability.NewReceiveWindow[protocol.Packet](space, m.cfg.ReceiveWindow),
			ucnt:    reliability.NewCounter(space),
			ulast:   reliability.NewLatest(space),
		}
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Endpoint returns the remote address.
func (s *Session) Endpoint() net.Addr { return s.addr }

// Key returns the endpoint key the manager indexes the session by.
func (s *Session) Key() string { return s.key }

// Created returns when the session was opened.
func (s *Session) Created() time.Time { return s.created }

func (s *Session) String() string { return s.id.String() + "@" + s.key }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns why the session is disconnecting or closed, or nil.
func (s *Session) Reason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// LastActivity returns when the last inbound packet arrived.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// PeerID returns the identity recorded when the handshake completed: the
// session id from the server's ConnectAck on a dialing session, the
// authenticated subject on an accepting one.
func (s *Session) PeerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

// PendingAcks returns the number of reliable packets awaiting acknowledgment
// across all channels, those queued behind a full send window included.
func (s *Session) PendingAcks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked()
}

// RTT returns the smoothed round-trip estimate from acknowledgments, falling
// back to the last keepalive round trip.
func (s *Session) RTT() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum time.Duration
	n := 0
	for _, ch := range s.channels {
		if rtt := ch.send.RTT(); rtt > 0 {
			sum += rtt
			n++
		}
	}
	if n == 0 {
		return s.pingRTT
	}
	return sum / time.Duration(n)
}

// Set stores a user value on the session.
func (s *Session) Set(key, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[any]any)
	}
	s.values[key] = value
}

// Value returns a user value stored with Set.
func (s *Session) Value(key any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

// Send queues an application message on channel. Messages larger than one
// datagram are fragmented. Reliable messages are retransmitted until
// acknowledged; unreliable ones are sent once. Reliable packets beyond the
// in-flight window wait in a bounded backlog, and ErrSendWindowFull is
// returned when the message does not fit.
func (s *Session) Send(channel uint8, msg []byte, reliable bool) error {
	if int(channel) >= protocol.ChannelCount {
		return fmt.Errorf("session: channel %d: %w", channel, protocol.ErrInvalidChannel)
	}
	now := s.m.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Connecting:
		return ErrNotConnected
	case Disconnecting, Closed:
		return ErrSessionClosed
	}
	return s.sendLocked(channel, msg, reliable, now)
}

// SendControl writes a control packet on channel 0, regardless of state
// unless the session is closed.
func (s *Session) SendControl(c protocol.Control) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return ErrSessionClosed
	}
	if c.Type == protocol.ControlPing {
		s.pingSent = s.m.now()
		s.pingNonce = c.Nonce
	}
	return s.controlLocked(c)
}

func (s *Session) sendLocked(channel uint8, msg []byte, reliable bool, now time.Time) error {
	if len(msg) > s.m.cfg.MaxMessageSize {
		return fmt.Errorf("session: message of %d bytes: %w", len(msg), protocol.ErrMessageTooLarge)
	}

	pieces := [][]byte{msg}
	fragmented := len(msg) > protocol.MaxUnfragmentedPayload(s.m.cfg.MTU)
	var group uint32
	if fragmented {
		var err error
		pieces, err = protocol.Split(msg, protocol.MaxFragmentPayload(s.m.cfg.MTU))
		if err != nil {
			return fmt.Errorf("session: %w", err)
		}
		group = s.nextGroup
		s.nextGroup++
	}

	ch := s.channels[channel]
	if reliable && ch.backlog.Length()+len(pieces) > s.m.cfg.SendBacklog {
		s.m.metrics.RecordDrop("send_window_full")
		return fmt.Errorf("session: channel %d: %w", channel, ErrSendWindowFull)
	}
	var useq uint32
	if !reliable {
		useq = ch.ucnt.Assign()
	}

	var lastErr error
	for i, piece := range pieces {
		pkt := protocol.Packet{
			Header:  protocol.Header{Channel: channel, Sequence: useq},
			Payload: piece,
		}
		if fragmented {
			pkt.Header.Flags |= protocol.FlagFragmented
			pkt.Fragment = protocol.FragmentHeader{GroupID: group, Index: uint16(i), Count: uint16(len(pieces))}
		}
		if reliable {
			pkt.Header.Flags |= protocol.FlagAckRequest
			ch.backlog.Add(pkt)
			continue
		}
		b, err := protocol.Encode(pkt)
		if err != nil {
			return fmt.Errorf("session: encode: %w", err)
		}
		if err := s.writeLocked(b, now); err != nil {
			lastErr = err
		}
	}
	if reliable {
		// Lost writes are recovered by retransmission.
		return s.flushLocked(ch, now)
	}
	return lastErr
}

// flushLocked moves backlogged reliable packets into the send window while it
// has room, assigning their sequences in queue order.
func (s *Session) flushLocked(ch *channel, now time.Time) error {
	for ch.backlog.Length() > 0 && ch.send.Room() > 0 {
		pkt := ch.backlog.Remove().(protocol.Packet)
		pkt.Header.Sequence = ch.send.Assign()
		b, err := protocol.Encode(pkt)
		if err != nil {
			return fmt.Errorf("session: encode: %w", err)
		}
		if err := ch.send.Track(pkt.Header.Sequence, b, now); err != nil {
			return fmt.Errorf("session: %w", err)
		}
		_ = s.writeLocked(b, now)
	}
	return nil
}

func (s *Session) controlLocked(c protocol.Control) error {
	b, err := protocol.Encode(protocol.ControlPacket(0, c))
	if err != nil {
		return err
	}
	return s.writeLocked(b, s.m.now())
}

func (s *Session) ackLocked(channel uint8, seq uint32) {
	pkt := protocol.ControlPacket(channel, protocol.Control{Type: protocol.ControlAck, Sequence: seq})
	b, err := protocol.Encode(pkt)
	if err != nil {
		return
	}
	_ = s.writeLocked(b, s.m.now())
}

func (s *Session) writeLocked(b []byte, now time.Time) error {
	n, err := s.m.out.WriteTo(b, s.addr)
	if err != nil {
		s.m.logger.Debug("write failed", "session", s.id, "endpoint", s.key, "error", err)
		return fmt.Errorf("session: write: %w", err)
	}
	s.lastSent = now
	s.m.metrics.RecordSent(n)
	return nil
}

func (s *Session) pendingLocked() int {
	n := 0
	for _, ch := range s.channels {
		n += ch.send.Len() + ch.backlog.Length()
	}
	return n
}

// receive applies one inbound packet.
func (s *Session) receive(pkt protocol.Packet, now time.Time) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res Result
	if s.state == Closed {
		return res, ErrSessionClosed
	}
	s.lastActivity = now

	if pkt.System() {
		return s.controlInLocked(pkt, now)
	}
	if s.state == Connecting {
		s.m.metrics.RecordDrop("not_connected")
		return res, nil
	}

	ch := s.channels[pkt.Header.Channel]
	var ready []protocol.Packet
	if pkt.Reliable() {
		var dup bool
		var ack uint32
		var err error
		ready, dup, ack, err = ch.recv.Accept(pkt.Header.Sequence, pkt)
		if err != nil {
			s.m.metrics.RecordDrop("out_of_window")
			return res, nil
		}
		s.ackLocked(pkt.Header.Channel, ack)
		if dup {
			s.m.metrics.RecordDuplicate()
			return res, nil
		}
	} else {
		if !ch.ulast.Accept(pkt.Header.Sequence, pkt.Fragmented()) {
			s.m.metrics.RecordDrop("stale_unreliable")
			return res, nil
		}
		ready = []protocol.Packet{pkt}
	}

	if s.state == Disconnecting {
		s.m.metrics.RecordDrop("disconnecting")
		return res, nil
	}

	for _, p := range ready {
		frag := p.Fragment
		if !p.Fragmented() {
			frag = protocol.FragmentHeader{Count: 1}
		}
		before := s.frags.Stats().Evicted
		msg, ok, err := s.frags.Feed(p.Header.Channel, frag, p.Payload, now)
		s.m.metrics.RecordFragmentsEvicted(int(s.frags.Stats().Evicted - before))
		if err != nil {
			res.Closed = s.failLocked(fmt.Errorf("%w: %w", ErrProtocolViolation, err), protocol.DisconnectViolation, now)
			return res, nil
		}
		if ok {
			res.Messages = append(res.Messages, Message{Channel: p.Header.Channel, Reliable: p.Reliable(), Data: msg})
		}
	}
	return res, nil
}

func (s *Session) controlInLocked(pkt protocol.Packet, now time.Time) (Result, error) {
	var res Result
	c, err := protocol.DecodeControl(pkt.Payload)
	if err != nil {
		s.m.metrics.RecordDrop("bad_control")
		return res, nil
	}

	switch c.Type {
	case protocol.ControlConnect:
		switch s.state {
		case Connecting:
			res.Handshake = true
			res.Token = append([]byte(nil), c.Data...)
		case Connected:
			// The peer missed our ConnectAck.
			_ = s.controlLocked(protocol.Control{Type: protocol.ControlConnectAck, Data: []byte(s.id.String())})
		}

	case protocol.ControlConnectAck:
		if s.state == Connecting {
			res.Accepted = true
			res.PeerID = string(c.Data)
		}

	case protocol.ControlAck:
		ch := s.channels[pkt.Header.Channel]
		ch.send.Ack(c.Sequence, now)
		s.m.metrics.RecordAck()
		if err := s.flushLocked(ch, now); err != nil {
			s.m.logger.Warn("flushing send backlog", "session", s.id.String(), "error", err)
		}
		if s.state == Disconnecting && s.pendingLocked() == 0 {
			res.Closed = s.closeLocked(s.reason, now)
		}

	case protocol.ControlDisconnect:
		switch s.state {
		case Connecting:
			res.Closed = s.closeLocked(ErrRemoteDisconnect, now)
		case Connected:
			s.state = Disconnecting
			s.reason = fmt.Errorf("%w: %s", ErrRemoteDisconnect, c.Reason)
			s.closingSince = now
			if s.pendingLocked() == 0 {
				res.Closed = s.closeLocked(s.reason, now)
			}
		case Disconnecting:
			if s.pendingLocked() == 0 {
				res.Closed = s.closeLocked(s.reason, now)
			}
		}

	case protocol.ControlPing:
		_ = s.controlLocked(protocol.Control{Type: protocol.ControlPong, Nonce: c.Nonce})

	case protocol.ControlPong:
		if c.Nonce == s.pingNonce && !s.pingSent.IsZero() {
			s.pingRTT = now.Sub(s.pingSent)
		}
	}
	return res, nil
}

// markConnected completes the handshake. With ack set a ConnectAck carrying
// the session id is sent to the peer.
func (s *Session) markConnected(ack bool, peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connecting {
		return false
	}
	s.state = Connected
	s.peerID = peerID
	if ack {
		_ = s.controlLocked(protocol.Control{Type: protocol.ControlConnectAck, Data: []byte(s.id.String())})
	}
	return true
}

// disconnect starts a graceful local disconnect. It reports whether the
// session closed immediately.
func (s *Session) disconnect(reason error, code protocol.DisconnectReason, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Connecting:
		_ = s.controlLocked(protocol.Control{Type: protocol.ControlDisconnect, Reason: code})
		return s.closeLocked(reason, now)
	case Connected:
		_ = s.controlLocked(protocol.Control{Type: protocol.ControlDisconnect, Reason: code})
		s.state = Disconnecting
		s.reason = reason
		s.closingSince = now
		if s.pendingLocked() == 0 {
			return s.closeLocked(reason, now)
		}
	}
	return false
}

// fail closes the session immediately, notifying the peer.
func (s *Session) fail(reason error, code protocol.DisconnectReason, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failLocked(reason, code, now)
}

func (s *Session) failLocked(reason error, code protocol.DisconnectReason, now time.Time) bool {
	if s.state == Closed {
		return false
	}
	_ = s.controlLocked(protocol.Control{Type: protocol.ControlDisconnect, Reason: code})
	return s.closeLocked(reason, now)
}

// closeLocked moves the session to Closed and releases its buffers. It
// returns true only for the call that performed the transition.
func (s *Session) closeLocked(reason error, now time.Time) bool {
	if s.state == Closed {
		return false
	}
	s.state = Closed
	s.reason = reason
	s.closedAt = now
	for _, ch := range s.channels {
		ch.send.Drain()
		ch.backlog = queue.New()
		ch.recv.Reset()
	}
	s.frags.Reset()
	s.closed.Store(true)
	return true
}

// tick runs the periodic checks: idle timeout, retransmission, fragment
// expiry, disconnect drain and keepalive. It reports whether the session
// closed.
func (s *Session) tick(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return false
	}
	cfg := &s.m.cfg

	if now.Sub(s.lastActivity) > cfg.IdleTimeout {
		return s.failLocked(ErrIdleTimeout, protocol.DisconnectTimeout, now)
	}

	retransmits := 0
	for _, ch := range s.channels {
		due, err := ch.send.Due(now, cfg.Backoff)
		if err != nil {
			s.m.metrics.RecordRetransmits(retransmits)
			return s.failLocked(err, protocol.DisconnectTimeout, now)
		}
		for _, r := range due {
			_ = s.writeLocked(r.Data, now)
		}
		retransmits += len(due)
	}
	s.m.metrics.RecordRetransmits(retransmits)

	s.m.metrics.RecordFragmentsEvicted(s.frags.Expire(now, cfg.FragmentTTL))

	if s.state == Disconnecting {
		if s.pendingLocked() == 0 || now.Sub(s.closingSince) >= cfg.DisconnectGrace {
			return s.closeLocked(s.reason, now)
		}
		return false
	}

	if s.state == Connected && cfg.KeepaliveInterval > 0 && now.Sub(s.lastSent) >= cfg.KeepaliveInterval {
		s.pingNonce++
		s.pingSent = now
		_ = s.controlLocked(protocol.Control{Type: protocol.ControlPing, Nonce: s.pingNonce})
	}
	return false
}

// Enqueue adds an inbound datagram to the mailbox. schedule is true when the
// caller must hand the session to a worker; it is false while a worker
// already owns the session.
func (s *Session) Enqueue(in Inbound) (schedule bool, err error) {
	s.mbMu.Lock()
	defer s.mbMu.Unlock()
	if s.mailbox.Length() >= s.m.cfg.MailboxSize {
		s.dropped++
		return false, ErrMailboxFull
	}
	s.mailbox.Add(in)
	if s.scheduled {
		return false, nil
	}
	s.scheduled = true
	return true, nil
}

// Dequeue removes the oldest mailbox entry. When the mailbox is empty it
// returns false and releases the worker's claim on the session.
func (s *Session) Dequeue() (Inbound, bool) {
	s.mbMu.Lock()
	defer s.mbMu.Unlock()
	if s.mailbox.Length() == 0 {
		s.scheduled = false
		return Inbound{}, false
	}
	return s.mailbox.Remove().(Inbound), true
}

// MailboxDrops returns how many inbound datagrams were dropped on a full
// mailbox.
func (s *Session) MailboxDrops() uint64 {
	s.mbMu.Lock()
	defer s.mbMu.Unlock()
	return s.dropped
}

// IsClosed reports whether the session reached Closed.
func (s *Session) IsClosed() bool { return s.closed.Load() }

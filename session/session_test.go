package session

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/worldlink/logx"
	"github.com/localrivet/worldlink/protocol"
	"github.com/localrivet/worldlink/reliability"
)

var (
	serverAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7777}
	clientAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type captureWriter struct {
	mu        sync.Mutex
	datagrams [][]byte
}

func (w *captureWriter) WriteTo(p []byte, _ net.Addr) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.datagrams = append(w.datagrams, append([]byte(nil), p...))
	return len(p), nil
}

// take returns and clears the captured datagrams, decoded.
func (w *captureWriter) take(t *testing.T) []protocol.Packet {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]protocol.Packet, 0, len(w.datagrams))
	for _, d := range w.datagrams {
		p, err := protocol.Decode(d)
		require.NoError(t, err)
		out = append(out, p)
	}
	w.datagrams = nil
	return out
}

func (w *captureWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.datagrams)
}

func (w *captureWriter) raw() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.datagrams
	w.datagrams = nil
	return out
}

type closeRecord struct {
	mu      sync.Mutex
	reasons []error
}

func (r *closeRecord) fn(_ *Session, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, err)
}

func (r *closeRecord) all() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.reasons...)
}

type harness struct {
	m      *Manager
	w      *captureWriter
	clock  *fakeClock
	closed *closeRecord
}

func testConfig() Config {
	return Config{
		MTU:             protocol.MaxHeaderSize + 1400,
		Backoff:         reliability.Backoff{Strategy: reliability.Fixed, Base: 100 * time.Millisecond, Max: time.Second, MaxAttempts: 3},
		IdleTimeout:     10 * time.Second,
		DisconnectGrace: time.Second,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	h := &harness{w: &captureWriter{}, clock: newFakeClock(), closed: &closeRecord{}}
	h.m = NewManager(cfg, h.w,
		WithClock(h.clock.Now),
		WithLogger(logx.NewTest(t)),
		OnClosed(h.closed.fn),
	)
	return h
}

func connectPacket(token string) protocol.Packet {
	return protocol.ControlPacket(0, protocol.Control{Type: protocol.ControlConnect, Data: []byte(token)})
}

// accept opens and connects a session for clientAddr the way a server does.
func (h *harness) accept(t *testing.T) *Session {
	t.Helper()
	pkt := connectPacket("token")
	s, created, ok := h.m.Resolve(clientAddr, &pkt)
	require.True(t, ok)
	require.True(t, created)

	res, err := h.m.Deliver(s, pkt, h.clock.Now())
	require.NoError(t, err)
	require.True(t, res.Handshake)
	assert.Equal(t, []byte("token"), res.Token)

	require.True(t, h.m.MarkConnected(s, true, ""))
	h.w.take(t)
	return s
}

func ackPacket(channel uint8, seq uint32) protocol.Packet {
	return protocol.ControlPacket(channel, protocol.Control{Type: protocol.ControlAck, Sequence: seq})
}

func TestResolveRequiresConnect(t *testing.T) {
	h := newHarness(t, testConfig())

	data := protocol.Packet{Header: protocol.Header{Flags: protocol.FlagAckRequest}, Payload: []byte("hi")}
	s, _, ok := h.m.Resolve(clientAddr, &data)
	assert.False(t, ok)
	assert.Nil(t, s)
	assert.Zero(t, h.m.Len())

	connect := connectPacket("x")
	s, created, ok := h.m.Resolve(clientAddr, &connect)
	require.True(t, ok)
	assert.True(t, created)
	assert.Equal(t, Connecting, s.State())

	again, created, ok := h.m.Resolve(clientAddr, &data)
	require.True(t, ok)
	assert.False(t, created)
	assert.Same(t, s, again)
}

func TestHandshakeSendsConnectAck(t *testing.T) {
	h := newHarness(t, testConfig())
	var connected []*Session
	h.m.onConnected = func(s *Session) { connected = append(connected, s) }

	pkt := connectPacket("token")
	s, _, _ := h.m.Resolve(clientAddr, &pkt)
	_, err := h.m.Deliver(s, pkt, h.clock.Now())
	require.NoError(t, err)

	require.True(t, h.m.MarkConnected(s, true, ""))
	assert.False(t, h.m.MarkConnected(s, true, ""), "second transition is a no-op")
	assert.Equal(t, Connected, s.State())
	require.Len(t, connected, 1)

	out := h.w.take(t)
	require.Len(t, out, 1)
	c, err := protocol.DecodeControl(out[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.ControlConnectAck, c.Type)
	assert.Equal(t, s.ID().String(), string(c.Data))

	// A retransmitted Connect gets the ConnectAck again.
	res, err := h.m.Deliver(s, pkt, h.clock.Now())
	require.NoError(t, err)
	assert.False(t, res.Handshake)
	out = h.w.take(t)
	require.Len(t, out, 1)
	c, err = protocol.DecodeControl(out[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.ControlConnectAck, c.Type)
}

func TestDataWhileConnectingDropped(t *testing.T) {
	h := newHarness(t, testConfig())
	pkt := connectPacket("token")
	s, _, _ := h.m.Resolve(clientAddr, &pkt)

	data := protocol.Packet{Header: protocol.Header{Flags: protocol.FlagAckRequest}, Payload: []byte("early")}
	res, err := h.m.Deliver(s, data, h.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, res.Messages)
	assert.Empty(t, h.w.take(t), "not acknowledged")

	assert.ErrorIs(t, s.Send(0, []byte("x"), true), ErrNotConnected)
}

func TestFragmentedMessageDeliveredOnceDespiteDuplicate(t *testing.T) {
	sender := newHarness(t, testConfig())
	receiver := newHarness(t, testConfig())
	out := sender.accept(t)
	in := receiver.accept(t)

	msg := bytes.Repeat([]byte("0123456789"), 500)
	require.NoError(t, out.Send(1, msg, true))
	pkts := sender.w.take(t)
	require.Len(t, pkts, 4)
	for i, p := range pkts {
		assert.True(t, p.Fragmented())
		assert.Equal(t, uint16(i), p.Fragment.Index)
		assert.Equal(t, uint16(4), p.Fragment.Count)
		assert.Equal(t, uint32(i), p.Header.Sequence)
	}

	var delivered []Message
	for _, i := range []int{0, 2, 1, 2, 3} {
		res, err := receiver.m.Deliver(in, pkts[i], receiver.clock.Now())
		require.NoError(t, err)
		delivered = append(delivered, res.Messages...)
	}
	require.Len(t, delivered, 1)
	assert.Equal(t, msg, delivered[0].Data)
	assert.Equal(t, uint8(1), delivered[0].Channel)

	// Every arrival was acknowledged, the duplicate included; the last ack
	// covers the whole message.
	acks := receiver.w.take(t)
	require.Len(t, acks, 5)
	last, err := protocol.DecodeControl(acks[4].Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.ControlAck, last.Type)
	assert.Equal(t, uint32(3), last.Sequence)
	assert.Equal(t, uint8(1), acks[4].Header.Channel)

	_, err = sender.m.Deliver(out, acks[4], sender.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, out.PendingAcks())
}

func TestCumulativeAck(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.accept(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Send(0, []byte{byte(i)}, true))
	}
	require.Equal(t, 5, s.PendingAcks())

	_, err := h.m.Deliver(s, ackPacket(0, 2), h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, s.PendingAcks())

	// Acks are per channel.
	_, err = h.m.Deliver(s, ackPacket(1, 4), h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, s.PendingAcks())
}

// wrapConfig uses a sequence space small enough for a burst to wrap it.
func wrapConfig() Config {
	cfg := testConfig()
	cfg.SequenceModulus = 64
	cfg.ReceiveWindow = 16
	return cfg
}

// relay carries datagrams between two connected sessions until the sender
// has nothing left unacknowledged. drop loses the first transmission of
// matching packets; when the link goes quiet the sender's clock advances and
// Sweep retransmits.
func relay(t *testing.T, sender, receiver *harness, out, in *Session, drop func(protocol.Packet) bool) []Message {
	t.Helper()
	var delivered []Message
	lost := make(map[uint32]bool)
	for round := 0; round < 1000 && out.PendingAcks() > 0; round++ {
		pkts := sender.w.take(t)
		if len(pkts) == 0 {
			sender.clock.Advance(100 * time.Millisecond)
			sender.m.Sweep()
			continue
		}
		for _, p := range pkts {
			if drop != nil && !lost[p.Header.Sequence] && drop(p) {
				lost[p.Header.Sequence] = true
				continue
			}
			res, err := receiver.m.Deliver(in, p, receiver.clock.Now())
			require.NoError(t, err)
			delivered = append(delivered, res.Messages...)
		}
		for _, a := range receiver.w.take(t) {
			_, err := sender.m.Deliver(out, a, sender.clock.Now())
			require.NoError(t, err)
		}
	}
	return delivered
}

func TestBurstAcrossSequenceWrapDeliveredOnce(t *testing.T) {
	tests := []struct {
		name string
		drop func(protocol.Packet) bool
	}{
		{"lossless", nil},
		{"lossy", func(p protocol.Packet) bool { return p.Header.Sequence%5 == 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := newHarness(t, wrapConfig())
			receiver := newHarness(t, wrapConfig())
			out := sender.accept(t)
			in := receiver.accept(t)

			const n = 150
			for i := 0; i < n; i++ {
				require.NoError(t, out.Send(0, []byte{byte(i)}, true))
			}
			assert.Equal(t, 16, sender.w.count(), "in flight is bounded by the receive window")
			assert.Equal(t, n, out.PendingAcks(), "queued packets count as pending")

			delivered := relay(t, sender, receiver, out, in, tt.drop)
			require.Len(t, delivered, n)
			for i, msg := range delivered {
				assert.Equal(t, []byte{byte(i)}, msg.Data, "message %d", i)
			}
			assert.Zero(t, out.PendingAcks())

			// Nothing is left to retransmit.
			sender.clock.Advance(time.Second)
			sender.m.Sweep()
			assert.Empty(t, sender.w.take(t))
			assert.Equal(t, Connected, out.State())
		})
	}
}

func TestSendBacklogFull(t *testing.T) {
	cfg := wrapConfig()
	cfg.SendBacklog = 8
	h := newHarness(t, cfg)
	s := h.accept(t)

	for i := 0; i < 16+8; i++ {
		require.NoError(t, s.Send(0, []byte{byte(i)}, true))
	}
	err := s.Send(0, []byte("one too many"), true)
	assert.ErrorIs(t, err, ErrSendWindowFull)

	// Other channels and unreliable sends are unaffected.
	assert.NoError(t, s.Send(1, []byte("x"), true))
	assert.NoError(t, s.Send(0, []byte("y"), false))

	// An acknowledgment makes room again.
	_, err = h.m.Deliver(s, ackPacket(0, 3), h.clock.Now())
	require.NoError(t, err)
	assert.NoError(t, s.Send(0, []byte("fits"), true))
}

func TestRetransmitSendsIdenticalBytes(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.accept(t)
	require.NoError(t, s.Send(2, []byte("state update"), true))
	original := h.w.raw()
	require.Len(t, original, 1)

	h.clock.Advance(50 * time.Millisecond)
	h.m.Sweep()
	assert.Empty(t, h.w.raw())

	h.clock.Advance(50 * time.Millisecond)
	h.m.Sweep()
	again := h.w.raw()
	require.Len(t, again, 1)
	assert.Equal(t, original[0], again[0])
}

func TestRetransmitExhaustionClosesSession(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.accept(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Send(0, []byte{byte(i)}, true))
	}
	_, err := h.m.Deliver(s, ackPacket(0, 9), h.clock.Now())
	require.NoError(t, err)
	h.w.take(t)

	require.NoError(t, s.Send(0, []byte("ten"), true))
	pkts := h.w.take(t)
	require.Len(t, pkts, 1)
	require.Equal(t, uint32(10), pkts[0].Header.Sequence)

	base := testConfig().Backoff.Base
	for i := 0; i < 2; i++ {
		h.clock.Advance(base)
		assert.Zero(t, h.m.Sweep())
		assert.Equal(t, Connected, s.State())
	}
	assert.Len(t, h.w.take(t), 2, "two retransmissions")

	h.clock.Advance(base)
	assert.Equal(t, 1, h.m.Sweep())
	assert.Equal(t, Closed, s.State())
	assert.ErrorIs(t, s.Reason(), ErrRetransmitExhausted)
	assert.Zero(t, s.PendingAcks())
	assert.Zero(t, h.m.Len())

	reasons := h.closed.all()
	require.Len(t, reasons, 1)
	assert.ErrorIs(t, reasons[0], ErrRetransmitExhausted)
	assert.ErrorIs(t, s.Send(0, []byte("late"), true), ErrSessionClosed)
}

func TestIdleTimeoutThenNewSession(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.accept(t)

	h.clock.Advance(testConfig().IdleTimeout)
	assert.Zero(t, h.m.Sweep(), "exactly the timeout is not idle yet")

	h.clock.Advance(time.Millisecond)
	assert.Equal(t, 1, h.m.Sweep())
	assert.Equal(t, Closed, s.State())
	assert.ErrorIs(t, s.Reason(), ErrIdleTimeout)
	assert.Zero(t, h.m.Len())

	data := protocol.Packet{Header: protocol.Header{Flags: protocol.FlagAckRequest}, Payload: []byte("stale")}
	_, _, ok := h.m.Resolve(clientAddr, &data)
	assert.False(t, ok)

	connect := connectPacket("token")
	fresh, created, ok := h.m.Resolve(clientAddr, &connect)
	require.True(t, ok)
	assert.True(t, created)
	assert.NotEqual(t, s.ID(), fresh.ID())
	assert.Equal(t, Connecting, fresh.State())

	assert.Len(t, h.closed.all(), 1)
}

func TestLocalDisconnectDrainsPendingAcks(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.accept(t)
	require.NoError(t, s.Send(0, []byte("bye soon"), true))
	h.w.take(t)

	h.m.Disconnect(s)
	assert.Equal(t, Disconnecting, s.State())
	assert.ErrorIs(t, s.Send(0, []byte("more"), true), ErrSessionClosed)

	out := h.w.take(t)
	require.Len(t, out, 1)
	c, err := protocol.DecodeControl(out[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.ControlDisconnect, c.Type)

	res, err := h.m.Deliver(s, ackPacket(0, 0), h.clock.Now())
	require.NoError(t, err)
	assert.True(t, res.Closed)
	assert.Equal(t, Closed, s.State())
	assert.ErrorIs(t, s.Reason(), ErrLocalDisconnect)
	assert.Zero(t, h.m.Len())
}

func TestDisconnectGraceElapses(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.accept(t)
	require.NoError(t, s.Send(0, []byte("never acked"), true))

	h.m.Disconnect(s)
	h.clock.Advance(testConfig().DisconnectGrace)
	// Retransmission keeps the connection busy but cannot outlast the grace
	// period.
	h.m.Sweep()
	assert.Equal(t, Closed, s.State())
	assert.ErrorIs(t, s.Reason(), ErrLocalDisconnect)
	assert.Len(t, h.closed.all(), 1)
}

func TestRemoteDisconnect(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.accept(t)

	pkt := protocol.ControlPacket(0, protocol.Control{Type: protocol.ControlDisconnect, Reason: protocol.DisconnectNormal})
	res, err := h.m.Deliver(s, pkt, h.clock.Now())
	require.NoError(t, err)
	assert.True(t, res.Closed)
	assert.ErrorIs(t, s.Reason(), ErrRemoteDisconnect)

	_, err = h.m.Deliver(s, pkt, h.clock.Now())
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Len(t, h.closed.all(), 1, "callback fires once")
}

func TestInconsistentFragmentIsViolation(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.accept(t)

	first := protocol.Packet{
		Header:   protocol.Header{Sequence: 0, Flags: protocol.FlagFragmented},
		Fragment: protocol.FragmentHeader{GroupID: 1, Index: 0, Count: 3},
		Payload:  []byte("a"),
	}
	second := first
	second.Header.Sequence = 1
	second.Fragment = protocol.FragmentHeader{GroupID: 1, Index: 1, Count: 2}

	_, err := h.m.Deliver(s, first, h.clock.Now())
	require.NoError(t, err)
	res, err := h.m.Deliver(s, second, h.clock.Now())
	require.NoError(t, err)
	assert.True(t, res.Closed)
	assert.ErrorIs(t, s.Reason(), ErrProtocolViolation)
}

func TestUnreliableDropsStale(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.accept(t)

	deliver := func(seq uint32) int {
		pkt := protocol.Packet{Header: protocol.Header{Sequence: seq, Channel: 3}, Payload: []byte{byte(seq)}}
		res, err := h.m.Deliver(s, pkt, h.clock.Now())
		require.NoError(t, err)
		return len(res.Messages)
	}
	assert.Equal(t, 1, deliver(4))
	assert.Equal(t, 0, deliver(2))
	assert.Equal(t, 0, deliver(4))
	assert.Equal(t, 1, deliver(5))
	assert.Empty(t, h.w.take(t), "unreliable packets are not acknowledged")
}

func TestPingAnsweredWithPong(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.accept(t)

	ping := protocol.ControlPacket(0, protocol.Control{Type: protocol.ControlPing, Nonce: 99})
	_, err := h.m.Deliver(s, ping, h.clock.Now())
	require.NoError(t, err)

	out := h.w.take(t)
	require.Len(t, out, 1)
	c, err := protocol.DecodeControl(out[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.ControlPong, c.Type)
	assert.Equal(t, uint64(99), c.Nonce)
}

func TestKeepalive(t *testing.T) {
	cfg := testConfig()
	cfg.KeepaliveInterval = time.Second
	h := newHarness(t, cfg)
	s := h.accept(t)

	h.clock.Advance(time.Second)
	h.m.Sweep()
	out := h.w.take(t)
	require.Len(t, out, 1)
	c, err := protocol.DecodeControl(out[0].Payload)
	require.NoError(t, err)
	require.Equal(t, protocol.ControlPing, c.Type)

	h.clock.Advance(20 * time.Millisecond)
	pong := protocol.ControlPacket(0, protocol.Control{Type: protocol.ControlPong, Nonce: c.Nonce})
	_, err = h.m.Deliver(s, pong, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, s.RTT())
}

func TestShutdownClosesAll(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.accept(t)
	h.m.Shutdown()
	assert.Equal(t, Closed, s.State())
	assert.ErrorIs(t, s.Reason(), ErrShutdown)
	assert.Zero(t, h.m.Len())

	h.m.Shutdown()
	h.m.Sweep()
	assert.Len(t, h.closed.all(), 1)
}

func TestMailboxScheduling(t *testing.T) {
	cfg := testConfig()
	cfg.MailboxSize = 2
	h := newHarness(t, cfg)
	s := h.accept(t)

	schedule, err := s.Enqueue(Inbound{At: h.clock.Now()})
	require.NoError(t, err)
	assert.True(t, schedule)

	schedule, err = s.Enqueue(Inbound{At: h.clock.Now()})
	require.NoError(t, err)
	assert.False(t, schedule, "already scheduled")

	_, err = s.Enqueue(Inbound{})
	assert.ErrorIs(t, err, ErrMailboxFull)
	assert.Equal(t, uint64(1), s.MailboxDrops())

	_, ok := s.Dequeue()
	assert.True(t, ok)
	_, ok = s.Dequeue()
	assert.True(t, ok)
	_, ok = s.Dequeue()
	assert.False(t, ok)

	schedule, err = s.Enqueue(Inbound{})
	require.NoError(t, err)
	assert.True(t, schedule, "drained mailbox must be rescheduled")
}

func TestValues(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.accept(t)
	s.Set("player", 42)
	assert.Equal(t, 42, s.Value("player"))
	assert.Nil(t, s.Value("missing"))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.Error(t, Config{MTU: protocol.MaxHeaderSize}.Validate())
	assert.Error(t, Config{SequenceModulus: 16, ReceiveWindow: 9}.Validate())
	assert.Error(t, Config{SendBacklog: 16}.Validate(), "a maximum size message must fit the backlog")
	assert.NoError(t, Config{SendBacklog: 16, MaxMessageSize: 16 * 1000}.Validate())
}

func TestReasonLabel(t *testing.T) {
	assert.Equal(t, "retransmit_exhausted", ReasonLabel(ErrRetransmitExhausted))
	assert.Equal(t, "idle_timeout", ReasonLabel(ErrIdleTimeout))
	assert.Equal(t, "none", ReasonLabel(nil))
}

// Package reliability implements sequencing, acknowledgment and
// retransmission for one ordering channel.
//
// A SendWindow assigns sequence numbers and keeps the encoded bytes of every
// reliable packet until a cumulative acknowledgment covers it. A
// ReceiveWindow deduplicates and reorders inbound reliable packets and yields
// the cumulative acknowledgment value to return to the peer. Neither type is
// safe for concurrent use; the owning session serializes access.
package reliability

import (
	"errors"
	"fmt"
	"time"

	"github.com/localrivet/worldlink/protocol"
)

var (
	// ErrRetransmitExhausted is returned by SendWindow.Due when a packet has
	// been transmitted MaxAttempts times without being acknowledged.
	ErrRetransmitExhausted = errors.New("reliability: retransmit attempts exhausted")

	// ErrSequenceInUse is returned by SendWindow.Track for a sequence that is
	// still awaiting acknowledgment.
	ErrSequenceInUse = errors.New("reliability: sequence still in flight")
)

// PendingAck is a reliable packet awaiting acknowledgment.
type PendingAck struct {
	Sequence  uint32
	Data      []byte
	FirstSent time.Time
	LastSent  time.Time
	Attempts  int
}

// Retransmit is a packet to put back on the wire. Data is the exact byte
// sequence of the original transmission.
type Retransmit struct {
	Sequence uint32
	Data     []byte
	Attempt  int
}

// SendWindow is the sending half of a reliable channel. At most limit
// packets are in flight, so a sequence is never reused while still pending
// and never lands outside the peer's receive window.
type SendWindow struct {
	space   protocol.SeqSpace
	limit   int
	next    uint32
	pending map[uint32]*PendingAck
	order   []uint32 // pending sequences in assignment order

	watermark uint32
	acked     bool

	srtt time.Duration
}

// NewSendWindow creates a window starting at sequence zero that keeps at
// most limit packets in flight. limit should match the peer's receive window;
// it is clamped to half the sequence space.
func NewSendWindow(space protocol.SeqSpace, limit int) *SendWindow {
	if space.Modulus == 0 {
		space = protocol.NewSeqSpace(0)
	}
	if limit <= 0 {
		limit = DefaultWindowSize
	}
	if half := space.Modulus / 2; uint64(limit) > half {
		limit = int(half)
	}
	return &SendWindow{
		space:   space,
		limit:   limit,
		pending: make(map[uint32]*PendingAck),
	}
}

// Assign returns the next sequence number and advances the counter.
func (w *SendWindow) Assign() uint32 {
	seq := w.next
	w.next = w.space.Next(w.next)
	return seq
}

// Next returns the sequence the next Assign will return.
func (w *SendWindow) Next() uint32 { return w.next }

// Room returns how many more packets may be put in flight.
func (w *SendWindow) Room() int { return w.limit - len(w.order) }

// Limit returns the in-flight bound.
func (w *SendWindow) Limit() int { return w.limit }

// Track records a transmitted reliable packet. data must not be modified
// afterwards.
func (w *SendWindow) Track(seq uint32, data []byte, now time.Time) error {
	if _, exists := w.pending[seq]; exists {
		return fmt.Errorf("%w: %d", ErrSequenceInUse, seq)
	}
	w.pending[seq] = &PendingAck{
		Sequence:  seq,
		Data:      data,
		FirstSent: now,
		LastSent:  now,
		Attempts:  1,
	}
	w.order = append(w.order, seq)
	return nil
}

// Ack applies a cumulative acknowledgment: every pending entry with a
// sequence at or before seq is removed, and none after it. Repeated and stale
// acknowledgments remove nothing. Acknowledgments for sequences that were
// never assigned are ignored. It returns the number of entries removed.
func (w *SendWindow) Ack(seq uint32, now time.Time) int {
	if !w.space.Less(seq, w.next) {
		return 0
	}
	if !w.acked || w.space.Less(w.watermark, seq) {
		w.watermark = seq
		w.acked = true
	}

	n := 0
	for n < len(w.order) && w.space.LessEq(w.order[n], seq) {
		p := w.pending[w.order[n]]
		if p.Attempts == 1 {
			w.sampleRTT(now.Sub(p.FirstSent))
		}
		delete(w.pending, w.order[n])
		n++
	}
	if n > 0 {
		w.order = append(w.order[:0], w.order[n:]...)
	}
	return n
}

// sampleRTT folds an unambiguous round trip into the smoothed estimate.
func (w *SendWindow) sampleRTT(rtt time.Duration) {
	if rtt < 0 {
		return
	}
	if w.srtt == 0 {
		w.srtt = rtt
		return
	}
	w.srtt = (7*w.srtt + rtt) / 8
}

// Due returns the pending packets whose acknowledgment timeout has elapsed,
// marking each as retransmitted at now. If any timed-out packet has already
// been sent policy.MaxAttempts times, it returns ErrRetransmitExhausted and
// nothing else; the caller is expected to fail the session.
func (w *SendWindow) Due(now time.Time, policy Backoff) ([]Retransmit, error) {
	var due []*PendingAck
	for _, seq := range w.order {
		p := w.pending[seq]
		if now.Sub(p.LastSent) < policy.NextDelay(p.Attempts) {
			continue
		}
		if policy.MaxAttempts > 0 && p.Attempts >= policy.MaxAttempts {
			return nil, fmt.Errorf("%w: sequence %d after %d attempts", ErrRetransmitExhausted, seq, p.Attempts)
		}
		due = append(due, p)
	}

	out := make([]Retransmit, 0, len(due))
	for _, p := range due {
		p.Attempts++
		p.LastSent = now
		out = append(out, Retransmit{Sequence: p.Sequence, Data: p.Data, Attempt: p.Attempts})
	}
	return out, nil
}

// Drain drops every pending entry and returns how many there were.
func (w *SendWindow) Drain() int {
	n := len(w.order)
	clear(w.pending)
	w.order = w.order[:0]
	return n
}

// Len returns the number of unacknowledged packets.
func (w *SendWindow) Len() int { return len(w.order) }

// Pending returns the entry for seq, if it is still unacknowledged.
func (w *SendWindow) Pending(seq uint32) (PendingAck, bool) {
	p, ok := w.pending[seq]
	if !ok {
		return PendingAck{}, false
	}
	return *p, true
}

// Watermark returns the highest acknowledged sequence. ok is false until the
// first acknowledgment arrives.
func (w *SendWindow) Watermark() (seq uint32, ok bool) { return w.watermark, w.acked }

// RTT returns the smoothed round-trip estimate from first-attempt
// acknowledgments, or zero before any sample.
func (w *SendWindow) RTT() time.Duration { return w.srtt }

package reliability

import (
	"errors"
	"fmt"

	"github.com/localrivet/worldlink/protocol"
)

// DefaultWindowSize is the number of sequences a ReceiveWindow buffers ahead
// of the next expected one.
const DefaultWindowSize = 256

// ErrOutOfWindow is returned for reliable arrivals too far ahead of the next
// expected sequence. They are dropped without acknowledgment so the sender
// retransmits them once the window has advanced.
var ErrOutOfWindow = errors.New("reliability: sequence outside receive window")

// ReceiveWindow is the receiving half of a reliable channel. It releases
// items strictly in sequence order, each exactly once.
type ReceiveWindow[T any] struct {
	space    protocol.SeqSpace
	size     uint64
	next     uint32
	buffered map[uint32]T
}

// NewReceiveWindow creates a window expecting sequence zero first.
func NewReceiveWindow[T any](space protocol.SeqSpace, size int) *ReceiveWindow[T] {
	if space.Modulus == 0 {
		space = protocol.NewSeqSpace(0)
	}
	if size <= 0 {
		size = DefaultWindowSize
	}
	// Sequences half the space apart cannot be ordered.
	if half := space.Modulus / 2; uint64(size) > half {
		size = int(half)
	}
	return &ReceiveWindow[T]{
		space:    space,
		size:     uint64(size),
		buffered: make(map[uint32]T),
	}
}

// Accept processes one reliable arrival.
//
// ready holds the items now deliverable in order, possibly including buffered
// successors of seq. dup reports a sequence that was already delivered or is
// already buffered; the caller should acknowledge it again but deliver
// nothing. ack is the highest contiguous sequence received so far, the value
// to send back in a cumulative acknowledgment. ErrOutOfWindow means the item
// was dropped and must not be acknowledged.
func (w *ReceiveWindow[T]) Accept(seq uint32, item T) (ready []T, dup bool, ack uint32, err error) {
	if w.space.Less(seq, w.next) {
		return nil, true, w.Ack(), nil
	}
	d := w.space.Diff(w.next, seq)
	if d >= w.size {
		return nil, false, w.Ack(), fmt.Errorf("%w: sequence %d, expecting %d", ErrOutOfWindow, seq, w.next)
	}
	if d > 0 {
		if _, ok := w.buffered[seq]; ok {
			return nil, true, w.Ack(), nil
		}
		w.buffered[seq] = item
		return nil, false, w.Ack(), nil
	}

	ready = append(ready, item)
	w.next = w.space.Next(w.next)
	for {
		more, ok := w.buffered[w.next]
		if !ok {
			break
		}
		delete(w.buffered, w.next)
		ready = append(ready, more)
		w.next = w.space.Next(w.next)
	}
	return ready, false, w.Ack(), nil
}

// Ack returns the highest contiguous sequence received. Before the first
// in-order arrival it is the predecessor of zero, which acknowledges nothing.
func (w *ReceiveWindow[T]) Ack() uint32 { return w.space.Prev(w.next) }

// Expected returns the next sequence the window will release.
func (w *ReceiveWindow[T]) Expected() uint32 { return w.next }

// Buffered returns the number of out-of-order items held.
func (w *ReceiveWindow[T]) Buffered() int { return len(w.buffered) }

// Reset releases buffered items.
func (w *ReceiveWindow[T]) Reset() { clear(w.buffered) }

// Counter assigns sequence numbers to unreliable packets. It is kept apart
// from the reliable sequence so lost unreliable packets never leave a gap in
// the reliable stream.
type Counter struct {
	space protocol.SeqSpace
	next  uint32
}

// NewCounter creates a counter starting at zero.
func NewCounter(space protocol.SeqSpace) Counter { return Counter{space: space} }

// Assign returns the next sequence and advances the counter.
func (c *Counter) Assign() uint32 {
	seq := c.next
	c.next = c.space.Next(c.next)
	return seq
}

// Latest filters unreliable arrivals: only packets newer than every packet
// seen before are delivered. Late and duplicate packets are dropped. All
// fragments of one unreliable message share its sequence.
type Latest struct {
	space protocol.SeqSpace
	seq   uint32
	seen  bool
}

// NewLatest creates an empty filter.
func NewLatest(space protocol.SeqSpace) Latest { return Latest{space: space} }

// Accept reports whether seq is newer than everything seen so far and, if
// so, records it. A fragment carrying the latest sequence is also accepted.
func (l *Latest) Accept(seq uint32, fragment bool) bool {
	if l.seen {
		if seq == l.seq {
			return fragment
		}
		if !l.space.Less(l.seq, seq) {
			return false
		}
	}
	l.seq = seq
	l.seen = true
	return true
}

// Package reassembly rebuilds multi-part messages from their fragments.
//
// A Buffer holds the in-flight fragment groups of one session, tracked
// independently per channel. Memory is bounded by a maximum number of
// incomplete groups per channel (least-recently-touched eviction) and by a
// time-to-live enforced by Expire.
package reassembly

import (
	"container/list"
	"errors"
	"fmt"
	"time"

	"github.com/localrivet/worldlink/protocol"
)

const (
	// DefaultMaxIncompleteGroups bounds incomplete groups per channel.
	DefaultMaxIncompleteGroups = 32

	// DefaultMaxMessageSize bounds a reassembled message.
	DefaultMaxMessageSize = 1 << 20
)

// ErrInconsistentFragment is returned when a fragment contradicts the group
// it belongs to or would exceed the message size bound. Callers treat it as a
// protocol violation.
var ErrInconsistentFragment = errors.New("reassembly: inconsistent fragment")

// Config bounds a Buffer.
type Config struct {
	MaxIncompleteGroups int
	MaxMessageSize      int
}

// group is the reassembly state of one in-flight multi-part message.
type group struct {
	id       uint32
	count    uint16
	parts    map[uint16][]byte
	received int
	size     int
	touched  time.Time
	elem     *list.Element
}

type channelState struct {
	groups map[uint32]*group
	lru    *list.List // front is most recently touched
}

// Stats counts reassembly outcomes.
type Stats struct {
	Completed  uint64
	Duplicates uint64
	Evicted    uint64
	Expired    uint64
}

// Buffer is the per-session reassembly state. It is not safe for concurrent
// use; the owning session serializes access.
type Buffer struct {
	cfg      Config
	channels [protocol.ChannelCount]channelState
	stats    Stats
}

// NewBuffer creates an empty buffer.
func NewBuffer(cfg Config) *Buffer {
	if cfg.MaxIncompleteGroups <= 0 {
		cfg.MaxIncompleteGroups = DefaultMaxIncompleteGroups
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	b := &Buffer{cfg: cfg}
	for i := range b.channels {
		b.channels[i] = channelState{groups: make(map[uint32]*group), lru: list.New()}
	}
	return b
}

// Feed adds one fragment. It returns the complete message and true once every
// fragment of the group has arrived. Unfragmented payloads (count <= 1) are
// returned immediately without buffering. Re-received indices are dropped.
func (b *Buffer) Feed(channel uint8, frag protocol.FragmentHeader, payload []byte, now time.Time) ([]byte, bool, error) {
	if int(channel) >= len(b.channels) {
		return nil, false, fmt.Errorf("reassembly: channel %d: %w", channel, protocol.ErrInvalidChannel)
	}
	if frag.Count <= 1 {
		if frag.Index != 0 {
			return nil, false, fmt.Errorf("%w: index %d of single fragment", ErrInconsistentFragment, frag.Index)
		}
		return payload, true, nil
	}
	if frag.Index >= frag.Count {
		return nil, false, fmt.Errorf("%w: index %d of %d", ErrInconsistentFragment, frag.Index, frag.Count)
	}

	ch := &b.channels[channel]
	g, ok := ch.groups[frag.GroupID]
	if !ok {
		g = &group{
			id:    frag.GroupID,
			count: frag.Count,
			parts: make(map[uint16][]byte, frag.Count),
		}
		g.elem = ch.lru.PushFront(g)
		ch.groups[frag.GroupID] = g
		b.evictOverflow(ch)
	} else if g.count != frag.Count {
		b.drop(ch, g)
		return nil, false, fmt.Errorf("%w: group %d declared %d fragments, now %d",
			ErrInconsistentFragment, frag.GroupID, g.count, frag.Count)
	}

	g.touched = now
	ch.lru.MoveToFront(g.elem)

	if _, dup := g.parts[frag.Index]; dup {
		b.stats.Duplicates++
		return nil, false, nil
	}
	if g.size+len(payload) > b.cfg.MaxMessageSize {
		b.drop(ch, g)
		return nil, false, fmt.Errorf("%w: group %d exceeds %d bytes", ErrInconsistentFragment, frag.GroupID, b.cfg.MaxMessageSize)
	}

	// The payload aliases a datagram buffer that the caller may reuse.
	part := make([]byte, len(payload))
	copy(part, payload)
	g.parts[frag.Index] = part
	g.received++
	g.size += len(part)

	if g.received < int(g.count) {
		return nil, false, nil
	}

	msg := make([]byte, 0, g.size)
	for i := uint16(0); i < g.count; i++ {
		msg = append(msg, g.parts[i]...)
	}
	b.drop(ch, g)
	b.stats.Completed++
	return msg, true, nil
}

// evictOverflow drops least-recently-touched groups beyond the bound.
func (b *Buffer) evictOverflow(ch *channelState) {
	for ch.lru.Len() > b.cfg.MaxIncompleteGroups {
		oldest := ch.lru.Back().Value.(*group)
		b.drop(ch, oldest)
		b.stats.Evicted++
	}
}

func (b *Buffer) drop(ch *channelState, g *group) {
	ch.lru.Remove(g.elem)
	delete(ch.groups, g.id)
}

// Expire drops incomplete groups untouched for longer than ttl and returns
// how many were dropped.
func (b *Buffer) Expire(now time.Time, ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	n := 0
	for i := range b.channels {
		ch := &b.channels[i]
		for e := ch.lru.Back(); e != nil; {
			g := e.Value.(*group)
			if now.Sub(g.touched) <= ttl {
				break
			}
			prev := e.Prev()
			b.drop(ch, g)
			n++
			e = prev
		}
	}
	b.stats.Expired += uint64(n)
	return n
}

// Pending returns the number of incomplete groups across all channels.
func (b *Buffer) Pending() int {
	n := 0
	for i := range b.channels {
		n += len(b.channels[i].groups)
	}
	return n
}

// Reset releases every incomplete group.
func (b *Buffer) Reset() {
	for i := range b.channels {
		b.channels[i].groups = make(map[uint32]*group)
		b.channels[i].lru.Init()
	}
}

// Stats returns the outcome counters.
func (b *Buffer) Stats() Stats { return b.stats }

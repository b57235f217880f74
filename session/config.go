package session

import (
	"fmt"
	"time"

	"github.com/localrivet/worldlink/protocol"
	"github.com/localrivet/worldlink/reassembly"
	"github.com/localrivet/worldlink/reliability"
)

// DefaultSendBacklog holds a maximum size message at the default MTU with
// room to spare.
const DefaultSendBacklog = 4096

// Config tunes every session of a Manager.
type Config struct {
	// MTU is the largest datagram the session writes, headers included.
	MTU int

	Backoff reliability.Backoff

	// IdleTimeout closes sessions that received nothing for this long.
	IdleTimeout time.Duration

	// DisconnectGrace bounds how long a disconnecting session waits for its
	// pending acknowledgments.
	DisconnectGrace time.Duration

	// KeepaliveInterval sends a ping when nothing was sent for this long.
	// Zero disables keepalives.
	KeepaliveInterval time.Duration

	FragmentTTL         time.Duration
	MaxIncompleteGroups int
	MaxMessageSize      int
	SequenceModulus     uint64

	// ReceiveWindow is how far ahead of the next expected sequence reliable
	// arrivals are buffered. It also bounds the reliable packets a channel
	// keeps in flight, so both peers must use the same value.
	ReceiveWindow int

	// SendBacklog bounds the reliable packets per channel queued behind a
	// full in-flight window.
	SendBacklog int

	MailboxSize         int
	Shards              int
}

// DefaultConfig returns the configuration used for zero fields.
func DefaultConfig() Config {
	return Config{
		MTU:                 1200,
		Backoff:             reliability.DefaultBackoff(),
		IdleTimeout:         30 * time.Second,
		DisconnectGrace:     3 * time.Second,
		FragmentTTL:         10 * time.Second,
		MaxIncompleteGroups: reassembly.DefaultMaxIncompleteGroups,
		MaxMessageSize:      reassembly.DefaultMaxMessageSize,
		ReceiveWindow:       reliability.DefaultWindowSize,
		SendBacklog:         DefaultSendBacklog,
		SequenceModulus:     protocol.DefaultSequenceModulus,
		MailboxSize:         1024,
		Shards:              64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MTU == 0 {
		c.MTU = d.MTU
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = d.Backoff.Base
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = d.Backoff.Max
	}
	if c.Backoff.MaxAttempts <= 0 {
		c.Backoff.MaxAttempts = d.Backoff.MaxAttempts
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = d.DisconnectGrace
	}
	if c.FragmentTTL <= 0 {
		c.FragmentTTL = d.FragmentTTL
	}
	if c.MaxIncompleteGroups <= 0 {
		c.MaxIncompleteGroups = d.MaxIncompleteGroups
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.ReceiveWindow <= 0 {
		c.ReceiveWindow = d.ReceiveWindow
	}
	if c.SendBacklog <= 0 {
		c.SendBacklog = d.SendBacklog
	}
	if c.SequenceModulus == 0 {
		c.SequenceModulus = d.SequenceModulus
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = d.MailboxSize
	}
	if c.Shards <= 0 {
		c.Shards = d.Shards
	}
	return c
}

// Validate reports settings no session can operate with.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.MTU <= protocol.MaxHeaderSize {
		return fmt.Errorf("session: mtu %d leaves no room for payload", c.MTU)
	}
	if c.MTU > protocol.MaxHeaderSize+0xFFFF {
		return fmt.Errorf("session: mtu %d exceeds the length field", c.MTU)
	}
	maxMsg := protocol.MaxFragments * protocol.MaxFragmentPayload(c.MTU)
	if c.MaxMessageSize > maxMsg {
		return fmt.Errorf("session: max message size %d needs more than %d fragments at mtu %d",
			c.MaxMessageSize, protocol.MaxFragments, c.MTU)
	}
	if c.SequenceModulus < 4 || c.SequenceModulus > protocol.DefaultSequenceModulus {
		return fmt.Errorf("session: sequence modulus %d out of range", c.SequenceModulus)
	}
	if uint64(c.ReceiveWindow) > c.SequenceModulus/2 {
		return fmt.Errorf("session: receive window %d exceeds half the sequence space", c.ReceiveWindow)
	}
	if need := fragmentsFor(c.MaxMessageSize, c.MTU); need > c.SendBacklog {
		return fmt.Errorf("session: send backlog %d cannot hold a %d byte message (%d fragments)",
			c.SendBacklog, c.MaxMessageSize, need)
	}
	return nil
}

func fragmentsFor(size, mtu int) int {
	if size <= protocol.MaxUnfragmentedPayload(mtu) {
		return 1
	}
	per := protocol.MaxFragmentPayload(mtu)
	return (size + per - 1) / per
}

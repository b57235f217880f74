package session

import (
	"errors"

	"github.com/localrivet/worldlink/reliability"
)

// Close reasons. Only these reach OnSessionClosed.
var (
	// ErrRetransmitExhausted closes a session whose peer stopped
	// acknowledging reliable packets.
	ErrRetransmitExhausted = reliability.ErrRetransmitExhausted

	ErrIdleTimeout       = errors.New("session: idle timeout")
	ErrRemoteDisconnect  = errors.New("session: disconnected by peer")
	ErrLocalDisconnect   = errors.New("session: disconnected locally")
	ErrProtocolViolation = errors.New("session: protocol violation")
	ErrHandshakeRejected = errors.New("session: handshake rejected")
	ErrShutdown          = errors.New("session: shutdown")
)

var (
	// ErrSessionClosed is returned by sends on a session that is
	// disconnecting or closed.
	ErrSessionClosed = errors.New("session: closed")

	// ErrNotConnected is returned by application sends before the
	// handshake completes.
	ErrNotConnected = errors.New("session: not connected")

	// ErrSendWindowFull is returned by reliable sends when a channel's
	// in-flight window and send backlog are both full.
	ErrSendWindowFull = errors.New("session: send window full")

	// ErrMailboxFull is returned when a session's inbound queue is at
	// capacity; the datagram is dropped.
	ErrMailboxFull = errors.New("session: mailbox full")
)

// ReasonLabel returns a short stable label for a close reason, for logs and
// metrics.
func ReasonLabel(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrRetransmitExhausted):
		return "retransmit_exhausted"
	case errors.Is(err, ErrIdleTimeout):
		return "idle_timeout"
	case errors.Is(err, ErrRemoteDisconnect):
		return "remote_disconnect"
	case errors.Is(err, ErrLocalDisconnect):
		return "local_disconnect"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, ErrHandshakeRejected):
		return "handshake_rejected"
	case errors.Is(err, ErrShutdown):
		return "shutdown"
	default:
		return "other"
	}
}

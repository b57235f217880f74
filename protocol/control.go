package protocol

import (
	"encoding/binary"
	"fmt"
)

// ControlType is the first payload byte of a system packet.
type ControlType uint8

const (
	// ControlConnect opens a session. Data carries the handshake token.
	ControlConnect ControlType = iota + 1
	// ControlConnectAck confirms the handshake. Data carries the session id.
	ControlConnectAck
	// ControlAck cumulatively acknowledges Sequence on the header's channel.
	ControlAck
	// ControlDisconnect ends a session with Reason.
	ControlDisconnect
	// ControlPing keeps a session alive; the peer echoes Nonce in a pong.
	ControlPing
	// ControlPong answers a ping.
	ControlPong
)

func (t ControlType) String() string {
	switch t {
	case ControlConnect:
		return "connect"
	case ControlConnectAck:
		return "connect_ack"
	case ControlAck:
		return "ack"
	case ControlDisconnect:
		return "disconnect"
	case ControlPing:
		return "ping"
	case ControlPong:
		return "pong"
	default:
		return fmt.Sprintf("control(%d)", uint8(t))
	}
}

// DisconnectReason is carried by a disconnect control packet.
type DisconnectReason uint8

const (
	DisconnectNormal DisconnectReason = iota
	DisconnectShutdown
	DisconnectTimeout
	DisconnectViolation
	DisconnectRejected
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectNormal:
		return "normal"
	case DisconnectShutdown:
		return "shutdown"
	case DisconnectTimeout:
		return "timeout"
	case DisconnectViolation:
		return "violation"
	case DisconnectRejected:
		return "rejected"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// Control is a decoded system payload. Only the fields relevant to Type are
// meaningful.
type Control struct {
	Type     ControlType
	Sequence uint32
	Nonce    uint64
	Reason   DisconnectReason
	Data     []byte
}

// EncodeControl serializes a control payload.
func EncodeControl(c Control) []byte {
	switch c.Type {
	case ControlAck:
		b := make([]byte, 5)
		b[0] = byte(c.Type)
		binary.BigEndian.PutUint32(b[1:], c.Sequence)
		return b
	case ControlPing, ControlPong:
		b := make([]byte, 9)
		b[0] = byte(c.Type)
		binary.BigEndian.PutUint64(b[1:], c.Nonce)
		return b
	case ControlDisconnect:
		return []byte{byte(c.Type), byte(c.Reason)}
	default:
		b := make([]byte, 1+len(c.Data))
		b[0] = byte(c.Type)
		copy(b[1:], c.Data)
		return b
	}
}

// DecodeControl parses a control payload. Data aliases b.
func DecodeControl(b []byte) (Control, error) {
	if len(b) == 0 {
		return Control{}, ErrMalformedControl
	}
	c := Control{Type: ControlType(b[0])}
	body := b[1:]
	switch c.Type {
	case ControlConnect, ControlConnectAck:
		c.Data = body
	case ControlAck:
		if len(body) != 4 {
			return Control{}, fmt.Errorf("%w: ack of %d bytes", ErrMalformedControl, len(body))
		}
		c.Sequence = binary.BigEndian.Uint32(body)
	case ControlPing, ControlPong:
		if len(body) != 8 {
			return Control{}, fmt.Errorf("%w: %s of %d bytes", ErrMalformedControl, c.Type, len(body))
		}
		c.Nonce = binary.BigEndian.Uint64(body)
	case ControlDisconnect:
		if len(body) != 1 {
			return Control{}, fmt.Errorf("%w: disconnect of %d bytes", ErrMalformedControl, len(body))
		}
		c.Reason = DisconnectReason(body[0])
	default:
		return Control{}, fmt.Errorf("%w: %d", ErrUnknownControl, b[0])
	}
	return c, nil
}

// ControlPacket wraps a control payload in an unreliable system packet.
func ControlPacket(channel uint8, c Control) Packet {
	return Packet{
		Header:  Header{Flags: FlagSystem, Channel: channel},
		Payload: EncodeControl(c),
	}
}

// IsConnect reports whether p is a handshake-initiating packet.
func IsConnect(p *Packet) bool {
	return p.System() && len(p.Payload) > 0 && ControlType(p.Payload[0]) == ControlConnect
}

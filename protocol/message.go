package protocol

import (
	"encoding/binary"
	"fmt"
)

// OpcodeSize is the size of the opcode prefix of an application message.
const OpcodeSize = 2

// Opcode identifies the semantic type of an application message.
type Opcode uint16

func (op Opcode) String() string { return fmt.Sprintf("0x%04x", uint16(op)) }

// EncodeMessage prefixes payload with its opcode.
func EncodeMessage(op Opcode, payload []byte) []byte {
	msg := make([]byte, OpcodeSize+len(payload))
	binary.BigEndian.PutUint16(msg, uint16(op))
	copy(msg[OpcodeSize:], payload)
	return msg
}

// SplitOpcode separates the leading opcode from the rest of a message. The
// returned payload aliases msg.
func SplitOpcode(msg []byte) (Opcode, []byte, error) {
	if len(msg) < OpcodeSize {
		return 0, nil, ErrShortMessage
	}
	return Opcode(binary.BigEndian.Uint16(msg)), msg[OpcodeSize:], nil
}

package dispatch

import (
	"context"
	"encoding"
	"encoding/json"
	"fmt"

	"github.com/localrivet/worldlink/protocol"
	"github.com/localrivet/worldlink/session"
)

// PayloadCodec converts between message payloads and Go values.
type PayloadCodec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec encodes payloads as JSON.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// BinaryCodec encodes payloads through encoding.BinaryMarshaler and
// encoding.BinaryUnmarshaler, for hand-packed game structs.
type BinaryCodec struct{}

func (BinaryCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("dispatch: %T does not implement encoding.BinaryMarshaler", v)
	}
	return m.MarshalBinary()
}

func (BinaryCodec) Unmarshal(data []byte, v any) error {
	u, ok := v.(encoding.BinaryUnmarshaler)
	if !ok {
		return fmt.Errorf("dispatch: %T does not implement encoding.BinaryUnmarshaler", v)
	}
	return u.UnmarshalBinary(data)
}

// Typed adapts a handler that takes a decoded value. Payloads that fail to
// decode are reported as handler errors.
func Typed[T any](codec PayloadCodec, fn func(ctx context.Context, sess *session.Session, msg *T) error) Handler {
	return HandlerFunc(func(ctx context.Context, sess *session.Session, payload []byte) error {
		msg := new(T)
		if err := codec.Unmarshal(payload, msg); err != nil {
			return fmt.Errorf("decode %T: %w", msg, err)
		}
		return fn(ctx, sess, msg)
	})
}

// Encode marshals v and prefixes it with op, producing a message ready for
// Session.Send.
func Encode(codec PayloadCodec, op protocol.Opcode, v any) ([]byte, error) {
	payload, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("dispatch: encode opcode %s: %w", op, err)
	}
	return protocol.EncodeMessage(op, payload), nil
}

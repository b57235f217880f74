package protocol

import (
	"errors"
	"fmt"
)

// Decode failures. A datagram that fails to decode is dropped without a
// response.
var (
	// ErrMalformedHeader is returned when a datagram is too short for its
	// header or the header fields are inconsistent.
	ErrMalformedHeader = errors.New("protocol: malformed header")

	// ErrChecksumMismatch is returned when the computed checksum differs from
	// the header's checksum field.
	ErrChecksumMismatch = errors.New("protocol: checksum mismatch")

	// ErrOversizedPayload is returned when the declared payload length
	// disagrees with the remaining byte count, or a payload cannot be encoded.
	ErrOversizedPayload = errors.New("protocol: payload length mismatch")
)

var (
	// ErrInvalidChannel is returned when a channel number is out of range.
	ErrInvalidChannel = errors.New("protocol: invalid channel")

	// ErrMessageTooLarge is returned when a message needs more fragments than
	// the sub-header can describe or exceeds the configured maximum size.
	ErrMessageTooLarge = errors.New("protocol: message too large")

	// ErrShortMessage is returned when a message is too short to carry an opcode.
	ErrShortMessage = errors.New("protocol: message shorter than opcode")

	// ErrUnknownControl is returned for a control payload with an unknown type.
	ErrUnknownControl = errors.New("protocol: unknown control type")

	// ErrMalformedControl is returned for a truncated control payload.
	ErrMalformedControl = errors.New("protocol: malformed control payload")
)

// DecodeError describes why a datagram was rejected. Kind is one of the
// decode sentinel errors and is what errors.Is matches against.
type DecodeError struct {
	Kind   error
	Detail string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v: %s", e.Kind, e.Detail)
}

func (e *DecodeError) Unwrap() error { return e.Kind }

func decodeError(kind error, format string, args ...interface{}) error {
	return &DecodeError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// DecodeErrorKind returns a short label for a decode error, suitable for
// metric labels.
func DecodeErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrMalformedHeader):
		return "malformed_header"
	case errors.Is(err, ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.Is(err, ErrOversizedPayload):
		return "oversized_payload"
	default:
		return "other"
	}
}

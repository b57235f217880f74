package dispatch

import (
	"context"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/localrivet/worldlink/logx"
	"github.com/localrivet/worldlink/protocol"
	"github.com/localrivet/worldlink/session"
)

func TestDispatchKnownAndUnknownOpcode(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	d := New(WithLogger(logx.FromZap(zap.New(core))))

	var calls atomic.Int32
	var got []byte
	d.RegisterFunc(0x0042, func(_ context.Context, _ *session.Session, payload []byte) error {
		calls.Add(1)
		got = payload
		return nil
	})

	require.NoError(t, d.Dispatch(context.Background(), nil, protocol.EncodeMessage(0x0042, []byte("move"))))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []byte("move"), got)

	err := d.Dispatch(context.Background(), nil, protocol.EncodeMessage(0x00FF, []byte("?")))
	assert.ErrorIs(t, err, ErrUnknownOpcode)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, logs.FilterMessage("dropping message with unknown opcode").Len())

	// The dispatcher keeps working after the unknown opcode.
	require.NoError(t, d.Dispatch(context.Background(), nil, protocol.EncodeMessage(0x0042, nil)))
	assert.Equal(t, int32(2), calls.Load())
}

func TestDispatchShortMessage(t *testing.T) {
	d := New()
	err := d.Dispatch(context.Background(), nil, []byte{0x01})
	assert.ErrorIs(t, err, protocol.ErrShortMessage)
}

func TestRegisterLastWins(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	d := New(WithLogger(logx.FromZap(zap.New(core))))

	var which string
	d.RegisterFunc(1, func(context.Context, *session.Session, []byte) error { which = "first"; return nil })
	d.RegisterFunc(1, func(context.Context, *session.Session, []byte) error { which = "second"; return nil })
	assert.Equal(t, 1, logs.FilterMessage("handler replaced").Len())

	require.NoError(t, d.Dispatch(context.Background(), nil, protocol.EncodeMessage(1, nil)))
	assert.Equal(t, "second", which)
}

func TestUnregisterAndOpcodes(t *testing.T) {
	d := New()
	noop := HandlerFunc(func(context.Context, *session.Session, []byte) error { return nil })
	d.Register(7, noop)
	d.Register(3, noop)
	d.Register(5, noop)
	assert.Equal(t, []protocol.Opcode{3, 5, 7}, d.Opcodes())

	assert.True(t, d.Unregister(5))
	assert.False(t, d.Unregister(5))
	assert.Equal(t, []protocol.Opcode{3, 7}, d.Opcodes())

	err := d.Dispatch(context.Background(), nil, protocol.EncodeMessage(5, nil))
	assert.ErrorIs(t, err, ErrUnknownOpcode)
}

func TestHandlerErrorReported(t *testing.T) {
	var reported []*HandlerError
	d := New(WithLogger(logx.NewTest(t)), WithErrorReporter(func(err *HandlerError) { reported = append(reported, err) }))

	boom := errors.New("inventory full")
	d.RegisterFunc(0x10, func(context.Context, *session.Session, []byte) error { return boom })

	err := d.Dispatch(context.Background(), nil, protocol.EncodeMessage(0x10, nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandlerFailure)
	assert.ErrorIs(t, err, boom)

	var herr *HandlerError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, protocol.Opcode(0x10), herr.Opcode)
	require.Len(t, reported, 1)
	assert.Same(t, herr, reported[0])
}

func TestHandlerPanicIsolated(t *testing.T) {
	var reported []*HandlerError
	d := New(WithLogger(logx.NewTest(t)), WithErrorReporter(func(err *HandlerError) { reported = append(reported, err) }))

	d.RegisterFunc(0x20, func(context.Context, *session.Session, []byte) error { panic("nil map") })
	ok := 0
	d.RegisterFunc(0x21, func(context.Context, *session.Session, []byte) error { ok++; return nil })

	var err error
	assert.NotPanics(t, func() {
		err = d.Dispatch(context.Background(), nil, protocol.EncodeMessage(0x20, nil))
	})
	assert.ErrorIs(t, err, ErrHandlerFailure)
	require.Len(t, reported, 1)
	assert.Equal(t, "nil map", reported[0].Panic)
	assert.NotEmpty(t, reported[0].Stack)

	require.NoError(t, d.Dispatch(context.Background(), nil, protocol.EncodeMessage(0x21, nil)))
	assert.Equal(t, 1, ok)
}

type chatMessage struct {
	From string `json:"from"`
	Text string `json:"text"`
}

func TestTypedJSON(t *testing.T) {
	d := New()
	var got chatMessage
	d.Register(0x30, Typed(JSONCodec{}, func(_ context.Context, _ *session.Session, msg *chatMessage) error {
		got = *msg
		return nil
	}))

	msg, err := Encode(JSONCodec{}, 0x30, chatMessage{From: "ana", Text: "hi"})
	require.NoError(t, err)
	require.NoError(t, d.Dispatch(context.Background(), nil, msg))
	assert.Equal(t, chatMessage{From: "ana", Text: "hi"}, got)

	err = d.Dispatch(context.Background(), nil, protocol.EncodeMessage(0x30, []byte("{not json")))
	assert.ErrorIs(t, err, ErrHandlerFailure)
}

type position struct {
	X, Y int32
}

func (p position) MarshalBinary() ([]byte, error) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], uint32(p.X))
	binary.BigEndian.PutUint32(b[4:8], uint32(p.Y))
	return b, nil
}

func (p *position) UnmarshalBinary(b []byte) error {
	if len(b) != 8 {
		return errors.New("position: need 8 bytes")
	}
	p.X = int32(binary.BigEndian.Uint32(b[0:4]))
	p.Y = int32(binary.BigEndian.Uint32(b[4:8]))
	return nil
}

func TestTypedBinary(t *testing.T) {
	d := New()
	var got position
	d.Register(0x40, Typed(BinaryCodec{}, func(_ context.Context, _ *session.Session, p *position) error {
		got = *p
		return nil
	}))

	msg, err := Encode(BinaryCodec{}, 0x40, position{X: -3, Y: 12})
	require.NoError(t, err)
	require.NoError(t, d.Dispatch(context.Background(), nil, msg))
	assert.Equal(t, position{X: -3, Y: 12}, got)

	_, err = Encode(BinaryCodec{}, 0x40, "not binary")
	assert.Error(t, err)
}

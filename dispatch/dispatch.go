// Package dispatch routes complete application messages to handlers by
// opcode.
//
// A message is a 2-byte big-endian opcode followed by the payload. Unknown
// opcodes are logged and dropped. A handler that fails, by returning an error
// or by panicking, is reported and isolated: the transport keeps running and
// later messages are dispatched normally.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/localrivet/worldlink/logx"
	"github.com/localrivet/worldlink/metrics"
	"github.com/localrivet/worldlink/protocol"
	"github.com/localrivet/worldlink/session"
)

var (
	// ErrUnknownOpcode is returned by Dispatch for opcodes without a handler.
	ErrUnknownOpcode = errors.New("dispatch: unknown opcode")

	// ErrHandlerFailure matches every *HandlerError.
	ErrHandlerFailure = errors.New("dispatch: handler failure")
)

// Handler processes the payload of one message.
type Handler interface {
	Serve(ctx context.Context, sess *session.Session, payload []byte) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, sess *session.Session, payload []byte) error

// Serve calls f.
func (f HandlerFunc) Serve(ctx context.Context, sess *session.Session, payload []byte) error {
	return f(ctx, sess, payload)
}

// HandlerError describes a failed handler invocation.
type HandlerError struct {
	Opcode  protocol.Opcode
	Session *session.Session
	Err     error

	// Panic holds the recovered value when the handler panicked.
	Panic any
	Stack []byte
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("dispatch: handler for opcode 0x%04x panicked: %v", uint16(e.Opcode), e.Panic)
	}
	return fmt.Sprintf("dispatch: handler for opcode 0x%04x: %v", uint16(e.Opcode), e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Is makes every HandlerError match ErrHandlerFailure.
func (e *HandlerError) Is(target error) bool { return target == ErrHandlerFailure }

// ErrorReporter receives handler failures.
type ErrorReporter func(err *HandlerError)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l logx.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics records dispatch outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithErrorReporter sets the handler failure callback. Without one,
// failures are only logged.
func WithErrorReporter(r ErrorReporter) Option {
	return func(d *Dispatcher) { d.reporter = r }
}

// Dispatcher is an opcode to handler table. It is safe for concurrent use;
// registration may happen while messages are being dispatched.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[protocol.Opcode]Handler

	logger   logx.Logger
	metrics  *metrics.Metrics
	reporter ErrorReporter
}

// New creates an empty dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[protocol.Opcode]Handler),
		logger:   logx.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register binds h to op. A later registration for the same opcode replaces
// the earlier one.
func (d *Dispatcher) Register(op protocol.Opcode, h Handler) {
	d.mu.Lock()
	_, replaced := d.handlers[op]
	d.handlers[op] = h
	d.mu.Unlock()

	if replaced {
		d.logger.Warn("handler replaced", "opcode", op.String())
	} else {
		d.logger.Debug("handler registered", "opcode", op.String())
	}
}

// RegisterFunc binds a function to op.
func (d *Dispatcher) RegisterFunc(op protocol.Opcode, fn func(ctx context.Context, sess *session.Session, payload []byte) error) {
	d.Register(op, HandlerFunc(fn))
}

// Unregister removes the handler for op and reports whether one existed.
func (d *Dispatcher) Unregister(op protocol.Opcode) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.handlers[op]
	delete(d.handlers, op)
	return ok
}

// Opcodes returns the registered opcodes in ascending order.
func (d *Dispatcher) Opcodes() []protocol.Opcode {
	d.mu.RLock()
	ops := make([]protocol.Opcode, 0, len(d.handlers))
	for op := range d.handlers {
		ops = append(ops, op)
	}
	d.mu.RUnlock()
	slices.Sort(ops)
	return ops
}

// Dispatch routes one complete message. It returns ErrUnknownOpcode for
// unregistered opcodes, protocol.ErrShortMessage when msg cannot hold an
// opcode, and a *HandlerError when the handler fails. None of these affect
// the session.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Session, msg []byte) error {
	op, payload, err := protocol.SplitOpcode(msg)
	if err != nil {
		d.metrics.RecordDispatch("malformed")
		d.logger.Debug("dropping short message", "session", sessionID(sess), "size", len(msg))
		return err
	}

	d.mu.RLock()
	h, ok := d.handlers[op]
	d.mu.RUnlock()
	if !ok {
		d.metrics.RecordDispatch("unknown_opcode")
		d.logger.Warn("dropping message with unknown opcode", "opcode", op.String(), "session", sessionID(sess))
		return fmt.Errorf("%w: %s", ErrUnknownOpcode, op)
	}

	if herr := d.invoke(ctx, op, h, sess, payload); herr != nil {
		d.metrics.RecordDispatch("error")
		d.metrics.RecordHandlerError(op.String())
		d.logger.Error("handler failed", "opcode", op.String(), "session", sessionID(sess), "error", herr)
		if d.reporter != nil {
			d.reporter(herr)
		}
		return herr
	}
	d.metrics.RecordDispatch("ok")
	return nil
}

func (d *Dispatcher) invoke(ctx context.Context, op protocol.Opcode, h Handler, sess *session.Session, payload []byte) (herr *HandlerError) {
	defer func() {
		if r := recover(); r != nil {
			herr = &HandlerError{Opcode: op, Session: sess, Panic: r, Stack: debug.Stack()}
		}
	}()
	if err := h.Serve(ctx, sess, payload); err != nil {
		return &HandlerError{Opcode: op, Session: sess, Err: err}
	}
	return nil
}

func sessionID(s *session.Session) string {
	if s == nil {
		return ""
	}
	return s.ID().String()
}

// Package auth decides whether a connecting peer may open a session.
//
// The session layer hands the opaque token carried by a Connect packet to a
// Handshaker. Token formats are the application's business; this package
// ships an accept-all handshaker for development and JWT handshakers that
// verify tokens with a shared HMAC secret or a remote JWKS endpoint.
package auth

import (
	"context"
	"errors"

	"github.com/localrivet/worldlink/session"
)

var (
	// ErrMissingToken is returned when a Connect carries no token.
	ErrMissingToken = errors.New("auth: missing token")

	// ErrInvalidToken wraps every token verification failure.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Handshaker authenticates a Connecting session from its Connect token.
//
// complete reports whether the session may move to Connected. Returning
// false with a nil error leaves the session Connecting, for handshakes that
// need another Connect from the peer. Any error rejects the session.
type Handshaker interface {
	Handshake(ctx context.Context, sess *session.Session, token []byte) (complete bool, err error)
}

// HandshakerFunc adapts a function to Handshaker.
type HandshakerFunc func(ctx context.Context, sess *session.Session, token []byte) (bool, error)

// Handshake calls f.
func (f HandshakerFunc) Handshake(ctx context.Context, sess *session.Session, token []byte) (bool, error) {
	return f(ctx, sess, token)
}

// AcceptAll completes every handshake.
type AcceptAll struct{}

// Handshake always succeeds.
func (AcceptAll) Handshake(context.Context, *session.Session, []byte) (bool, error) {
	return true, nil
}

// Principal is the authenticated identity behind a session.
type Principal interface {
	// Subject returns the unique identifier of the principal.
	Subject() string
	// Claims returns the raw claims the principal was built from.
	Claims() map[string]any
}

// TokenValidator verifies a token and returns its principal.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (Principal, error)
}

// TokenHandshaker completes a handshake when its validator accepts the
// token, and stores the principal on the session.
type TokenHandshaker struct {
	Validator TokenValidator
}

// NewTokenHandshaker wraps v.
func NewTokenHandshaker(v TokenValidator) *TokenHandshaker {
	return &TokenHandshaker{Validator: v}
}

// Handshake validates token.
func (h *TokenHandshaker) Handshake(ctx context.Context, sess *session.Session, token []byte) (bool, error) {
	if len(token) == 0 {
		return false, ErrMissingToken
	}
	p, err := h.Validator.ValidateToken(ctx, string(token))
	if err != nil {
		return false, err
	}
	sess.Set(principalKey, p)
	return true, nil
}

type principalKeyType struct{}

var principalKey = principalKeyType{}

// PrincipalOf returns the principal stored on sess by a TokenHandshaker.
func PrincipalOf(sess *session.Session) (Principal, bool) {
	p, ok := sess.Value(principalKey).(Principal)
	return p, ok
}

// ContextWithPrincipal returns a new context with the given Principal embedded.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext retrieves the Principal from the context, if present.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

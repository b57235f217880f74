package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Claims is the Principal built from JWT claims.
type Claims jwt.MapClaims

// Subject returns the "sub" claim.
func (c Claims) Subject() string {
	sub, _ := jwt.MapClaims(c).GetSubject()
	return sub
}

// Claims returns the claim map.
func (c Claims) Claims() map[string]any { return c }

// ClaimRules are the standard claim checks applied to every JWT.
type ClaimRules struct {
	// Issuer is the required "iss" claim. Empty skips the check.
	Issuer string
	// Audience is the required "aud" claim. Empty skips the check.
	Audience string
	// ClockSkew is the leeway for "exp" and "nbf".
	ClockSkew time.Duration
	// RequireExpiry rejects tokens without "exp".
	RequireExpiry bool
}

func (r ClaimRules) parserOptions(methods []string) []jwt.ParserOption {
	opts := []jwt.ParserOption{jwt.WithValidMethods(methods)}
	if r.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.Issuer))
	}
	if r.Audience != "" {
		opts = append(opts, jwt.WithAudience(r.Audience))
	}
	if r.ClockSkew > 0 {
		opts = append(opts, jwt.WithLeeway(r.ClockSkew))
	}
	if r.RequireExpiry {
		opts = append(opts, jwt.WithExpirationRequired())
	}
	return opts
}

func parse(token string, keyFunc jwt.Keyfunc, opts []jwt.ParserOption) (Principal, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, keyFunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return Claims(claims), nil
}

var hmacMethods = []string{"HS256", "HS384", "HS512"}

// HMACValidator verifies JWTs signed with a shared secret.
type HMACValidator struct {
	secret []byte
	rules  ClaimRules
}

// NewHMACValidator creates a validator for HS256/384/512 tokens.
func NewHMACValidator(secret []byte, rules ClaimRules) (*HMACValidator, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: HMAC secret is required")
	}
	return &HMACValidator{secret: secret, rules: rules}, nil
}

// ValidateToken implements TokenValidator.
func (v *HMACValidator) ValidateToken(_ context.Context, token string) (Principal, error) {
	return parse(token, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, v.rules.parserOptions(hmacMethods))
}

var _ TokenValidator = (*HMACValidator)(nil)

var asymmetricMethods = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}

// JWKSConfig holds configuration for the JWKS-based validator.
type JWKSConfig struct {
	// URL is the JSON Web Key Set endpoint. Required.
	URL string
	ClaimRules
	// RefreshInterval is the minimum time between key set refreshes.
	// Defaults to 1 hour.
	RefreshInterval time.Duration
}

// JWKSValidator verifies JWTs against keys published at a JWKS endpoint.
type JWKSValidator struct {
	config JWKSConfig
	cache  *jwk.Cache
}

// NewJWKSValidator registers the key set with an auto-refreshing cache and
// performs the initial fetch. The cache refreshes in the background until
// ctx is cancelled.
func NewJWKSValidator(ctx context.Context, config JWKSConfig, client *http.Client) (*JWKSValidator, error) {
	if config.URL == "" {
		return nil, errors.New("auth: JWKS URL is required")
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = time.Hour
	}
	if client == nil {
		client = http.DefaultClient
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(config.URL, jwk.WithMinRefreshInterval(config.RefreshInterval), jwk.WithHTTPClient(client)); err != nil {
		return nil, fmt.Errorf("auth: register JWKS %s: %w", config.URL, err)
	}
	if _, err := cache.Refresh(ctx, config.URL); err != nil {
		return nil, fmt.Errorf("auth: initial JWKS fetch from %s: %w", config.URL, err)
	}
	return &JWKSValidator{config: config, cache: cache}, nil
}

// ValidateToken implements TokenValidator.
func (v *JWKSValidator) ValidateToken(ctx context.Context, token string) (Principal, error) {
	return parse(token, func(t *jwt.Token) (any, error) {
		return v.key(ctx, t)
	}, v.config.parserOptions(asymmetricMethods))
}

func (v *JWKSValidator) key(ctx context.Context, token *jwt.Token) (any, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("JWT header missing kid")
	}

	set, err := v.cache.Get(ctx, v.config.URL)
	if err != nil {
		return nil, fmt.Errorf("get JWKS %s: %w", v.config.URL, err)
	}
	key, found := set.LookupKeyID(kid)
	if !found {
		// Keys rotate; refresh once before giving up.
		set, err = v.cache.Refresh(ctx, v.config.URL)
		if err != nil {
			return nil, fmt.Errorf("key %q not found, refresh failed: %w", kid, err)
		}
		if key, found = set.LookupKeyID(kid); !found {
			return nil, fmt.Errorf("key %q not found in JWKS %s", kid, v.config.URL)
		}
	}

	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("raw key %q: %w", kid, err)
	}
	return raw, nil
}

var _ TokenValidator = (*JWKSValidator)(nil)

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-sessions-go/internal/jwtauth"
)

// AccessTokenAuthOption configures optional aspects of the JWT access token
// authenticator.
type AccessTokenAuthOption func(*jwtauth.Config)

// WithJWKSURL pins the key set location. Without it the issuer's OpenID
// configuration is fetched to find jwks_uri.
func WithJWKSURL(u string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.JWKSURI = u }
}

// WithAdditionalAudiences accepts tokens minted for extra audiences, which is
// mostly useful when the server is reachable under a local URL during
// development.
func WithAdditionalAudiences(auds ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Audiences = append(c.Audiences, auds...) }
}

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.RequiredScopes = append([]string(nil), scopes...) }
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.AllowedAlgs = append([]string(nil), algs...) }
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// NewAccessTokenAuthenticator returns an Authenticator that verifies JWT
// access tokens issued by issuer for audience.
func NewAccessTokenAuthenticator(ctx context.Context, issuer, audience string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.Audiences = []string{audience}
	for _, opt := range opts {
		opt(cfg)
	}
	v, err := jwtauth.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	return &adapter{v: v}, nil
}

type adapter struct {
	v *jwtauth.Verifier
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := ad.v.CheckAuthentication(ctx, tok)
	switch {
	case errors.Is(err, jwtauth.ErrInsufficientScope):
		return nil, fmt.Errorf("%w: %v", ErrInsufficientScope, err)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return ui, nil
}

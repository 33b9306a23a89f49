// Package operator authenticates callers of the read-only operator API with
// bearer JWTs issued by an external identity provider.
package operator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

var (
	ErrMissingToken = errors.New("operator: missing bearer token")
	ErrInvalidToken = errors.New("operator: invalid token")
	ErrForbidden    = errors.New("operator: missing required scope")
)

// Claims is what handlers learn about the caller.
type Claims struct {
	Subject string
	Scopes  []string
}

// HasScope reports whether s was granted.
func (c Claims) HasScope(s string) bool {
	for _, v := range c.Scopes {
		if v == s {
			return true
		}
	}
	return false
}

// Verifier validates operator tokens against a key set, issuer and audience.
type Verifier struct {
	keySet   jwk.Set
	issuer   string
	audience string
	scope    string
	skew     time.Duration
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithRequiredScope rejects tokens that do not carry scope.
func WithRequiredScope(scope string) Option {
	return func(v *Verifier) { v.scope = scope }
}

// WithAcceptableSkew tolerates clock drift on exp/nbf/iat.
func WithAcceptableSkew(d time.Duration) Option {
	return func(v *Verifier) { v.skew = d }
}

// NewVerifier builds a verifier over a fixed key set.
func NewVerifier(keySet jwk.Set, issuer, audience string, opts ...Option) *Verifier {
	v := &Verifier{keySet: keySet, issuer: issuer, audience: audience, skew: 30 * time.Second}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// NewJWKSVerifier fetches the issuer's JWKS once and keeps it refreshed in the
// background for the life of ctx.
func NewJWKSVerifier(ctx context.Context, jwksURL, issuer, audience string, opts ...Option) (*Verifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("register jwks %s: %w", jwksURL, err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("fetch jwks %s: %w", jwksURL, err)
	}
	return NewVerifier(jwk.NewCachedSet(cache, jwksURL), issuer, audience, opts...), nil
}

// Verify parses raw and returns its claims. All validation failures collapse
// to ErrInvalidToken; a valid token lacking the required scope is ErrForbidden.
func (v *Verifier) Verify(ctx context.Context, raw string) (Claims, error) {
	if v == nil || v.keySet == nil {
		return Claims{}, ErrInvalidToken
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, ErrMissingToken
	}
	opts := []jwt.ParseOption{
		jwt.WithKeySet(v.keySet, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(v.skew),
		jwt.WithContext(ctx),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	token, err := jwt.ParseString(raw, opts...)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	c := Claims{Subject: token.Subject(), Scopes: scopesOf(token)}
	if v.scope != "" && !c.HasScope(v.scope) {
		return c, ErrForbidden
	}
	return c, nil
}

func scopesOf(token jwt.Token) []string {
	var out []string
	if raw, ok := token.Get("scope"); ok {
		if s, ok := raw.(string); ok {
			out = append(out, strings.Fields(s)...)
		}
	}
	if raw, ok := token.Get("scp"); ok {
		switch s := raw.(type) {
		case []any:
			for _, x := range s {
				if str, ok := x.(string); ok {
					out = append(out, str)
				}
			}
		case []string:
			out = append(out, s...)
		case string:
			out = append(out, strings.Fields(s)...)
		}
	}
	return out
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// Package testing provides fixtures for exercising entitlesync end to end: a
// mock operator identity provider that serves a JWKS and mints tokens, and a
// webhook signer that produces correctly signed deliveries.
//
// Example usage:
//
//	issuer := testing.NewIssuer("entitlesync-ops")
//	defer issuer.Close()
//	token := issuer.Token("ops@example.com", "entitlements:read")
package testing

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// JWKSPath is where the issuer publishes its keys.
const JWKSPath = "/.well-known/jwks.json"

// Issuer is an httptest-backed identity provider with one RSA signing key.
type Issuer struct {
	server   *httptest.Server
	key      *rsa.PrivateKey
	kid      string
	audience string
	keySet   jwk.Set
}

// NewIssuer starts an issuer whose tokens carry audience.
func NewIssuer(audience string) *Issuer {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic("generate rsa key: " + err.Error())
	}
	iss := &Issuer{key: key, kid: "test-key-1", audience: audience}

	pub, err := jwk.FromRaw(&key.PublicKey)
	if err != nil {
		panic("build jwk: " + err.Error())
	}
	_ = pub.Set(jwk.KeyIDKey, iss.kid)
	_ = pub.Set(jwk.AlgorithmKey, jwa.RS256)
	_ = pub.Set(jwk.KeyUsageKey, "sig")
	iss.keySet = jwk.NewSet()
	_ = iss.keySet.AddKey(pub)

	mux := http.NewServeMux()
	mux.HandleFunc(JWKSPath, iss.handleJWKS)
	iss.server = httptest.NewServer(mux)
	return iss
}

// URL is the issuer identifier placed in the iss claim.
func (i *Issuer) URL() string { return i.server.URL }

// JWKSURL is the absolute JWKS endpoint.
func (i *Issuer) JWKSURL() string { return i.server.URL + JWKSPath }

// KeySet returns the public key set, for verifiers that skip the HTTP fetch.
func (i *Issuer) KeySet() jwk.Set { return i.keySet }

func (i *Issuer) Audience() string { return i.audience }

func (i *Issuer) Close() {
	if i.server != nil {
		i.server.Close()
	}
}

func (i *Issuer) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	b, err := json.Marshal(i.keySet)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_, _ = w.Write(b)
}

// Token mints a one-hour token for subject with a space-separated scope claim.
func (i *Issuer) Token(subject, scope string) string {
	return i.TokenWithClaims(subject, map[string]any{"scope": scope})
}

// ExpiredToken mints a token that expired an hour ago.
func (i *Issuer) ExpiredToken(subject string) string {
	now := time.Now()
	return i.TokenWithClaims(subject, map[string]any{
		"iat": now.Add(-2 * time.Hour).Unix(),
		"exp": now.Add(-time.Hour).Unix(),
	})
}

// TokenWithClaims mints a token; extra overrides the standard claims.
func (i *Issuer) TokenWithClaims(subject string, extra map[string]any) string {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iss": i.URL(),
		"aud": i.audience,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = i.kid
	s, err := tok.SignedString(i.key)
	if err != nil {
		panic("sign token: " + err.Error())
	}
	return s
}

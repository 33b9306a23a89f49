// Package signature authenticates webhook deliveries before any parsing.
package signature

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Header names used by the provider.
const (
	HeaderSignature = "X-Signature-Ed25519"
	HeaderTimestamp = "X-Signature-Timestamp"
)

// DefaultWindow bounds how far a delivery timestamp may drift from now.
const DefaultWindow = 5 * time.Minute

// ErrUnauthenticated is returned for every verification failure. Callers must
// not distinguish causes in responses.
var ErrUnauthenticated = errors.New("unauthenticated delivery")

// Verifier is the signature primitive: verify(key, message, signature).
type Verifier interface {
	Verify(publicKey, message, sig []byte) bool
}

// Ed25519Verifier verifies detached ed25519 signatures.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(publicKey, message, sig []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, sig)
}

// Checker validates authenticity and freshness of one delivery.
type Checker struct {
	publicKey []byte
	verifier  Verifier
	window    time.Duration
	now       func() time.Time
}

// Option configures a Checker.
type Option func(*Checker)

// WithVerifier swaps the signature primitive.
func WithVerifier(v Verifier) Option { return func(c *Checker) { c.verifier = v } }

// WithWindow sets the freshness window; values <= 0 keep the default.
func WithWindow(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option { return func(c *Checker) { c.now = now } }

// NewChecker builds a Checker from a hex-encoded public key.
func NewChecker(publicKeyHex string, opts ...Option) (*Checker, error) {
	key, err := hex.DecodeString(strings.TrimSpace(publicKeyHex))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(key))
	}
	c := &Checker{
		publicKey: key,
		verifier:  Ed25519Verifier{},
		window:    DefaultWindow,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Check verifies signatureHex over timestamp ++ body and rejects timestamps
// outside the freshness window.
func (c *Checker) Check(signatureHex, timestamp string, body []byte) error {
	signatureHex = strings.TrimSpace(signatureHex)
	timestamp = strings.TrimSpace(timestamp)
	if signatureHex == "" || timestamp == "" {
		return ErrUnauthenticated
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return ErrUnauthenticated
	}
	ts, ok := parseTimestamp(timestamp)
	if !ok {
		return ErrUnauthenticated
	}
	skew := c.now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > c.window {
		return ErrUnauthenticated
	}

	msg := make([]byte, 0, len(timestamp)+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, body...)
	if !c.verifier.Verify(c.publicKey, msg, sig) {
		return ErrUnauthenticated
	}
	return nil
}

// parseTimestamp accepts unix seconds (the provider's format) or RFC 3339.
func parseTimestamp(s string) (time.Time, bool) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0), true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

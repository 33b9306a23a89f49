package testing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/PaulFidika/entitlesync/signature"
)

// WebhookSigner signs deliveries the way the provider does.
type WebhookSigner struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func NewWebhookSigner() *WebhookSigner {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic("generate ed25519 key: " + err.Error())
	}
	return &WebhookSigner{pub: pub, priv: priv}
}

// PublicKeyHex is the value for WEBHOOK_PUBLIC_KEY.
func (s *WebhookSigner) PublicKeyHex() string { return hex.EncodeToString(s.pub) }

// Sign returns the hex signature over timestamp ++ body.
func (s *WebhookSigner) Sign(timestamp string, body []byte) string {
	msg := make([]byte, 0, len(timestamp)+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, body...)
	return hex.EncodeToString(ed25519.Sign(s.priv, msg))
}

// SignRequest sets both signature headers on r for body, stamped at.
func (s *WebhookSigner) SignRequest(r *http.Request, body []byte, at time.Time) {
	ts := strconv.FormatInt(at.Unix(), 10)
	r.Header.Set(signature.HeaderTimestamp, ts)
	r.Header.Set(signature.HeaderSignature, s.Sign(ts, body))
}

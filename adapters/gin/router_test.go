package syncgin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/PaulFidika/entitlesync/core"
	"github.com/PaulFidika/entitlesync/operator"
	"github.com/PaulFidika/entitlesync/signature"
	memorystore "github.com/PaulFidika/entitlesync/storage/memory"
	sqlitestore "github.com/PaulFidika/entitlesync/storage/sqlite"
	estesting "github.com/PaulFidika/entitlesync/testing"
)

type fixture struct {
	engine *gin.Engine
	signer *estesting.WebhookSigner
	issuer *estesting.Issuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "router.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cache := memorystore.NewTierCache(time.Minute)
	t.Cleanup(func() { _ = cache.Close() })

	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	svc := core.NewService(store, core.Options{Cache: cache, Logger: logger})

	signer := estesting.NewWebhookSigner()
	checker, err := signature.NewChecker(signer.PublicKeyHex())
	if err != nil {
		t.Fatalf("checker: %v", err)
	}
	issuer := estesting.NewIssuer("entitlesync-ops")
	t.Cleanup(issuer.Close)

	engine := NewEngine(Deps{
		Service:       svc,
		Checker:       checker,
		Operator:      operator.NewVerifier(issuer.KeySet(), issuer.URL(), issuer.Audience(), operator.WithRequiredScope("entitlements:read")),
		Logger:        logger,
		ExposeMetrics: true,
	})
	return &fixture{engine: engine, signer: signer, issuer: issuer}
}

func (f *fixture) deliver(t *testing.T, path string, body []byte, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sign {
		f.signer.SignRequest(req, body, time.Now())
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func (f *fixture) get(t *testing.T, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func tierOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Data struct {
			Tier string `json:"tier"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return body.Data.Tier
}

func TestHealthEndpointsNeedNothing(t *testing.T) {
	f := newFixture(t)
	for _, p := range []string{"/healthz", "/livez"} {
		if w := f.get(t, p, ""); w.Code != http.StatusOK || w.Body.String() != "ok" {
			t.Fatalf("%s: %d %q", p, w.Code, w.Body.String())
		}
	}
	req := httptest.NewRequest(http.MethodHead, "/healthz", nil)
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("HEAD /healthz: %d", w.Code)
	}
	if w := f.get(t, "/readyz", ""); w.Code != http.StatusOK {
		t.Fatalf("/readyz: %d", w.Code)
	}
}

func TestSignedDeliveryPromotesAndOperatorSeesIt(t *testing.T) {
	f := newFixture(t)
	token := f.issuer.Token("ops@example.com", "entitlements:read")

	if w := f.get(t, "/v1/users/42/tier", token); tierOf(t, w) != "free" {
		t.Fatalf("expected free before delivery, got %s", w.Body.String())
	}

	body := []byte(`{"event_id":"evt-1","type":"ENTITLEMENT_CREATE","data":{"id":"ent-1","user_id":"42"}}`)
	w := f.deliver(t, "/webhooks/entitlements", body, true)
	if w.Code != http.StatusOK {
		t.Fatalf("delivery: %d %s", w.Code, w.Body.String())
	}

	// The cached free state must have been invalidated.
	if w := f.get(t, "/v1/users/42/tier", token); tierOf(t, w) != "premium" {
		t.Fatalf("expected premium after delivery, got %s", w.Body.String())
	}

	w = f.get(t, "/v1/users/42/audit", token)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"action":"promote"`)) {
		t.Fatalf("audit: %d %s", w.Code, w.Body.String())
	}
}

func TestLegacyWebhookPathIsServed(t *testing.T) {
	f := newFixture(t)
	w := f.deliver(t, "/discord/monetization", []byte(`{"type":0}`), true)
	if w.Code != http.StatusOK {
		t.Fatalf("ping via legacy path: %d %s", w.Code, w.Body.String())
	}
}

func TestUnsignedOrTamperedDeliveryIsRejected(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"event_id":"evt-1","type":"ENTITLEMENT_CREATE","data":{"id":"ent-1","user_id":"42"}}`)

	if w := f.deliver(t, "/webhooks/entitlements", body, false); w.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned: %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/entitlements", bytes.NewReader(append(body, ' ')))
	f.signer.SignRequest(req, body, time.Now())
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("tampered: %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhooks/entitlements", bytes.NewReader(body))
	f.signer.SignRequest(req, body, time.Now().Add(-10*time.Minute))
	w = httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("stale: %d", w.Code)
	}

	token := f.issuer.Token("ops", "entitlements:read")
	if got := tierOf(t, f.get(t, "/v1/users/42/tier", token)); got != "free" {
		t.Fatalf("rejected deliveries must not change state, tier=%s", got)
	}
}

func TestMalformedSignedDeliveryIs400(t *testing.T) {
	f := newFixture(t)
	if w := f.deliver(t, "/webhooks/entitlements", []byte(`not json`), true); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestOperatorAPIRequiresToken(t *testing.T) {
	f := newFixture(t)
	if w := f.get(t, "/v1/users/42/tier", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", w.Code)
	}
	if w := f.get(t, "/v1/users/42/tier", f.issuer.ExpiredToken("ops")); w.Code != http.StatusUnauthorized {
		t.Fatalf("expired token: %d", w.Code)
	}
	if w := f.get(t, "/v1/users/42/tier", f.issuer.Token("ops", "billing:write")); w.Code != http.StatusForbidden {
		t.Fatalf("wrong scope: %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.deliver(t, "/webhooks/entitlements", []byte(`{"type":"PING"}`), true)
	w := f.get(t, "/metrics", "")
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte("entitlesync_webhook_requests_total")) {
		t.Fatalf("metrics: %d", w.Code)
	}
}

func TestOperatorClaimsReachHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	issuer := estesting.NewIssuer("entitlesync-ops")
	defer issuer.Close()

	r := gin.New()
	r.GET("/whoami", OperatorRequired(operator.NewVerifier(issuer.KeySet(), issuer.URL(), issuer.Audience())), func(c *gin.Context) {
		claims, ok := OperatorFromGin(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, claims.Subject)
	})

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+issuer.Token("alice", ""))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "alice" {
		t.Fatalf("whoami: %d %q", w.Code, w.Body.String())
	}
	if got := w.Header().Get("WWW-Authenticate"); got != "" {
		t.Fatalf("unexpected challenge %q", got)
	}
}

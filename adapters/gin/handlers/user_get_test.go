package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PaulFidika/entitlesync/core"
	"github.com/PaulFidika/entitlesync/entitlements"
)

type stubReader struct {
	err       error
	lastLimit int
}

func (s *stubReader) TierState(_ context.Context, id int64) (entitlements.TierState, error) {
	exp := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	return entitlements.TierState{UserID: id, Tier: entitlements.TierPremium, PremiumExpiresAt: &exp}, s.err
}

func (s *stubReader) Entitlements(context.Context, int64) ([]entitlements.Entitlement, error) {
	return nil, s.err
}

func (s *stubReader) Audit(_ context.Context, _ int64, limit int) ([]core.AuditEntry, error) {
	s.lastLimit = limit
	return nil, s.err
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func newReaderEngine(svc UserReader) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/v1/users/:user_id/tier", HandleUserTierGET(svc, nil))
	r.GET("/v1/users/:user_id/entitlements", HandleUserEntitlementsGET(svc, nil))
	r.GET("/v1/users/:user_id/audit", HandleUserAuditGET(svc, nil))
	return r
}

func TestUserTierGET(t *testing.T) {
	r := newReaderEngine(&stubReader{})
	w := get(r, "/v1/users/1234567890123456789/tier")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Data struct {
			UserID string `json:"user_id"`
			Tier   string `json:"tier"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.UserID != "1234567890123456789" || body.Data.Tier != "premium" {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
}

func TestUserGETRejectsBadIDs(t *testing.T) {
	r := newReaderEngine(&stubReader{})
	for _, p := range []string{"/v1/users/abc/tier", "/v1/users/0/entitlements", "/v1/users/-4/audit"} {
		if w := get(r, p); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", p, w.Code)
		}
	}
	if w := get(r, "/v1/users/5/audit?limit=zero"); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d", w.Code)
	}
}

func TestUserListsReturnEmptyArrays(t *testing.T) {
	svc := &stubReader{}
	r := newReaderEngine(svc)
	w := get(r, "/v1/users/5/entitlements")
	if w.Code != http.StatusOK || w.Body.String() != `{"data":[]}` {
		t.Fatalf("entitlements: %d %s", w.Code, w.Body.String())
	}
	w = get(r, "/v1/users/5/audit?limit=7")
	if w.Code != http.StatusOK || svc.lastLimit != 7 {
		t.Fatalf("audit: %d limit=%d", w.Code, svc.lastLimit)
	}
}

func TestUserGETStoreFailure(t *testing.T) {
	r := newReaderEngine(&stubReader{err: errors.New("db down")})
	if w := get(r, "/v1/users/5/tier"); w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
}

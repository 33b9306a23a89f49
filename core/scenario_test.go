package core_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulFidika/entitlesync/entitlements"
)

func TestRevokeAfterCreateEndsFree(t *testing.T) {
	svc, _, _ := newService(t, newStore(t))

	handle(t, svc, `{"type":"ENTITLEMENT_CREATE","data":{"id":"A","user_id":42,"status":"active","ends_at":"2026-01-31T00:00:00Z"}}`)
	require.Equal(t, entitlements.TierPremium, tierOf(t, svc, 42).Tier)

	handle(t, svc, `{"type":"ENTITLEMENT_UPDATE","data":{"id":"A","user_id":42,"status":"revoked"}}`)
	st := tierOf(t, svc, 42)
	assert.Equal(t, entitlements.TierFree, st.Tier)
	assert.Nil(t, st.PremiumExpiresAt)
}

func TestGiftKeepsUserPremiumUntilDeleted(t *testing.T) {
	svc, _, _ := newService(t, newStore(t))

	handle(t, svc, `{"type":"ENTITLEMENT_CREATE","data":{"id":"A","user_id":42,"status":"active"}}`)
	handle(t, svc, `{"type":"ENTITLEMENT_CREATE","data":{"id":"B","user_id":42,"status":"active","is_gift":true}}`)

	handle(t, svc, `{"type":"ENTITLEMENT_UPDATE","data":{"id":"A","user_id":42,"status":"revoked"}}`)
	assert.Equal(t, entitlements.TierPremium, tierOf(t, svc, 42).Tier)

	handle(t, svc, `{"type":"ENTITLEMENT_DELETE","data":{"id":"B","user_id":42}}`)
	assert.Equal(t, entitlements.TierFree, tierOf(t, svc, 42).Tier)
}

func TestReplayingAnEnvelopeNTimesMatchesOnce(t *testing.T) {
	body := `[
		{"event_id":"1","type":"ENTITLEMENT_CREATE","data":{"id":"A","user_id":"9","ends_at":"2026-06-01T00:00:00Z"}},
		{"event_id":"2","type":"ENTITLEMENT_CREATE","data":{"id":"B","user_id":"9"}},
		{"event_id":"3","type":"ENTITLEMENT_UPDATE","data":{"id":"A","user_id":"9","status":"expired"}},
		{"event_id":"4","type":"ENTITLEMENT_DELETE","data":{"id":"B"}}
	]`

	once, _, _ := newService(t, newStore(t))
	handle(t, once, body)
	want := tierOf(t, once, 9)

	for _, n := range []int{2, 5} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			svc, _, _ := newService(t, newStore(t))
			for i := 0; i < n; i++ {
				handle(t, svc, body)
			}
			got := tierOf(t, svc, 9)
			assert.True(t, want.SameAs(got), "want %+v got %+v", want, got)
		})
	}
	assert.Equal(t, entitlements.TierFree, want.Tier)
}

func TestWrappedSubscriptionEventsReconcile(t *testing.T) {
	svc, _, _ := newService(t, newStore(t))

	handle(t, svc, `{"version":1,"application_id":"1","type":1,"event":{"type":"SUBSCRIPTION_CREATE","timestamp":"2026-01-01T00:00:00Z","data":{"id":"sub-1","user_id":"1234567890123456789","sku_ids":["sku-1"],"current_period_end":"2026-02-01T00:00:00Z","status":0}}}`)
	assert.Equal(t, entitlements.TierPremium, tierOf(t, svc, 1234567890123456789).Tier)

	handle(t, svc, `{"version":1,"application_id":"1","type":1,"event":{"type":"SUBSCRIPTION_UPDATE","data":{"id":"sub-1","user_id":"1234567890123456789","status":2}}}`)
	assert.Equal(t, entitlements.TierFree, tierOf(t, svc, 1234567890123456789).Tier)

	ents, err := svc.Entitlements(context.Background(), 1234567890123456789)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "sku-1", ents[0].ProductID)
}

func TestRevokeReactivateRevokeWithoutEventIDs(t *testing.T) {
	svc, _, _ := newService(t, newStore(t))
	revoke := `{"type":"ENTITLEMENT_UPDATE","data":{"id":"A","user_id":42,"status":"revoked"}}`
	activate := `{"type":"ENTITLEMENT_UPDATE","data":{"id":"A","user_id":42,"status":"active"}}`

	handle(t, svc, `{"type":"ENTITLEMENT_CREATE","data":{"id":"A","user_id":42}}`)
	handle(t, svc, revoke)
	require.Equal(t, entitlements.TierFree, tierOf(t, svc, 42).Tier)

	handle(t, svc, activate)
	require.Equal(t, entitlements.TierPremium, tierOf(t, svc, 42).Tier)

	// Byte-identical to the first revoke, but a new delivery.
	res := handle(t, svc, revoke)
	assert.Equal(t, 0, res.Duplicates)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, entitlements.TierFree, tierOf(t, svc, 42).Tier)

	ents, err := svc.Entitlements(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, entitlements.StatusRevoked, ents[0].Status)
}

func TestReplayWithoutEventIDsIsStable(t *testing.T) {
	svc, _, _ := newService(t, newStore(t))
	body := `{"type":"ENTITLEMENT_CREATE","data":{"id":"A","user_id":42,"ends_at":"2026-06-01T00:00:00Z"}}`

	first := handle(t, svc, body)
	second := handle(t, svc, body)
	assert.Equal(t, 1, first.Applied)
	assert.Equal(t, 1, second.Applied)
	assert.Len(t, auditOf(t, svc, 42), 1, "a replay that changes nothing writes no audit row")
}

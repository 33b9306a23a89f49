package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulFidika/entitlesync/core"
	"github.com/PaulFidika/entitlesync/entitlements"
)

func TestSweepDemotesExpiredPremium(t *testing.T) {
	store := newStore(t)
	svc, clk, _ := newService(t, store)

	handle(t, svc, `{"event_id":"a","type":"ENTITLEMENT_CREATE","data":{"id":"ent-1","user_id":"42","ends_at":"2026-02-01T00:00:00Z"}}`)

	res, err := svc.SweepExpired(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Scanned, "nothing has expired yet")

	clk.Set(time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC))
	res, err = svc.SweepExpired(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scanned)
	assert.Equal(t, 1, res.Demoted)

	st := tierOf(t, svc, 42)
	assert.Equal(t, entitlements.TierFree, st.Tier)
	assert.Nil(t, st.PremiumExpiresAt)

	entries := auditOf(t, svc, 42)
	require.Len(t, entries, 2)
	assert.Equal(t, core.ActionDemote, entries[0].Action)
	assert.Equal(t, core.SourceExpirySweep, entries[0].Source)
}

func TestSweepMovesExpiryToSurvivingGrant(t *testing.T) {
	store := newStore(t)
	svc, clk, _ := newService(t, store)

	handle(t, svc, `{"event_id":"a","type":"ENTITLEMENT_CREATE","data":{"id":"ent-long","user_id":"42","ends_at":"2026-03-01T00:00:00Z"}}`)
	handle(t, svc, `{"event_id":"b","type":"ENTITLEMENT_CREATE","data":{"id":"ent-short","user_id":"42","ends_at":"2026-02-01T00:00:00Z","is_gift":true}}`)

	clk.Set(time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC))
	res, err := svc.SweepExpired(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Extended)
	assert.Equal(t, 0, res.Demoted)

	st := tierOf(t, svc, 42)
	assert.Equal(t, entitlements.TierPremium, st.Tier)
	require.NotNil(t, st.PremiumExpiresAt)
	assert.True(t, st.PremiumExpiresAt.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
}

func TestSweepLeavesOpenEndedGrantsAlone(t *testing.T) {
	store := newStore(t)
	svc, clk, _ := newService(t, store)

	handle(t, svc, `{"event_id":"a","type":"ENTITLEMENT_CREATE","data":{"id":"ent-1","user_id":"3"}}`)
	clk.Set(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))

	res, err := svc.SweepExpired(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Scanned)
	assert.Equal(t, entitlements.TierPremium, tierOf(t, svc, 3).Tier)
}

func TestSweepHonorsCanceledContext(t *testing.T) {
	store := newStore(t)
	svc, clk, _ := newService(t, store)
	handle(t, svc, `{"event_id":"a","type":"ENTITLEMENT_CREATE","data":{"id":"ent-1","user_id":"3","ends_at":"2026-01-02T00:00:00Z"}}`)
	clk.Set(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.SweepExpired(ctx, 10)
	require.Error(t, err)
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulFidika/entitlesync/core"
	"github.com/PaulFidika/entitlesync/entitlements"
	sqlitestore "github.com/PaulFidika/entitlesync/storage/sqlite"
)

func setEnv(t *testing.T, dbPath string) {
	t.Helper()
	for k, v := range map[string]string{
		"DATABASE_URL":       "",
		"REDIS_URL":          "",
		"OPERATOR_JWKS_URL":  "",
		"WEBHOOK_PUBLIC_KEY": "",
		"REQUIRE_SIGNATURE":  "false",
		"SQLITE_PATH":        dbPath,
		"LOG_LEVEL":          "error",
		"SWEEP_BATCH":        "",
		"SWEEP_SCHEDULE":     "",
	} {
		t.Setenv(k, v)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	old := Version
	defer func() { Version = old }()
	Version = "1.2.3"

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "entitlesyncd 1.2.3")
}

func TestSweepCmdDemotesExpiredUsers(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sweep.db")
	setEnv(t, dbPath)

	s, err := sqlitestore.Open(dbPath)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Hour)
	err = s.WithTx(context.Background(), func(tx core.Tx) error {
		return tx.SetTierState(context.Background(), entitlements.TierState{
			UserID: 7, Tier: entitlements.TierPremium, PremiumExpiresAt: &past, UpdatedAt: past,
		})
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	out, err := execute(t, "sweep")
	require.NoError(t, err)

	var res core.SweepResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, core.SweepResult{Scanned: 1, Demoted: 1}, res)

	s, err = sqlitestore.Open(dbPath)
	require.NoError(t, err)
	defer s.Close()
	st, ok, err := s.GetTierState(context.Background(), 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entitlements.TierFree, st.Tier)
}

func TestMigrateRequiresPostgres(t *testing.T) {
	setEnv(t, filepath.Join(t.TempDir(), "m.db"))
	_, err := execute(t, "migrate", "up")
	assert.ErrorIs(t, err, errNoPostgres)
}

func TestConfigErrorsSurface(t *testing.T) {
	setEnv(t, filepath.Join(t.TempDir(), "c.db"))
	t.Setenv("REQUIRE_SIGNATURE", "true")
	_, err := execute(t, "sweep")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WEBHOOK_PUBLIC_KEY")
}

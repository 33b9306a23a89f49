package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/PaulFidika/entitlesync/core"
	"github.com/PaulFidika/entitlesync/entitlements"
)

// Store is a single-file SQLite backend for development and tests. The pool
// is pinned to one connection, so transactions are serialized and LockUser
// needs no row lock.
type Store struct {
	db *sql.DB
}

var _ core.Store = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entitlements (
		entitlement_id TEXT PRIMARY KEY,
		user_id        INTEGER NOT NULL,
		product_id     TEXT NOT NULL DEFAULT '',
		starts_at      INTEGER,
		ends_at        INTEGER,
		is_gift        INTEGER NOT NULL DEFAULT 0,
		status         TEXT NOT NULL DEFAULT 'active',
		updated_at     INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entitlements_user ON entitlements(user_id);

	CREATE TABLE IF NOT EXISTS user_tier_state (
		user_id            INTEGER PRIMARY KEY,
		tier               TEXT NOT NULL DEFAULT 'free',
		premium_expires_at INTEGER,
		updated_at         INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_user_tier_state_expiry ON user_tier_state(tier, premium_expires_at);

	CREATE TABLE IF NOT EXISTS processed_events (
		event_id       TEXT PRIMARY KEY,
		event_type     TEXT NOT NULL,
		payload        BLOB,
		payload_digest TEXT NOT NULL DEFAULT '',
		received_at    INTEGER NOT NULL,
		processed_at   INTEGER
	);

	CREATE TABLE IF NOT EXISTS tier_audit (
		id                 TEXT PRIMARY KEY,
		user_id            INTEGER NOT NULL,
		action             TEXT NOT NULL,
		from_tier          TEXT NOT NULL,
		to_tier            TEXT NOT NULL,
		premium_expires_at INTEGER,
		source             TEXT NOT NULL,
		event_id           TEXT NOT NULL DEFAULT '',
		entitlement_id     TEXT NOT NULL DEFAULT '',
		metadata           TEXT NOT NULL DEFAULT '{}',
		created_at         INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tier_audit_user ON tier_audit(user_id, created_at DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle for tests that need to inspect rows directly.
func (s *Store) DB() *sql.DB { return s.db }

// WithTx runs fn in a transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx core.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&tx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type tx struct {
	tx *sql.Tx
}

func (t *tx) Admit(ctx context.Context, ev core.ProcessedEvent) (core.Admission, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, event_type, payload, payload_digest, received_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		ev.EventID, ev.EventType, ev.Payload, ev.PayloadDigest, toMicros(ev.ReceivedAt))
	if err != nil {
		return core.Admission{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Admission{}, err
	}
	if n == 1 {
		return core.Admission{}, nil
	}
	var digest string
	if err := t.tx.QueryRowContext(ctx, `SELECT payload_digest FROM processed_events WHERE event_id = ?`, ev.EventID).Scan(&digest); err != nil {
		return core.Admission{}, err
	}
	return core.Admission{Duplicate: true, StoredDigest: digest}, nil
}

func (t *tx) MarkProcessed(ctx context.Context, eventID string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE processed_events SET processed_at = ? WHERE event_id = ?`, toMicros(at), eventID)
	return err
}

func (t *tx) UpsertEntitlement(ctx context.Context, e entitlements.Entitlement) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO entitlements (entitlement_id, user_id, product_id, starts_at, ends_at, is_gift, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entitlement_id) DO UPDATE SET
			user_id = excluded.user_id,
			product_id = excluded.product_id,
			starts_at = excluded.starts_at,
			ends_at = excluded.ends_at,
			is_gift = excluded.is_gift,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		e.ID, e.UserID, e.ProductID, nullMicros(e.StartsAt), nullMicros(e.EndsAt), boolToInt(e.IsGift), string(e.Status), toMicros(e.UpdatedAt))
	return err
}

func (t *tx) EntitlementOwner(ctx context.Context, id string) (int64, bool, error) {
	var owner int64
	err := t.tx.QueryRowContext(ctx, `SELECT user_id FROM entitlements WHERE entitlement_id = ?`, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return owner, true, nil
}

func (t *tx) DeleteEntitlement(ctx context.Context, id string) (int64, bool, error) {
	var owner int64
	err := t.tx.QueryRowContext(ctx, `DELETE FROM entitlements WHERE entitlement_id = ? RETURNING user_id`, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return owner, true, nil
}

func (t *tx) HasActiveEntitlement(ctx context.Context, userID int64, now time.Time) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(ctx, `
		SELECT 1 FROM entitlements
		WHERE user_id = ? AND status = 'active' AND (ends_at IS NULL OR ends_at > ?)
		LIMIT 1`, userID, toMicros(now)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *tx) LatestActiveExpiry(ctx context.Context, userID int64, now time.Time) (*time.Time, bool, error) {
	var (
		count   int64
		openEnd int64
		latest  sql.NullInt64
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN ends_at IS NULL THEN 1 ELSE 0 END), 0),
		       MAX(ends_at)
		FROM entitlements
		WHERE user_id = ? AND status = 'active' AND (ends_at IS NULL OR ends_at > ?)`,
		userID, toMicros(now)).Scan(&count, &openEnd, &latest)
	if err != nil {
		return nil, false, err
	}
	if count == 0 {
		return nil, false, nil
	}
	if openEnd > 0 || !latest.Valid {
		return nil, true, nil
	}
	return fromMicros(latest), true, nil
}

func (t *tx) LockUser(ctx context.Context, userID int64) (entitlements.TierState, error) {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO user_tier_state (user_id, tier, updated_at) VALUES (?, 'free', ?)
		ON CONFLICT(user_id) DO NOTHING`, userID, toMicros(time.Now().UTC())); err != nil {
		return entitlements.TierState{}, err
	}
	st, _, err := getTierState(ctx, t.tx, userID)
	return st, err
}

func (t *tx) SetTierState(ctx context.Context, st entitlements.TierState) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO user_tier_state (user_id, tier, premium_expires_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			tier = excluded.tier,
			premium_expires_at = excluded.premium_expires_at,
			updated_at = excluded.updated_at`,
		st.UserID, string(st.Tier), nullMicros(st.PremiumExpiresAt), toMicros(st.UpdatedAt))
	return err
}

func (t *tx) AppendAudit(ctx context.Context, e core.AuditEntry) error {
	if _, err := t.tx.ExecContext(ctx, `SAVEPOINT tier_audit`); err != nil {
		return err
	}
	if err := insertAudit(ctx, t.tx, e); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT tier_audit`); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		_, _ = t.tx.ExecContext(ctx, `RELEASE SAVEPOINT tier_audit`)
		return err
	}
	_, err := t.tx.ExecContext(ctx, `RELEASE SAVEPOINT tier_audit`)
	return err
}

func insertAudit(ctx context.Context, q querier, e core.AuditEntry) error {
	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
		meta = b
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO tier_audit (id, user_id, action, from_tier, to_tier, premium_expires_at, source, event_id, entitlement_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.UserID, string(e.Action), string(e.FromTier), string(e.ToTier),
		nullMicros(e.PremiumExpiresAt), e.Source, e.EventID, e.EntitlementID, string(meta), toMicros(e.CreatedAt))
	return err
}

// GetTierState reads the stored state; ok is false for users never seen.
func (s *Store) GetTierState(ctx context.Context, userID int64) (entitlements.TierState, bool, error) {
	return getTierState(ctx, s.db, userID)
}

func getTierState(ctx context.Context, q querier, userID int64) (entitlements.TierState, bool, error) {
	var (
		tier      string
		expires   sql.NullInt64
		updatedAt int64
	)
	err := q.QueryRowContext(ctx, `SELECT tier, premium_expires_at, updated_at FROM user_tier_state WHERE user_id = ?`, userID).
		Scan(&tier, &expires, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlements.FreeState(userID), false, nil
	}
	if err != nil {
		return entitlements.TierState{}, false, err
	}
	return entitlements.TierState{
		UserID:           userID,
		Tier:             entitlements.Tier(tier),
		PremiumExpiresAt: fromMicros(expires),
		UpdatedAt:        time.UnixMicro(updatedAt).UTC(),
	}, true, nil
}

func (s *Store) ListEntitlements(ctx context.Context, userID int64) ([]entitlements.Entitlement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entitlement_id, user_id, product_id, starts_at, ends_at, is_gift, status, updated_at
		FROM entitlements WHERE user_id = ? ORDER BY updated_at DESC, entitlement_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []entitlements.Entitlement
	for rows.Next() {
		var (
			e         entitlements.Entitlement
			startsAt  sql.NullInt64
			endsAt    sql.NullInt64
			isGift    int
			status    string
			updatedAt int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.ProductID, &startsAt, &endsAt, &isGift, &status, &updatedAt); err != nil {
			return nil, err
		}
		e.StartsAt = fromMicros(startsAt)
		e.EndsAt = fromMicros(endsAt)
		e.IsGift = isGift != 0
		e.Status = entitlements.Status(status)
		e.UpdatedAt = time.UnixMicro(updatedAt).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListAudit(ctx context.Context, userID int64, limit int) ([]core.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, action, from_tier, to_tier, premium_expires_at, source, event_id, entitlement_id, metadata, created_at
		FROM tier_audit WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.AuditEntry
	for rows.Next() {
		var (
			e         core.AuditEntry
			id        string
			action    string
			fromTier  string
			toTier    string
			expires   sql.NullInt64
			meta      string
			createdAt int64
		)
		if err := rows.Scan(&id, &e.UserID, &action, &fromTier, &toTier, &expires, &e.Source, &e.EventID, &e.EntitlementID, &meta, &createdAt); err != nil {
			return nil, err
		}
		e.ID, _ = uuid.Parse(id)
		e.Action = core.AuditAction(action)
		e.FromTier = entitlements.Tier(fromTier)
		e.ToTier = entitlements.Tier(toTier)
		e.PremiumExpiresAt = fromMicros(expires)
		e.CreatedAt = time.UnixMicro(createdAt).UTC()
		if meta != "" && meta != "{}" {
			_ = json.Unmarshal([]byte(meta), &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListExpiredPremium(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM user_tier_state
		WHERE tier = 'premium' AND premium_expires_at IS NOT NULL AND premium_expires_at <= ?
		ORDER BY premium_expires_at LIMIT ?`, toMicros(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ProcessedEvent loads one ledger row.
func (s *Store) ProcessedEvent(ctx context.Context, eventID string) (core.ProcessedEvent, bool, error) {
	var (
		ev          core.ProcessedEvent
		receivedAt  int64
		processedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT event_id, event_type, payload, payload_digest, received_at, processed_at
		FROM processed_events WHERE event_id = ?`, eventID).
		Scan(&ev.EventID, &ev.EventType, &ev.Payload, &ev.PayloadDigest, &receivedAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ProcessedEvent{}, false, nil
	}
	if err != nil {
		return core.ProcessedEvent{}, false, err
	}
	ev.ReceivedAt = time.UnixMicro(receivedAt).UTC()
	ev.ProcessedAt = fromMicros(processedAt)
	return ev, true, nil
}

func toMicros(t time.Time) int64 { return t.UTC().UnixMicro() }

func nullMicros(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMicro()
}

func fromMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMicro(v.Int64).UTC()
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

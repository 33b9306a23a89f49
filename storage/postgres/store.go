package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PaulFidika/entitlesync/core"
	"github.com/PaulFidika/entitlesync/entitlements"
)

// Store is the production backend. Per-user serialization relies on
// SELECT ... FOR UPDATE against user_tier_state.
type Store struct {
	pg     *pgxpool.Pool
	schema string
}

var _ core.Store = (*Store)(nil)

// New wraps an existing pool. Tables live in schema (default "entitlesync").
func New(pg *pgxpool.Pool, schema string) *Store {
	s := strings.TrimSpace(schema)
	if s == "" {
		s = "entitlesync"
	}
	return &Store{pg: pg, schema: s}
}

// Open connects a new pool for dsn.
func Open(ctx context.Context, dsn, schema string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return New(pool, schema), nil
}

// Pool returns the underlying pool for migration runners and job queues.
func (s *Store) Pool() *pgxpool.Pool { return s.pg }

func (s *Store) Close() {
	if s.pg != nil {
		s.pg.Close()
	}
}

func (s *Store) entitlementsTable() string { return s.schema + ".entitlements" }
func (s *Store) tierTable() string         { return s.schema + ".user_tier_state" }
func (s *Store) eventsTable() string       { return s.schema + ".processed_events" }
func (s *Store) auditTable() string        { return s.schema + ".tier_audit" }

func (s *Store) Ping(ctx context.Context) error {
	if s.pg == nil {
		return errors.New("postgres pool not configured")
	}
	return s.pg.Ping(ctx)
}

// WithTx runs fn in a read-committed transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx core.Tx) error) error {
	if s.pg == nil {
		return errors.New("postgres pool not configured")
	}
	pgTx, err := s.pg.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&tx{s: s, tx: pgTx}); err != nil {
		_ = pgTx.Rollback(ctx)
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type tx struct {
	s  *Store
	tx pgx.Tx
}

func (t *tx) Admit(ctx context.Context, ev core.ProcessedEvent) (core.Admission, error) {
	tag, err := t.tx.Exec(ctx, `INSERT INTO `+t.s.eventsTable()+` (event_id, event_type, payload, payload_digest, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.EventType, ev.Payload, ev.PayloadDigest, ev.ReceivedAt)
	if err != nil {
		return core.Admission{}, err
	}
	if tag.RowsAffected() == 1 {
		return core.Admission{}, nil
	}
	var digest string
	if err := t.tx.QueryRow(ctx, `SELECT payload_digest FROM `+t.s.eventsTable()+` WHERE event_id=$1`, ev.EventID).Scan(&digest); err != nil {
		return core.Admission{}, err
	}
	return core.Admission{Duplicate: true, StoredDigest: digest}, nil
}

func (t *tx) MarkProcessed(ctx context.Context, eventID string, at time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE `+t.s.eventsTable()+` SET processed_at=$2 WHERE event_id=$1`, eventID, at)
	return err
}

func (t *tx) UpsertEntitlement(ctx context.Context, e entitlements.Entitlement) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO `+t.s.entitlementsTable()+`
		(entitlement_id, user_id, product_id, starts_at, ends_at, is_gift, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (entitlement_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			product_id = EXCLUDED.product_id,
			starts_at = EXCLUDED.starts_at,
			ends_at = EXCLUDED.ends_at,
			is_gift = EXCLUDED.is_gift,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		e.ID, e.UserID, e.ProductID, e.StartsAt, e.EndsAt, e.IsGift, string(e.Status), e.UpdatedAt)
	return err
}

func (t *tx) EntitlementOwner(ctx context.Context, id string) (int64, bool, error) {
	var owner int64
	err := t.tx.QueryRow(ctx, `SELECT user_id FROM `+t.s.entitlementsTable()+` WHERE entitlement_id=$1`, id).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return owner, true, nil
}

func (t *tx) DeleteEntitlement(ctx context.Context, id string) (int64, bool, error) {
	var owner int64
	err := t.tx.QueryRow(ctx, `DELETE FROM `+t.s.entitlementsTable()+` WHERE entitlement_id=$1 RETURNING user_id`, id).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return owner, true, nil
}

func (t *tx) HasActiveEntitlement(ctx context.Context, userID int64, now time.Time) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM `+t.s.entitlementsTable()+`
		WHERE user_id=$1 AND status='active' AND (ends_at IS NULL OR ends_at > $2))`,
		userID, now).Scan(&exists)
	return exists, err
}

func (t *tx) LatestActiveExpiry(ctx context.Context, userID int64, now time.Time) (*time.Time, bool, error) {
	var (
		count   int64
		openEnd bool
		latest  *time.Time
	)
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*), COALESCE(bool_or(ends_at IS NULL), false), MAX(ends_at)
		FROM `+t.s.entitlementsTable()+`
		WHERE user_id=$1 AND status='active' AND (ends_at IS NULL OR ends_at > $2)`,
		userID, now).Scan(&count, &openEnd, &latest)
	if err != nil {
		return nil, false, err
	}
	if count == 0 {
		return nil, false, nil
	}
	if openEnd || latest == nil {
		return nil, true, nil
	}
	u := latest.UTC()
	return &u, true, nil
}

func (t *tx) LockUser(ctx context.Context, userID int64) (entitlements.TierState, error) {
	if _, err := t.tx.Exec(ctx, `INSERT INTO `+t.s.tierTable()+` (user_id, tier, updated_at)
		VALUES ($1, 'free', now()) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return entitlements.TierState{}, err
	}
	st, _, err := scanTierState(t.tx.QueryRow(ctx, `SELECT user_id, tier, premium_expires_at, updated_at
		FROM `+t.s.tierTable()+` WHERE user_id=$1 FOR UPDATE`, userID), userID)
	return st, err
}

func (t *tx) SetTierState(ctx context.Context, st entitlements.TierState) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO `+t.s.tierTable()+` (user_id, tier, premium_expires_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			tier = EXCLUDED.tier,
			premium_expires_at = EXCLUDED.premium_expires_at,
			updated_at = EXCLUDED.updated_at`,
		st.UserID, string(st.Tier), st.PremiumExpiresAt, st.UpdatedAt)
	return err
}

// AppendAudit runs the insert in a nested transaction (a savepoint) so a
// failure does not poison the outer one.
func (t *tx) AppendAudit(ctx context.Context, e core.AuditEntry) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return err
	}
	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		if meta, err = json.Marshal(e.Metadata); err != nil {
			_ = sp.Rollback(ctx)
			return fmt.Errorf("encode audit metadata: %w", err)
		}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if _, err := sp.Exec(ctx, `INSERT INTO `+t.s.auditTable()+`
		(id, user_id, action, from_tier, to_tier, premium_expires_at, source, event_id, entitlement_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11)`,
		e.ID, e.UserID, string(e.Action), string(e.FromTier), string(e.ToTier), e.PremiumExpiresAt,
		e.Source, e.EventID, e.EntitlementID, string(meta), e.CreatedAt); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	return sp.Commit(ctx)
}

func scanTierState(row pgx.Row, userID int64) (entitlements.TierState, bool, error) {
	var (
		st   entitlements.TierState
		tier string
	)
	err := row.Scan(&st.UserID, &tier, &st.PremiumExpiresAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return entitlements.FreeState(userID), false, nil
	}
	if err != nil {
		return entitlements.TierState{}, false, err
	}
	st.Tier = entitlements.Tier(tier)
	st.UpdatedAt = st.UpdatedAt.UTC()
	if st.PremiumExpiresAt != nil {
		u := st.PremiumExpiresAt.UTC()
		st.PremiumExpiresAt = &u
	}
	return st, true, nil
}

func (s *Store) GetTierState(ctx context.Context, userID int64) (entitlements.TierState, bool, error) {
	if s.pg == nil {
		return entitlements.FreeState(userID), false, nil
	}
	return scanTierState(s.pg.QueryRow(ctx, `SELECT user_id, tier, premium_expires_at, updated_at
		FROM `+s.tierTable()+` WHERE user_id=$1`, userID), userID)
}

// ProcessedEvent reads one ledger row.
func (s *Store) ProcessedEvent(ctx context.Context, eventID string) (core.ProcessedEvent, bool, error) {
	if s.pg == nil {
		return core.ProcessedEvent{}, false, nil
	}
	var ev core.ProcessedEvent
	err := s.pg.QueryRow(ctx, `SELECT event_id, event_type, payload, payload_digest, received_at, processed_at
		FROM `+s.eventsTable()+` WHERE event_id=$1`, eventID).
		Scan(&ev.EventID, &ev.EventType, &ev.Payload, &ev.PayloadDigest, &ev.ReceivedAt, &ev.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ProcessedEvent{}, false, nil
	}
	if err != nil {
		return core.ProcessedEvent{}, false, err
	}
	return ev, true, nil
}

func (s *Store) ListEntitlements(ctx context.Context, userID int64) ([]entitlements.Entitlement, error) {
	if s.pg == nil {
		return nil, nil
	}
	rows, err := s.pg.Query(ctx, `SELECT entitlement_id, user_id, product_id, starts_at, ends_at, is_gift, status, updated_at
		FROM `+s.entitlementsTable()+` WHERE user_id=$1 ORDER BY updated_at DESC, entitlement_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []entitlements.Entitlement
	for rows.Next() {
		var (
			e      entitlements.Entitlement
			status string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.ProductID, &e.StartsAt, &e.EndsAt, &e.IsGift, &status, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Status = entitlements.Status(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListAudit(ctx context.Context, userID int64, limit int) ([]core.AuditEntry, error) {
	if s.pg == nil {
		return nil, nil
	}
	rows, err := s.pg.Query(ctx, `SELECT id, user_id, action, from_tier, to_tier, premium_expires_at, source, event_id, entitlement_id, metadata, created_at
		FROM `+s.auditTable()+` WHERE user_id=$1 ORDER BY created_at DESC, seq DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.AuditEntry
	for rows.Next() {
		var (
			e                        core.AuditEntry
			action, fromTier, toTier string
			meta                     []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &action, &fromTier, &toTier, &e.PremiumExpiresAt, &e.Source, &e.EventID, &e.EntitlementID, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Action = core.AuditAction(action)
		e.FromTier = entitlements.Tier(fromTier)
		e.ToTier = entitlements.Tier(toTier)
		if len(meta) > 0 && string(meta) != "{}" {
			_ = json.Unmarshal(meta, &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListExpiredPremium(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	if s.pg == nil {
		return nil, nil
	}
	rows, err := s.pg.Query(ctx, `SELECT user_id FROM `+s.tierTable()+`
		WHERE tier='premium' AND premium_expires_at IS NOT NULL AND premium_expires_at <= $1
		ORDER BY premium_expires_at LIMIT $2`, now, limit)
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

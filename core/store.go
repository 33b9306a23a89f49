package core

import (
	"context"
	"time"

	"github.com/PaulFidika/entitlesync/entitlements"
)

// ProcessedEvent is a dedup ledger row.
type ProcessedEvent struct {
	EventID       string
	EventType     string
	Payload       []byte
	PayloadDigest string
	ReceivedAt    time.Time
	ProcessedAt   *time.Time
}

// Admission is the ledger's verdict for one external event id.
type Admission struct {
	Duplicate bool
	// StoredDigest is the digest recorded by the first delivery; only set for
	// duplicates.
	StoredDigest string
}

// Ledger is the delivery-level idempotency gate.
type Ledger interface {
	// Admit inserts the event id unless it already exists.
	Admit(ctx context.Context, ev ProcessedEvent) (Admission, error)
	// MarkProcessed stamps completion of a previously admitted event.
	MarkProcessed(ctx context.Context, eventID string, at time.Time) error
}

// EntitlementStore owns the per-grant rows.
type EntitlementStore interface {
	// UpsertEntitlement replaces the full row keyed by entitlement id.
	UpsertEntitlement(ctx context.Context, e entitlements.Entitlement) error
	// EntitlementOwner returns the user owning id, if the row exists.
	EntitlementOwner(ctx context.Context, id string) (int64, bool, error)
	// DeleteEntitlement removes id and returns the owner captured before the
	// delete. A missing row is not an error.
	DeleteEntitlement(ctx context.Context, id string) (int64, bool, error)
	// HasActiveEntitlement reports whether userID owns an active row whose
	// ends_at is null or after now.
	HasActiveEntitlement(ctx context.Context, userID int64, now time.Time) (bool, error)
	// LatestActiveExpiry returns the furthest expiry among qualifying rows;
	// nil with ok=true means at least one qualifying row is open-ended.
	LatestActiveExpiry(ctx context.Context, userID int64, now time.Time) (*time.Time, bool, error)
}

// TierStore owns user_tier_state.
type TierStore interface {
	// LockUser creates the user's row if needed, takes the row lock for the
	// rest of the transaction and returns the current state.
	LockUser(ctx context.Context, userID int64) (entitlements.TierState, error)
	SetTierState(ctx context.Context, st entitlements.TierState) error
}

// AuditSink appends tier transitions. A failed append leaves the transaction
// usable.
type AuditSink interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
}

// Tx is the unit of work for one envelope (or one sweep step).
type Tx interface {
	Ledger
	EntitlementStore
	TierStore
	AuditSink
}

// Reader serves operator queries outside delivery transactions.
type Reader interface {
	GetTierState(ctx context.Context, userID int64) (entitlements.TierState, bool, error)
	ListEntitlements(ctx context.Context, userID int64) ([]entitlements.Entitlement, error)
	ListAudit(ctx context.Context, userID int64, limit int) ([]AuditEntry, error)
	// ListExpiredPremium returns premium users whose premium_expires_at is at
	// or before now.
	ListExpiredPremium(ctx context.Context, now time.Time, limit int) ([]int64, error)
	Ping(ctx context.Context) error
}

// Store is implemented by storage/postgres and storage/sqlite.
type Store interface {
	Reader
	// WithTx runs fn in one transaction, committing if fn returns nil and
	// rolling back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// TierCache is a read-through cache for tier lookups.
type TierCache interface {
	Get(ctx context.Context, userID int64) (entitlements.TierState, bool, error)
	Put(ctx context.Context, st entitlements.TierState) error
	Del(ctx context.Context, userID int64) error
}

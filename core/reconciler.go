package core

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PaulFidika/entitlesync/entitlements"
	"github.com/PaulFidika/entitlesync/events"
)

// Transition is the outcome of reconciling one user after one item.
type Transition struct {
	UserID        int64
	EntitlementID string
	Before        entitlements.TierState
	After         entitlements.TierState
	// Action is empty when the state did not change.
	Action AuditAction
}

// Changed reports whether the user's tier or expiry moved.
func (t Transition) Changed() bool { return t.Action != "" }

// Reconciler is the tier transition policy. It keeps no state between calls:
// every decision is recomputed from the store inside the caller's transaction,
// so applying the same item twice yields the same tier.
type Reconciler struct {
	log logrus.FieldLogger
	now func() time.Time
}

// NewReconciler constructs a Reconciler. A nil now uses time.Now.
func NewReconciler(log logrus.FieldLogger, now func() time.Time) *Reconciler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if now == nil {
		now = time.Now
	}
	return &Reconciler{log: log, now: now}
}

// ApplyItem performs the entitlement mutation for it and reconciles the owning
// user. applied is false when the item could not be attributed to a user.
func (r *Reconciler) ApplyItem(ctx context.Context, tx Tx, ev events.Event, it events.Item) (Transition, bool, error) {
	switch ev.Kind {
	case events.KindCreate, events.KindUpdate:
		return r.applyUpsert(ctx, tx, ev, it)
	case events.KindDelete:
		return r.applyDelete(ctx, tx, it)
	}
	return Transition{}, false, nil
}

func (r *Reconciler) applyUpsert(ctx context.Context, tx Tx, ev events.Event, it events.Item) (Transition, bool, error) {
	if it.UserID <= 0 {
		return Transition{}, false, nil
	}
	before, err := tx.LockUser(ctx, it.UserID)
	if err != nil {
		return Transition{}, false, fmt.Errorf("lock user %d: %w", it.UserID, err)
	}
	row := it.Entitlement(r.now().UTC())
	// A create grants access whatever status it carries; the stored row must
	// agree with the tier it produces.
	if ev.Kind == events.KindCreate {
		row.Status = entitlements.StatusActive
	}
	if err := tx.UpsertEntitlement(ctx, row); err != nil {
		return Transition{}, false, fmt.Errorf("upsert entitlement %s: %w", it.EntitlementID, err)
	}
	promote := row.Status.IsActive()
	return r.reconcile(ctx, tx, it.EntitlementID, before, promote, it.EndsAt)
}

func (r *Reconciler) applyDelete(ctx context.Context, tx Tx, it events.Item) (Transition, bool, error) {
	owner := it.UserID
	stored, found, err := tx.EntitlementOwner(ctx, it.EntitlementID)
	if err != nil {
		return Transition{}, false, fmt.Errorf("lookup entitlement %s: %w", it.EntitlementID, err)
	}
	if found {
		if owner != 0 && owner != stored {
			r.log.WithFields(logrus.Fields{
				"entitlement_id": it.EntitlementID,
				"payload_user":   owner,
				"stored_user":    stored,
			}).Warn("delete payload user differs from stored owner; using stored owner")
		}
		owner = stored
	}
	if owner <= 0 {
		r.log.WithField("entitlement_id", it.EntitlementID).Info("delete for unknown entitlement without user id; nothing to reconcile")
		return Transition{}, false, nil
	}

	before, err := tx.LockUser(ctx, owner)
	if err != nil {
		return Transition{}, false, fmt.Errorf("lock user %d: %w", owner, err)
	}
	if _, _, err := tx.DeleteEntitlement(ctx, it.EntitlementID); err != nil {
		return Transition{}, false, fmt.Errorf("delete entitlement %s: %w", it.EntitlementID, err)
	}
	return r.reconcile(ctx, tx, it.EntitlementID, before, false, nil)
}

// reconcile decides the user's resulting state. Promotion needs one active
// signal and takes the event's expiry verbatim, even one already in the past
// (the expiry sweep demotes those). Demotion needs the absence of every
// qualifying grant; while one survives the stored state is left alone.
func (r *Reconciler) reconcile(ctx context.Context, tx Tx, entitlementID string, before entitlements.TierState, promote bool, expiry *time.Time) (Transition, bool, error) {
	now := r.now().UTC()
	after := before

	if promote {
		after.Tier = entitlements.TierPremium
		after.PremiumExpiresAt = expiry
	} else {
		active, err := tx.HasActiveEntitlement(ctx, before.UserID, now)
		if err != nil {
			return Transition{}, false, fmt.Errorf("check active entitlements for %d: %w", before.UserID, err)
		}
		if !active {
			after.Tier = entitlements.TierFree
			after.PremiumExpiresAt = nil
		}
	}

	tr := Transition{
		UserID:        before.UserID,
		EntitlementID: entitlementID,
		Before:        before,
		After:         after,
		Action:        actionFor(before, after),
	}
	if !tr.Changed() {
		return tr, true, nil
	}
	tr.After.UpdatedAt = now
	if err := tx.SetTierState(ctx, tr.After); err != nil {
		return Transition{}, false, fmt.Errorf("set tier for %d: %w", before.UserID, err)
	}
	return tr, true, nil
}

package core

import (
	"time"

	"github.com/google/uuid"

	"github.com/PaulFidika/entitlesync/entitlements"
)

// AuditAction names a tier transition.
type AuditAction string

const (
	ActionPromote       AuditAction = "promote"
	ActionDemote        AuditAction = "demote"
	ActionExpiryChanged AuditAction = "expiry_changed"
)

// SourceExpirySweep marks transitions made by the periodic sweep.
const SourceExpirySweep = "expiry_sweep"

// AuditEntry records one tier transition (who, when, why). It is informational
// only and never read back by reconciliation.
type AuditEntry struct {
	ID               uuid.UUID         `json:"id"`
	UserID           int64             `json:"user_id,string"`
	Action           AuditAction       `json:"action"`
	FromTier         entitlements.Tier `json:"from_tier"`
	ToTier           entitlements.Tier `json:"to_tier"`
	PremiumExpiresAt *time.Time        `json:"premium_expires_at,omitempty"`
	Source           string            `json:"source"`
	EventID          string            `json:"event_id,omitempty"`
	EntitlementID    string            `json:"entitlement_id,omitempty"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

func actionFor(before, after entitlements.TierState) AuditAction {
	switch {
	case before.Tier != entitlements.TierPremium && after.Tier == entitlements.TierPremium:
		return ActionPromote
	case before.Tier == entitlements.TierPremium && after.Tier != entitlements.TierPremium:
		return ActionDemote
	case !before.SameAs(after):
		return ActionExpiryChanged
	}
	return ""
}

func newAuditEntry(tr Transition, source, eventID string, meta map[string]any, at time.Time) AuditEntry {
	return AuditEntry{
		ID:               uuid.New(),
		UserID:           tr.UserID,
		Action:           tr.Action,
		FromTier:         tr.Before.Tier,
		ToTier:           tr.After.Tier,
		PremiumExpiresAt: tr.After.PremiumExpiresAt,
		Source:           source,
		EventID:          eventID,
		EntitlementID:    tr.EntitlementID,
		Metadata:         meta,
		CreatedAt:        at,
	}
}

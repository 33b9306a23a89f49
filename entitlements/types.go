package entitlements

import (
	"strings"
	"time"
)

// Status is the canonical state of a single grant. Provider literals that do not
// map to Active or Revoked are kept verbatim and count as non-active.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// IsActive reports whether the status grants access.
func (s Status) IsActive() bool { return s == StatusActive }

// NormalizeStatus maps provider status strings onto the two canonical values.
// Empty input defaults to active so that incomplete payloads never downgrade.
func NormalizeStatus(raw string) Status {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "", "active", "fulfilled":
		return StatusActive
	case "revoked", "expired", "canceled", "cancelled":
		return StatusRevoked
	}
	return Status(s)
}

// Tier is the coarse access level derived for a user.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// Entitlement represents one grant of premium access to a user, keyed by the
// provider-assigned entitlement (or subscription) id.
type Entitlement struct {
	ID        string     `json:"entitlement_id"`
	UserID    int64      `json:"user_id,string"`
	ProductID string     `json:"product_id,omitempty"`
	StartsAt  *time.Time `json:"starts_at,omitempty"`
	EndsAt    *time.Time `json:"ends_at,omitempty"`
	IsGift    bool       `json:"is_gift"`
	Status    Status     `json:"status"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Qualifies reports whether the grant keeps its owner premium at now.
func (e Entitlement) Qualifies(now time.Time) bool {
	if !e.Status.IsActive() {
		return false
	}
	return e.EndsAt == nil || e.EndsAt.After(now)
}

// TierState is the derived per-user record.
type TierState struct {
	UserID           int64      `json:"user_id,string"`
	Tier             Tier       `json:"tier"`
	PremiumExpiresAt *time.Time `json:"premium_expires_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// FreeState is the lazily-created default for a user seen for the first time.
func FreeState(userID int64) TierState {
	return TierState{UserID: userID, Tier: TierFree}
}

// SameAs reports whether two states carry the same tier and expiry.
func (t TierState) SameAs(o TierState) bool {
	if t.Tier != o.Tier {
		return false
	}
	return SameInstant(t.PremiumExpiresAt, o.PremiumExpiresAt)
}

// SameInstant compares two nullable instants.
func SameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

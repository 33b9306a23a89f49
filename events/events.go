// Package events turns raw provider webhook bodies into canonical events.
//
// All payload shape handling lives here: single objects vs batches, wrapped
// provider events, numeric vs string type tags and alternate field names. The
// reconciliation code only ever sees Event and Item values.
package events

import (
	"time"

	"github.com/PaulFidika/entitlesync/entitlements"
)

// Kind is the canonical event variant.
type Kind int

const (
	KindUnknown Kind = iota
	KindCreate
	KindUpdate
	KindDelete
	KindPing
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindPing:
		return "ping"
	}
	return "unknown"
}

// Mutates reports whether events of this kind touch stored state.
func (k Kind) Mutates() bool {
	return k == KindCreate || k == KindUpdate || k == KindDelete
}

// Source tells which provider object family an event concerned.
type Source string

const (
	SourceNone         Source = ""
	SourceEntitlement  Source = "entitlement"
	SourceSubscription Source = "subscription"
)

// Canonical type tags.
const (
	TypePing    = "PING"
	TypeUnknown = "UNKNOWN"
)

// Envelope is the normalized form of one delivery.
type Envelope struct {
	Events []Event
	// Malformed is set when the body is not JSON or not an object/array.
	// Nothing in a malformed envelope may be applied.
	Malformed bool
	Reason    string
}

// Event is one provider event inside an envelope.
type Event struct {
	// ID is the external event id, or a digest-derived id when the provider
	// did not assign one.
	ID string
	// Assigned is true when ID came from the provider. Only assigned ids are
	// admitted to the ledger: identical bytes can be two distinct deliveries.
	Assigned bool
	Type     string
	Kind     Kind
	Source   Source
	Items    []Item
	// Raw holds the event object exactly as delivered.
	Raw    []byte
	Digest string
	// Diagnostics lists items that were dropped and why.
	Diagnostics []string
}

// Item is one entitlement line inside an event. UserID is zero when the
// payload did not carry one (only allowed for deletes).
type Item struct {
	EntitlementID string
	UserID        int64
	ProductID     string
	StartsAt      *time.Time
	EndsAt        *time.Time
	IsGift        bool
	Status        entitlements.Status
}

// Entitlement converts the item to a store row stamped at now.
func (it Item) Entitlement(now time.Time) entitlements.Entitlement {
	status := it.Status
	if status == "" {
		status = entitlements.StatusActive
	}
	return entitlements.Entitlement{
		ID:        it.EntitlementID,
		UserID:    it.UserID,
		ProductID: it.ProductID,
		StartsAt:  it.StartsAt,
		EndsAt:    it.EndsAt,
		IsGift:    it.IsGift,
		Status:    status,
		UpdatedAt: now,
	}
}

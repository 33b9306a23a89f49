package events

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/crypto/blake2b"

	"github.com/PaulFidika/entitlesync/entitlements"
)

type kindSource struct {
	kind   Kind
	source Source
}

var knownTypes = map[string]kindSource{
	"ENTITLEMENT_CREATE":  {KindCreate, SourceEntitlement},
	"ENTITLEMENT_UPDATE":  {KindUpdate, SourceEntitlement},
	"ENTITLEMENT_DELETE":  {KindDelete, SourceEntitlement},
	"SUBSCRIPTION_CREATE": {KindCreate, SourceSubscription},
	"SUBSCRIPTION_UPDATE": {KindUpdate, SourceSubscription},
	"SUBSCRIPTION_DELETE": {KindDelete, SourceSubscription},
	TypePing:              {KindPing, SourceNone},
}

// Numeric type codes used by the provider's outer webhook wrapper.
const (
	wireTypePing  = "0"
	wireTypeEvent = "1"
)

// Normalize parses a delivery body. It never returns an error: bodies that are
// not JSON objects or arrays come back with Malformed set, and unrecognized
// shapes inside a valid body become KindUnknown events.
func Normalize(raw []byte) Envelope {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return Envelope{Malformed: true, Reason: "body is not valid JSON"}
	}
	root := gjson.ParseBytes(raw)
	var objs []gjson.Result
	switch {
	case root.IsObject():
		objs = []gjson.Result{root}
	case root.IsArray():
		objs = root.Array()
	default:
		return Envelope{Malformed: true, Reason: "body must be an object or an array of objects"}
	}

	env := Envelope{Events: make([]Event, 0, len(objs))}
	for i, obj := range objs {
		env.Events = append(env.Events, normalizeEvent(i, obj))
	}
	return env
}

func normalizeEvent(index int, obj gjson.Result) Event {
	ev := Event{Raw: []byte(obj.Raw)}
	sum := blake2b.Sum256(ev.Raw)
	ev.Digest = hex.EncodeToString(sum[:])

	if !obj.IsObject() {
		ev.Type = TypeUnknown
		ev.ID = "blake2b:" + ev.Digest
		ev.Diagnostics = append(ev.Diagnostics, fmt.Sprintf("envelope[%d]: not an object", index))
		return ev
	}

	ev.Type = resolveType(obj)
	if ks, ok := knownTypes[ev.Type]; ok {
		ev.Kind, ev.Source = ks.kind, ks.source
	}
	ev.ID, ev.Assigned = resolveEventID(obj, ev.Digest)

	if !ev.Kind.Mutates() {
		return ev
	}
	body, ok := resolveBody(obj)
	if !ok {
		ev.Diagnostics = append(ev.Diagnostics, "event has no data object")
		return ev
	}
	records := []gjson.Result{body}
	if body.IsArray() {
		records = body.Array()
	}
	for i, rec := range records {
		item, diag := parseItem(ev.Kind, rec)
		if diag != "" {
			ev.Diagnostics = append(ev.Diagnostics, fmt.Sprintf("item[%d]: %s", i, diag))
			continue
		}
		ev.Items = append(ev.Items, item)
	}
	return ev
}

func resolveType(obj gjson.Result) string {
	t := obj.Get("type")
	switch t.Type {
	case gjson.String:
		if s := tag(t); s != "" {
			return s
		}
	case gjson.Number:
		switch t.Raw {
		case wireTypePing:
			return TypePing
		case wireTypeEvent:
			if s := tag(obj.Get("event.type")); s != "" {
				return s
			}
		}
	}
	for _, path := range []string{"event_type", "event.type"} {
		if s := tag(obj.Get(path)); s != "" {
			return s
		}
	}
	return TypeUnknown
}

func tag(r gjson.Result) string {
	if r.Type != gjson.String {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(r.Str))
}

func resolveEventID(obj gjson.Result, digest string) (string, bool) {
	for _, path := range []string{"event_id", "id"} {
		if s := scalarString(obj.Get(path)); s != "" {
			return s, true
		}
	}
	return "blake2b:" + digest, false
}

func resolveBody(obj gjson.Result) (gjson.Result, bool) {
	for _, path := range []string{"data", "event.data", "payload"} {
		r := obj.Get(path)
		if r.IsObject() || r.IsArray() {
			return r, true
		}
	}
	return gjson.Result{}, false
}

func parseItem(kind Kind, rec gjson.Result) (Item, string) {
	if !rec.IsObject() {
		return Item{}, "not an object"
	}
	for _, wrapper := range []string{"entitlement", "subscription"} {
		if inner := rec.Get(wrapper); inner.IsObject() {
			rec = inner
			break
		}
	}

	it := Item{
		EntitlementID: firstString(rec, "id", "entitlement_id"),
		ProductID:     firstString(rec, "sku_id", "product_id", "sku_ids.0"),
		IsGift:        rec.Get("is_gift").Bool(),
		Status:        resolveStatus(rec),
	}
	if it.EntitlementID == "" {
		return Item{}, "missing entitlement id"
	}
	it.UserID = parseUserID(rec.Get("user_id"))
	if it.UserID == 0 {
		it.UserID = parseUserID(rec.Get("user.id"))
	}
	if it.UserID == 0 && kind != KindDelete {
		return Item{}, "missing user id"
	}
	it.StartsAt = ParseTimestamp(firstPresent(rec, "starts_at", "current_period_start"))
	it.EndsAt = ParseTimestamp(firstPresent(rec, "ends_at", "current_period_end"))
	return it, ""
}

func resolveStatus(rec gjson.Result) entitlements.Status {
	if d := rec.Get("deleted"); d.Type == gjson.True {
		return entitlements.StatusRevoked
	}
	st := rec.Get("status")
	switch st.Type {
	case gjson.Number:
		// Subscription objects carry 0 (active), 1 (ending) and 2 (inactive).
		switch st.Raw {
		case "0", "1":
			return entitlements.StatusActive
		case "2":
			return entitlements.StatusRevoked
		}
		return entitlements.Status(st.Raw)
	case gjson.String:
		return entitlements.NormalizeStatus(st.Str)
	}
	return entitlements.StatusActive
}

// parseUserID accepts integers and numeric strings. Snowflake ids exceed the
// float64 mantissa, so numbers are parsed from their raw text.
func parseUserID(r gjson.Result) int64 {
	var s string
	switch r.Type {
	case gjson.Number:
		s = r.Raw
	case gjson.String:
		s = strings.TrimSpace(r.Str)
	default:
		return 0
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}

func firstString(rec gjson.Result, paths ...string) string {
	for _, p := range paths {
		if s := scalarString(rec.Get(p)); s != "" {
			return s
		}
	}
	return ""
}

func firstPresent(rec gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if r := rec.Get(p); r.Exists() && r.Type != gjson.Null {
			return r
		}
	}
	return gjson.Result{}
}

func scalarString(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return strings.TrimSpace(r.Str)
	case gjson.Number:
		return r.Raw
	}
	return ""
}

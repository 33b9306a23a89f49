package events

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp reads ISO-8601 text ("Z" or offset suffix, optional fraction,
// zone-less values taken as UTC) or epoch seconds given as a number or numeric
// string. Anything else yields nil: callers treat a nil expiry as open-ended.
func ParseTimestamp(r gjson.Result) *time.Time {
	switch r.Type {
	case gjson.Number:
		return fromEpoch(r.Raw)
	case gjson.String:
		return parseTimeString(r.Str)
	}
	return nil
}

func parseTimeString(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if t := fromEpoch(s); t != nil {
		return t
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}

// maxEpochSeconds is 9999-12-31T23:59:59Z. Anything later cannot be stored
// by either backend.
const maxEpochSeconds = 253402300799

func fromEpoch(s string) *time.Time {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > maxEpochSeconds {
		return nil
	}
	sec, frac := math.Modf(f)
	t := time.Unix(int64(sec), int64(frac*1e9)).UTC()
	return &t
}

// Package timestamp converts between the time representations found on the hub
// connection and time.Time.
//
// The hub reports last_changed and time_fired values as ISO 8601 strings with
// fractional seconds and a UTC offset. Rule files and API clients may send Unix
// seconds or milliseconds instead. Parse accepts all of these.
package timestamp

import (
	"strconv"
	"time"
)

// Layout is the format used when timestamps are rendered for clients.
const Layout = "2006-01-02T15:04:05.000000-07:00"

var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
}

// Parse converts various timestamp inputs to time.Time. Numbers greater than
// 1e12 are taken as milliseconds, smaller ones as seconds. Unparseable input
// yields the zero time.
func Parse(input any) time.Time {
	switch v := input.(type) {
	case nil:
		return time.Time{}
	case time.Time:
		return v
	case *time.Time:
		if v == nil {
			return time.Time{}
		}
		return *v
	case int64:
		return fromNumber(float64(v))
	case int:
		return fromNumber(float64(v))
	case float64:
		return fromNumber(v)
	case string:
		if v == "" {
			return time.Time{}
		}
		for _, layout := range layouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t
			}
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return fromNumber(f)
		}
		return time.Time{}
	default:
		return time.Time{}
	}
}

func fromNumber(v float64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	if v > 1e12 {
		return time.UnixMilli(int64(v))
	}
	sec := int64(v)
	return time.Unix(sec, int64((v-float64(sec))*1e9))
}

// Format renders t in Layout. The zero time renders as an empty string.
func Format(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(Layout)
}

// ToUnixMs converts a time.Time to Unix milliseconds, or 0 for the zero time.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Since returns the time elapsed since t, or 0 for the zero time.
func Since(t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	return time.Since(t)
}

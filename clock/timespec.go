package clock

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kidhasmoxy/otto-engine/errors"
)

// searchLimit bounds the number of field adjustments NextTimeFrom makes before
// giving up on a specification that can never match (for example February 30).
const searchLimit = 10000

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// TimeSpec describes a recurring wall-clock time in a named time zone. Empty
// field lists match every value. Weekdays use time.Weekday numbering
// (0 is Sunday).
type TimeSpec struct {
	TZ       string
	Months   []int
	Days     []int
	Weekdays []int
	Hours    []int
	Minutes  []int
	Second   int

	loc *time.Location
}

// ParseTimeSpec validates and builds a TimeSpec from a decoded record. tz is
// required; unknown keys are ignored.
func ParseTimeSpec(raw map[string]any) (*TimeSpec, error) {
	tz, ok := raw["tz"].(string)
	if !ok || tz == "" {
		return nil, invalid(fmt.Errorf("%w: tz is required", errors.ErrInvalidTimeSpec), "read tz")
	}
	loc, err := loadLocation(tz)
	if err != nil {
		return nil, invalid(fmt.Errorf("%w: unknown time zone %q", errors.ErrInvalidTimeSpec, tz), "load time zone")
	}

	spec := &TimeSpec{TZ: tz, loc: loc}
	fields := []struct {
		key      string
		min, max int
		dst      *[]int
	}{
		{"month", 1, 12, &spec.Months},
		{"day", 1, 31, &spec.Days},
		{"weekday", 0, 6, &spec.Weekdays},
		{"hour", 0, 23, &spec.Hours},
		{"minute", 0, 59, &spec.Minutes},
	}
	for _, f := range fields {
		v, present := raw[f.key]
		if !present || v == nil {
			continue
		}
		values, err := intList(f.key, v, f.min, f.max)
		if err != nil {
			return nil, err
		}
		*f.dst = values
	}

	if v, present := raw["second"]; present && v != nil {
		seconds, err := intList("second", v, 0, 59)
		if err != nil {
			return nil, err
		}
		if len(seconds) != 1 {
			return nil, invalid(fmt.Errorf("%w: second takes a single value", errors.ErrInvalidTimeSpec), "read second")
		}
		spec.Second = seconds[0]
	}

	return spec, nil
}

// Location returns the time zone the specification is evaluated in.
func (s *TimeSpec) Location() *time.Location {
	if s.loc == nil {
		loc, err := loadLocation(s.TZ)
		if err != nil {
			return time.UTC
		}
		s.loc = loc
	}
	return s.loc
}

// NextTimeFrom returns the first instant strictly after ref that matches s.
func (s *TimeSpec) NextTimeFrom(ref time.Time) (time.Time, error) {
	loc := s.Location()
	t := ref.In(loc).Truncate(time.Second).Add(time.Second)

	for i := 0; i < searchLimit; i++ {
		y, mo, d := t.Date()
		h, mi, sec := t.Clock()

		switch {
		case !matches(s.Months, int(mo)):
			t = time.Date(y, mo+1, 1, 0, 0, 0, 0, loc)
		case !matches(s.Days, d) || !matches(s.Weekdays, int(t.Weekday())):
			t = time.Date(y, mo, d+1, 0, 0, 0, 0, loc)
		case !matches(s.Hours, h):
			t = time.Date(y, mo, d, h+1, 0, 0, 0, loc)
		case !matches(s.Minutes, mi):
			t = time.Date(y, mo, d, h, mi+1, 0, 0, loc)
		case sec < s.Second:
			t = time.Date(y, mo, d, h, mi, s.Second, 0, loc)
		case sec > s.Second:
			t = time.Date(y, mo, d, h, mi+1, 0, 0, loc)
		default:
			if !t.After(ref) {
				// Ambiguous wall time during a DST fall-back resolved to the earlier instant.
				t = t.Add(time.Hour)
				continue
			}
			return t, nil
		}
	}
	return time.Time{}, invalid(fmt.Errorf("%w: no matching time found", errors.ErrInvalidTimeSpec), "search next time")
}

// Map renders the specification in the same shape ParseTimeSpec accepts.
func (s *TimeSpec) Map() map[string]any {
	m := map[string]any{"tz": s.TZ, "second": s.Second}
	add := func(key string, values []int) {
		if len(values) > 0 {
			m[key] = values
		}
	}
	add("month", s.Months)
	add("day", s.Days)
	add("weekday", s.Weekdays)
	add("hour", s.Hours)
	add("minute", s.Minutes)
	return m
}

// String implements fmt.Stringer.
func (s *TimeSpec) String() string {
	data, err := json.Marshal(s.Map())
	if err != nil {
		return s.TZ
	}
	return string(data)
}

// MarshalJSON implements json.Marshaler.
func (s *TimeSpec) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Map())
}

func loadLocation(tz string) (*time.Location, error) {
	if strings.EqualFold(tz, "utc") {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}

func matches(values []int, v int) bool {
	if len(values) == 0 {
		return true
	}
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func intList(key string, v any, lo, hi int) ([]int, error) {
	var items []any
	switch val := v.(type) {
	case []any:
		items = val
	case []int:
		for _, i := range val {
			items = append(items, i)
		}
	default:
		items = []any{val}
	}

	out := make([]int, 0, len(items))
	for _, item := range items {
		n, err := toInt(key, item)
		if err != nil {
			return nil, err
		}
		if n < lo || n > hi {
			return nil, invalid(fmt.Errorf("%w: %s value %d outside %d..%d", errors.ErrInvalidTimeSpec, key, n, lo, hi),
				"read "+key)
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

func toInt(key string, v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, invalid(fmt.Errorf("%w: %s value %v is not a whole number", errors.ErrInvalidTimeSpec, key, n), "read "+key)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, invalid(fmt.Errorf("%w: %s value %q is not a whole number", errors.ErrInvalidTimeSpec, key, n), "read "+key)
		}
		return int(i), nil
	case string:
		if key == "weekday" {
			if wd, ok := weekdayNames[strings.ToLower(n)]; ok {
				return int(wd), nil
			}
		}
		return 0, invalid(fmt.Errorf("%w: %s value %q must be numeric", errors.ErrInvalidTimeSpec, key, n), "read "+key)
	default:
		return 0, invalid(fmt.Errorf("%w: %s has unsupported type %T", errors.ErrInvalidTimeSpec, key, v), "read "+key)
	}
}

func invalid(err error, action string) error {
	return errors.WrapInvalid(err, "TimeSpec", "Parse", action)
}

package clock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kidhasmoxy/otto-engine/errors"
)

func mustSpec(t *testing.T, raw map[string]any) *TimeSpec {
	t.Helper()
	spec, err := ParseTimeSpec(raw)
	require.NoError(t, err)
	return spec
}

func TestParseTimeSpec_Success(t *testing.T) {
	tests := []map[string]any{
		{"tz": "America/Los_Angeles"},
		{"blah": "blah", "tz": "America/Los_Angeles"},
		{"tz": "utc", "hour": 7.0, "minute": []any{0.0, 30.0}},
		{"tz": "Europe/Berlin", "weekday": []any{"mon", "Friday"}, "second": 15},
	}
	for _, raw := range tests {
		_, err := ParseTimeSpec(raw)
		assert.NoError(t, err, "%v", raw)
	}
}

func TestParseTimeSpec_Failure(t *testing.T) {
	tests := []map[string]any{
		{},
		{"tz": "utc", "hour": "one"},
		{"tz": "Not/AZone"},
		{"tz": "utc", "hour": 24.0},
		{"tz": "utc", "minute": 1.5},
		{"tz": "utc", "month": 0},
		{"tz": "utc", "weekday": "someday"},
		{"tz": "utc", "second": []any{1.0, 2.0}},
		{"tz": "utc", "day": map[string]any{}},
	}
	for _, raw := range tests {
		_, err := ParseTimeSpec(raw)
		require.Error(t, err, "%v", raw)
		assert.ErrorIs(t, err, errors.ErrInvalidTimeSpec)
		assert.True(t, errors.IsInvalid(err))
	}
}

func TestNextTimeFrom(t *testing.T) {
	ref := time.Date(2024, 3, 1, 12, 30, 45, 500, time.UTC) // Friday

	tests := []struct {
		name string
		raw  map[string]any
		want time.Time
	}{
		{"every minute at second zero", map[string]any{"tz": "UTC"}, time.Date(2024, 3, 1, 12, 31, 0, 0, time.UTC)},
		{"later same day", map[string]any{"tz": "UTC", "hour": 18, "minute": 0}, time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)},
		{"tomorrow", map[string]any{"tz": "UTC", "hour": 7, "minute": 15}, time.Date(2024, 3, 2, 7, 15, 0, 0, time.UTC)},
		{"second in current minute", map[string]any{"tz": "UTC", "second": 50}, time.Date(2024, 3, 1, 12, 30, 50, 0, time.UTC)},
		{"next monday", map[string]any{"tz": "UTC", "weekday": "mon", "hour": 6, "minute": 0}, time.Date(2024, 3, 4, 6, 0, 0, 0, time.UTC)},
		{"leap day", map[string]any{"tz": "UTC", "month": 2, "day": 29, "hour": 0, "minute": 0}, time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mustSpec(t, tt.raw).NextTimeFrom(ref)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %v got %v", tt.want, got)
		})
	}
}

func TestNextTimeFrom_TimeZone(t *testing.T) {
	spec := mustSpec(t, map[string]any{"tz": "America/Los_Angeles", "hour": 8, "minute": 0})
	ref := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC) // 05:00 PDT

	got, err := spec.NextTimeFrom(ref)
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 7, 1, 15, 0, 0, 0, time.UTC).Equal(got), "got %v", got)
	assert.Equal(t, "America/Los_Angeles", got.Location().String())
}

func TestNextTimeFrom_IsStrictlyAfter(t *testing.T) {
	spec := mustSpec(t, map[string]any{"tz": "UTC", "hour": 12, "minute": 0})
	ref := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := spec.NextTimeFrom(ref)
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC).Equal(got))
}

func TestNextTimeFrom_Impossible(t *testing.T) {
	spec := mustSpec(t, map[string]any{"tz": "UTC", "month": 2, "day": 30})
	_, err := spec.NextTimeFrom(time.Now())
	assert.ErrorIs(t, err, errors.ErrInvalidTimeSpec)
}

func TestTimeSpec_Map(t *testing.T) {
	spec := mustSpec(t, map[string]any{"tz": "UTC", "minute": []any{30.0, 0.0}, "other": true})
	m := spec.Map()
	assert.Equal(t, "UTC", m["tz"])
	assert.Equal(t, []int{0, 30}, m["minute"])
	assert.NotContains(t, m, "hour")
	assert.NotContains(t, m, "other")

	again, err := ParseTimeSpec(m)
	require.NoError(t, err)
	assert.Equal(t, spec.Minutes, again.Minutes)
	assert.Contains(t, spec.String(), `"tz":"UTC"`)
}

func TestClock_AddRemove(t *testing.T) {
	c := New(nil)
	spec := mustSpec(t, map[string]any{"tz": "UTC"})
	ref := time.Date(2024, 3, 1, 12, 0, 30, 0, time.UTC)

	require.NoError(t, c.AddTimeSpecAction("a", func(context.Context, time.Time) {}, spec, ref))
	require.NoError(t, c.AddTimeSpecAction("b", func(context.Context, time.Time) {}, spec, ref))
	assert.Equal(t, 2, c.Pending())

	next, ok := c.NextFire("a")
	require.True(t, ok)
	assert.True(t, time.Date(2024, 3, 1, 12, 1, 0, 0, time.UTC).Equal(next))

	assert.True(t, c.RemoveTimeSpecAction("a"))
	assert.False(t, c.RemoveTimeSpecAction("a"))
	assert.Equal(t, 1, c.Pending())

	_, ok = c.NextFire("a")
	assert.False(t, ok)

	assert.Error(t, c.AddTimeSpecAction("c", nil, spec, ref))
	assert.Error(t, c.AddTimeSpecAction("d", func(context.Context, time.Time) {}, nil, ref))
}

func TestClock_Tick(t *testing.T) {
	var mu sync.Mutex
	var fired []time.Time

	c := New(nil, WithDispatcher(func(fn func()) { fn() }))
	spec := mustSpec(t, map[string]any{"tz": "UTC", "second": 0})
	ref := time.Date(2024, 3, 1, 12, 0, 30, 0, time.UTC)

	require.NoError(t, c.AddTimeSpecAction("every-minute", func(_ context.Context, at time.Time) {
		mu.Lock()
		fired = append(fired, at)
		mu.Unlock()
	}, spec, ref))

	ctx := context.Background()
	assert.Equal(t, 0, c.Tick(ctx, ref.Add(10*time.Second)))
	assert.Equal(t, 1, c.Tick(ctx, time.Date(2024, 3, 1, 12, 1, 0, 0, time.UTC)))
	assert.Equal(t, 0, c.Tick(ctx, time.Date(2024, 3, 1, 12, 1, 0, 500, time.UTC)))
	// A late tick fires once and schedules from the observed time.
	assert.Equal(t, 1, c.Tick(ctx, time.Date(2024, 3, 1, 12, 5, 10, 0, time.UTC)))

	next, _ := c.NextFire("every-minute")
	assert.True(t, time.Date(2024, 3, 1, 12, 6, 0, 0, time.UTC).Equal(next))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, fired, 2)
	assert.True(t, time.Date(2024, 3, 1, 12, 1, 0, 0, time.UTC).Equal(fired[0]))
	assert.True(t, time.Date(2024, 3, 1, 12, 2, 0, 0, time.UTC).Equal(fired[1]))
}

func TestClock_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan time.Time, 1)
	c := New(nil, WithTickInterval(5*time.Millisecond))
	spec := mustSpec(t, map[string]any{"tz": "UTC", "second": 0})

	// Register with a reference a minute in the past so the first tick finds it due.
	require.NoError(t, c.AddTimeSpecAction("due", func(_ context.Context, at time.Time) {
		select {
		case done <- at:
		default:
		}
	}, spec, time.Now().Add(-2*time.Minute)))

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("time action did not fire")
	}
	assert.Eventually(t, c.Running, time.Second, 5*time.Millisecond)

	assert.Error(t, c.Run(ctx), "second Run must fail while the first is active")

	cancel()
	require.NoError(t, <-errCh)
	assert.False(t, c.Running())
}

// Package clock schedules rule actions at wall-clock times described by a
// TimeSpec.
//
// The engine registers one action per time listener with AddTimeSpecAction and
// removes it again with RemoveTimeSpecAction when rules are reloaded. A single
// Run loop checks the registered actions once per tick and hands every due
// action to the configured dispatcher, then schedules its next occurrence.
package clock

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kidhasmoxy/otto-engine/errors"
)

// Action is invoked when a scheduled time is reached. at is the scheduled time,
// not the time the tick observed it.
type Action func(ctx context.Context, at time.Time)

// Option configures a Clock.
type Option func(*Clock)

// WithTickInterval sets how often due actions are checked. Default one second.
func WithTickInterval(d time.Duration) Option {
	return func(c *Clock) {
		if d > 0 {
			c.tick = d
		}
	}
}

// WithNow replaces the time source.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) { c.now = now }
}

// WithDispatcher sets how due actions are started. The default runs each in a
// new goroutine.
func WithDispatcher(dispatch func(func())) Option {
	return func(c *Clock) { c.dispatch = dispatch }
}

type scheduled struct {
	id     string
	spec   *TimeSpec
	action Action
	next   time.Time
}

// Clock holds the registered time actions and fires them. Registration methods
// are safe to call from any goroutine.
type Clock struct {
	logger   *slog.Logger
	tick     time.Duration
	now      func() time.Time
	dispatch func(func())

	mu      sync.Mutex
	actions map[string]*scheduled

	running atomic.Bool
}

// New creates a Clock.
func New(logger *slog.Logger, opts ...Option) *Clock {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Clock{
		logger:   logger.With("component", "clock"),
		tick:     time.Second,
		now:      time.Now,
		dispatch: func(fn func()) { go fn() },
		actions:  make(map[string]*scheduled),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddTimeSpecAction registers action under id to run at every occurrence of
// spec after ref. An existing registration with the same id is replaced.
func (c *Clock) AddTimeSpecAction(id string, action Action, spec *TimeSpec, ref time.Time) error {
	if spec == nil || action == nil {
		return errors.WrapInvalid(errors.ErrInvalidTimeSpec, "Clock", "AddTimeSpecAction", "register "+id)
	}
	next, err := spec.NextTimeFrom(ref)
	if err != nil {
		return errors.Wrap(err, "Clock", "AddTimeSpecAction", "schedule "+id)
	}

	c.mu.Lock()
	c.actions[id] = &scheduled{id: id, spec: spec, action: action, next: next}
	c.mu.Unlock()

	c.logger.Debug("Time action registered", "listener_id", id, "next", next)
	return nil
}

// RemoveTimeSpecAction unregisters id. It reports whether id was registered.
func (c *Clock) RemoveTimeSpecAction(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.actions[id]; !ok {
		return false
	}
	delete(c.actions, id)
	return true
}

// NextTimeFrom returns the next occurrence of spec after ref.
func (c *Clock) NextTimeFrom(spec *TimeSpec, ref time.Time) (time.Time, error) {
	return spec.NextTimeFrom(ref)
}

// Now returns the clock's current time.
func (c *Clock) Now() time.Time {
	return c.now()
}

// Pending returns the number of registered actions.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.actions)
}

// NextFire returns when id will next fire.
func (c *Clock) NextFire(id string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.actions[id]
	if !ok {
		return time.Time{}, false
	}
	return s.next, true
}

// Running reports whether Run is active.
func (c *Clock) Running() bool {
	return c.running.Load()
}

// Run checks for due actions every tick until ctx is cancelled.
func (c *Clock) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.WrapFatal(errors.ErrAlreadyRunning, "Clock", "Run", "start tick loop")
	}
	defer c.running.Store(false)

	c.logger.Info("Clock started", "tick", c.tick)
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Clock stopped")
			return nil
		case <-ticker.C:
			c.Tick(ctx, c.now())
		}
	}
}

// Tick fires every action due at or before now and returns how many fired.
func (c *Clock) Tick(ctx context.Context, now time.Time) int {
	c.mu.Lock()
	var due []*scheduled
	for _, s := range c.actions {
		if !s.next.After(now) {
			due = append(due, s)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].next.Equal(due[j].next) {
			return due[i].id < due[j].id
		}
		return due[i].next.Before(due[j].next)
	})

	type firing struct {
		id     string
		action Action
		at     time.Time
	}
	fire := make([]firing, 0, len(due))
	for _, s := range due {
		fire = append(fire, firing{id: s.id, action: s.action, at: s.next})
		next, err := s.spec.NextTimeFrom(now)
		if err != nil {
			c.logger.Error("Time action has no further occurrence", "listener_id", s.id, "error", err)
			delete(c.actions, s.id)
			continue
		}
		s.next = next
	}
	c.mu.Unlock()

	for _, f := range fire {
		c.logger.Debug("Firing time action", "listener_id", f.id, "at", f.at)
		c.dispatch(func() { f.action(ctx, f.at) })
	}
	return len(fire)
}

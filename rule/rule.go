package rule

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kidhasmoxy/otto-engine/clock"
	"github.com/kidhasmoxy/otto-engine/errors"
	"github.com/kidhasmoxy/otto-engine/rule/expression"
	"github.com/kidhasmoxy/otto-engine/types/hass"
)

// Handle runs a rule in response to an event.
type Handle func(ctx context.Context, ev hass.Event)

// StateListener binds a rule to state changes of one entity.
type StateListener struct {
	EntityID   string
	RuleID     string
	ListenerID string
	Trigger    Handle
}

// EventListener binds a rule to one hub event type.
type EventListener struct {
	EventType  string
	RuleID     string
	ListenerID string
	Trigger    Handle
}

// TimeListener binds a rule to a recurring time.
type TimeListener struct {
	Spec       *clock.TimeSpec
	RuleID     string
	ListenerID string
	Trigger    clock.Action
}

type step struct {
	call  *hass.ServiceCall
	delay time.Duration
	log   string
}

// Rule is a validated automation rule. Create rules with a Factory.
type Rule struct {
	def       Definition
	env       Env
	evaluator *expression.Evaluator
	logger    *slog.Logger
	specs     map[int]*clock.TimeSpec
	steps     []step

	listenersOnce  sync.Once
	stateListeners []StateListener
	eventListeners []EventListener
	timeListeners  []TimeListener

	fired atomic.Uint64
}

// ID returns the rule id.
func (r *Rule) ID() string { return r.def.ID }

// Definition returns the definition the rule was built from.
func (r *Rule) Definition() Definition { return r.def }

// Fired returns how many times the rule's actions have run.
func (r *Rule) Fired() uint64 { return r.fired.Load() }

// StateListeners returns one listener per state trigger.
func (r *Rule) StateListeners() []StateListener {
	r.listenersOnce.Do(r.buildListeners)
	return r.stateListeners
}

// EventListeners returns one listener per event trigger.
func (r *Rule) EventListeners() []EventListener {
	r.listenersOnce.Do(r.buildListeners)
	return r.eventListeners
}

// TimeListeners returns one listener per time trigger.
func (r *Rule) TimeListeners() []TimeListener {
	r.listenersOnce.Do(r.buildListeners)
	return r.timeListeners
}

// listenerID is stable for a rule id and trigger position so reloading an
// unchanged rule yields the same ids.
func (r *Rule) listenerID(i int) string {
	name := fmt.Sprintf("%s/trigger/%d", r.def.ID, i)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

func (r *Rule) buildListeners() {
	for i, trig := range r.def.Triggers {
		id := r.listenerID(i)
		switch trig.Platform {
		case PlatformState:
			r.stateListeners = append(r.stateListeners, StateListener{
				EntityID:   trig.EntityID,
				RuleID:     r.def.ID,
				ListenerID: id,
				Trigger:    func(ctx context.Context, ev hass.Event) { r.handle(ctx, i, ev) },
			})
		case PlatformEvent:
			r.eventListeners = append(r.eventListeners, EventListener{
				EventType:  trig.EventType,
				RuleID:     r.def.ID,
				ListenerID: id,
				Trigger:    func(ctx context.Context, ev hass.Event) { r.handle(ctx, i, ev) },
			})
		case PlatformTime:
			r.timeListeners = append(r.timeListeners, TimeListener{
				Spec:       r.specs[i],
				RuleID:     r.def.ID,
				ListenerID: id,
				Trigger:    func(ctx context.Context, _ time.Time) { r.handle(ctx, i, nil) },
			})
		}
	}
}

func (r *Rule) handle(ctx context.Context, trigger int, ev hass.Event) {
	ran, err := r.Run(ctx, trigger, ev)
	if err != nil {
		r.logger.Error("Rule failed", "trigger", trigger, "error", err)
		return
	}
	if ran {
		r.logger.Info("Rule actions completed", "trigger", trigger)
	}
}

// Run evaluates trigger number trigger against ev and, if it matches and the
// condition holds, runs the actions. It reports whether the actions ran.
func (r *Rule) Run(ctx context.Context, trigger int, ev hass.Event) (bool, error) {
	if trigger < 0 || trigger >= len(r.def.Triggers) {
		return false, errors.WrapInvalid(fmt.Errorf("%w: no trigger %d", errors.ErrInvalidRule, trigger), "Rule", "Run", "select trigger")
	}
	if !r.triggerMatches(r.def.Triggers[trigger], ev) {
		return false, nil
	}

	if r.def.Condition != nil {
		ok, err := r.evaluator.Evaluate(r.fieldSource(ctx), *r.def.Condition)
		if err != nil {
			return false, errors.Wrap(err, "Rule", "Run", "evaluate condition")
		}
		if !ok {
			r.logger.Debug("Rule condition not met", "trigger", trigger)
			return false, nil
		}
	}

	r.fired.Add(1)
	for i, s := range r.steps {
		if err := r.runStep(ctx, s); err != nil {
			return true, errors.Wrap(err, "Rule", "Run", fmt.Sprintf("action %d", i))
		}
	}
	return true, nil
}

func (r *Rule) triggerMatches(trig Trigger, ev hass.Event) bool {
	switch trig.Platform {
	case PlatformState:
		sc, ok := ev.(*hass.StateChangedEvent)
		if !ok || sc.EntityID != trig.EntityID {
			return false
		}
		if trig.From != nil && (sc.OldState == nil || sc.OldState.State != *trig.From) {
			return false
		}
		if trig.To != nil && (sc.NewState == nil || sc.NewState.State != *trig.To) {
			return false
		}
		return true

	case PlatformEvent:
		he, ok := ev.(*hass.HassEvent)
		if !ok || he.Type != trig.EventType {
			return false
		}
		for k, want := range trig.EventData {
			got, ok := he.Data[k]
			if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
				return false
			}
		}
		return true

	case PlatformTime:
		return true
	}
	return false
}

func (r *Rule) runStep(ctx context.Context, s step) error {
	switch {
	case s.call != nil:
		if r.env == nil {
			return errors.ErrNotConnected
		}
		r.logger.Info("Calling service", "service", s.call.String())
		return r.env.CallService(ctx, *s.call)
	case s.delay > 0:
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	case s.log != "":
		r.logger.Info(s.log)
	}
	return nil
}

// fieldSource resolves condition fields. "domain.object" is the entity state;
// anything after the second dot names an attribute.
func (r *Rule) fieldSource(ctx context.Context) expression.FieldSource {
	return expression.FieldSourceFunc(func(field string) (any, bool, error) {
		if r.env == nil {
			return nil, false, errors.ErrNotConnected
		}
		entityID, attr := splitField(field)
		es, ok, err := r.env.EntityState(ctx, entityID)
		if err != nil || !ok {
			return nil, false, err
		}
		if attr == "" {
			return es.State, true, nil
		}
		v, ok := es.Attribute(attr)
		return v, ok, nil
	})
}

func splitField(field string) (entityID, attr string) {
	first := strings.IndexByte(field, '.')
	if first < 0 {
		return field, ""
	}
	second := strings.IndexByte(field[first+1:], '.')
	if second < 0 {
		return field, ""
	}
	cut := first + 1 + second
	return field[:cut], field[cut+1:]
}

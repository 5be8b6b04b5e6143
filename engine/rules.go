package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/kidhasmoxy/otto-engine/clock"
	"github.com/kidhasmoxy/otto-engine/errors"
	"github.com/kidhasmoxy/otto-engine/rule"
	"github.com/kidhasmoxy/otto-engine/state"
)

// Result is the caller-facing outcome of a reload, a rule save or a time
// specification check. Failures carry the error class as Kind.
type Result struct {
	Success  bool   `json:"success"`
	Kind     string `json:"kind,omitempty"`
	Message  string `json:"message,omitempty"`
	NextTime string `json:"next_time,omitempty"`
}

func success() Result {
	return Result{Success: true}
}

func failure(err error) Result {
	return Result{Success: false, Kind: errors.Classify(err).String(), Message: err.Error()}
}

// reloadRules replaces the active rule set: clear everything, then load every
// persisted rule. A failed load stops at the failing rule and leaves the rules
// registered so far in place. Runs on the loop.
func (e *Engine) reloadRules(ctx context.Context) Result {
	e.clearRules()
	err := e.loadRules(ctx)

	count := e.store.RuleCount()
	e.metrics.RecordReload(err == nil, count)
	if err != nil {
		e.logger.Error("Rule reload failed", "error", err, "rules_registered", count)
		e.store.SetEngineState(state.KeyReloadFailure, err.Error())
		e.health.UpdateDegraded(healthRules, fmt.Sprintf("Reload failed after %d rules", count))
		return failure(err)
	}

	e.store.SetEngineState(state.KeyLastReload, e.clock.Now().UTC())
	e.store.SetEngineState(state.KeyReloadFailure, nil)
	e.health.UpdateHealthy(healthRules, fmt.Sprintf("%d rules loaded", count))
	e.logger.Info("Rules reloaded", "rules", count,
		"state_listeners", e.stateListeners.len(), "event_listeners", e.eventListeners.len(),
		"time_listeners", len(e.timeListeners))
	return success()
}

func (e *Engine) clearRules() {
	e.logger.Info("Clearing rules and listeners")
	e.stateListeners.clear()
	e.eventListeners.clear()
	for _, tl := range e.timeListeners {
		e.clock.RemoveTimeSpecAction(tl.ListenerID)
	}
	e.timeListeners = nil
	e.store.ClearRules()
}

func (e *Engine) loadRules(ctx context.Context) error {
	e.logger.Info("Loading rules from persistence")
	rules, loadErr := e.rules.GetRules(ctx)

	now := e.clock.Now()
	for _, r := range rules {
		if err := e.registerRule(r, now); err != nil {
			return err
		}
	}
	return loadErr
}

// registerRule adds the rule's listeners and then the rule itself. A rule
// already registered under the same id is replaced. On failure the listeners
// registered so far stay, and the rule is not added.
func (e *Engine) registerRule(r *rule.Rule, now time.Time) error {
	if _, ok := e.store.Rule(r.ID()); ok {
		e.logger.Warn("Replacing rule with duplicate id", "rule_id", r.ID())
		e.unregisterRule(r.ID())
	}
	for _, l := range r.StateListeners() {
		e.logger.Debug("Adding state listener", "entity_id", l.EntityID, "rule_id", l.RuleID)
		e.stateListeners.add(l.EntityID, listener{RuleID: l.RuleID, ListenerID: l.ListenerID, Trigger: l.Trigger})
	}
	for _, l := range r.EventListeners() {
		e.logger.Debug("Adding event listener", "event_type", l.EventType, "rule_id", l.RuleID)
		e.eventListeners.add(l.EventType, listener{RuleID: l.RuleID, ListenerID: l.ListenerID, Trigger: l.Trigger})
	}
	for _, l := range r.TimeListeners() {
		e.logger.Debug("Adding time listener", "rule_id", l.RuleID, "spec", l.Spec.String())
		trigger := l.Trigger
		action := func(ctx context.Context, at time.Time) {
			e.metrics.RecordTrigger(rule.PlatformTime)
			trigger(ctx, at)
		}
		if err := e.clock.AddTimeSpecAction(l.ListenerID, action, l.Spec, now); err != nil {
			return errors.Wrap(err, "Engine", "registerRule", "schedule rule "+r.ID())
		}
		e.timeListeners = append(e.timeListeners, timeRegistration{RuleID: l.RuleID, ListenerID: l.ListenerID})
	}
	e.store.AddRule(r)
	return nil
}

// unregisterRule removes a rule and all of its listeners.
func (e *Engine) unregisterRule(ruleID string) {
	e.stateListeners.removeRule(ruleID)
	e.eventListeners.removeRule(ruleID)
	kept := e.timeListeners[:0]
	for _, tl := range e.timeListeners {
		if tl.RuleID == ruleID {
			e.clock.RemoveTimeSpecAction(tl.ListenerID)
			continue
		}
		kept = append(kept, tl)
	}
	e.timeListeners = kept
	e.store.RemoveRule(ruleID)
}

// saveRule validates and persists raw, then swaps the rule's listeners.
func (e *Engine) saveRule(ctx context.Context, raw map[string]any) Result {
	r, err := e.rules.RuleFromMap(raw)
	if err != nil {
		e.logger.Warn("Rejected rule", "error", err)
		return failure(err)
	}
	if err := e.rules.SaveRule(ctx, r); err != nil {
		e.logger.Error("Saving rule failed", "rule_id", r.ID(), "error", err)
		return failure(err)
	}

	e.unregisterRule(r.ID())
	if err := e.registerRule(r, e.clock.Now()); err != nil {
		e.unregisterRule(r.ID())
		e.metrics.SetRulesLoaded(e.store.RuleCount())
		return failure(err)
	}
	e.metrics.SetRulesLoaded(e.store.RuleCount())
	e.logger.Info("Rule saved", "rule_id", r.ID())
	return success()
}

func (e *Engine) deleteRule(ctx context.Context, id string) (bool, error) {
	deleted, err := e.rules.DeleteRule(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		e.unregisterRule(id)
		e.metrics.SetRulesLoaded(e.store.RuleCount())
		e.logger.Info("Rule deleted", "rule_id", id)
	}
	return deleted, nil
}

// checkTimeSpec parses raw and computes its next occurrence from now.
func (e *Engine) checkTimeSpec(raw map[string]any) Result {
	spec, err := clock.ParseTimeSpec(raw)
	if err != nil {
		e.logger.Warn("Invalid time specification", "spec", raw, "error", err)
		return failure(err)
	}
	next, err := e.clock.NextTimeFrom(spec, e.clock.Now())
	if err != nil {
		return failure(err)
	}
	return Result{Success: true, NextTime: next.Format(time.RFC3339)}
}

// listenerPairs reports the registered state and event listeners as (key,
// rule id) pairs. Runs on the loop.
func (e *Engine) listenerPairs() (statePairs, eventPairs []KeyRule) {
	return e.stateListeners.pairs(), e.eventListeners.pairs()
}

package engine

import (
	"sort"

	"github.com/kidhasmoxy/otto-engine/rule"
)

// listener is a registry entry: one rule's interest in one key.
type listener struct {
	RuleID     string
	ListenerID string
	Trigger    rule.Handle
}

// KeyRule is a (key, rule id) pair, used to compare registry contents.
type KeyRule struct {
	Key    string
	RuleID string
}

// listenerRegistry maps a key (entity id or event type) to its listeners in
// insertion order. It is owned by the loop.
type listenerRegistry struct {
	byKey map[string][]listener
	count int
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{byKey: make(map[string][]listener)}
}

func (r *listenerRegistry) add(key string, l listener) {
	r.byKey[key] = append(r.byKey[key], l)
	r.count++
}

// lookup returns the listeners for key. The slice must not be modified.
func (r *listenerRegistry) lookup(key string) []listener {
	return r.byKey[key]
}

// removeRule drops every listener of ruleID and returns how many were removed.
func (r *listenerRegistry) removeRule(ruleID string) int {
	removed := 0
	for key, ls := range r.byKey {
		kept := ls[:0:0]
		for _, l := range ls {
			if l.RuleID == ruleID {
				removed++
				continue
			}
			kept = append(kept, l)
		}
		if len(kept) == 0 {
			delete(r.byKey, key)
		} else {
			r.byKey[key] = kept
		}
	}
	r.count -= removed
	return removed
}

func (r *listenerRegistry) clear() {
	clear(r.byKey)
	r.count = 0
}

func (r *listenerRegistry) len() int {
	return r.count
}

// pairs lists the registry contents ordered by key, then insertion order.
func (r *listenerRegistry) pairs() []KeyRule {
	keys := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]KeyRule, 0, r.count)
	for _, k := range keys {
		for _, l := range r.byKey[k] {
			out = append(out, KeyRule{Key: k, RuleID: l.RuleID})
		}
	}
	return out
}

// timeRegistration remembers a listener registered with the clock so it can be
// removed again.
type timeRegistration struct {
	RuleID     string
	ListenerID string
}

// Package state holds the engine's in-memory view of the hub and its rules.
//
// A Store has no locking. It is owned by the engine's scheduler loop and every
// method must be called from that loop; other goroutines reach it through the
// engine's Bridge.
package state

import (
	"sort"

	"github.com/kidhasmoxy/otto-engine/rule"
	"github.com/kidhasmoxy/otto-engine/types/hass"
)

// Groups addressable through Get.
const (
	GroupEntities = "entities"
	GroupServices = "services"
	GroupRules    = "rules"
	GroupEngine   = "engine"
)

// Engine metadata keys.
const (
	KeyStartTime     = "start_time"
	KeyConnected     = "connected"
	KeyLastReload    = "last_reload"
	KeyReloadFailure = "last_reload_error"
)

// Store maps entity ids, service domains, rule ids and engine metadata keys to
// their current values.
type Store struct {
	entities map[string]*hass.EntityState
	services map[string]*hass.ServiceDomain
	rules    map[string]*rule.Rule
	engine   map[string]any
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		entities: make(map[string]*hass.EntityState),
		services: make(map[string]*hass.ServiceDomain),
		rules:    make(map[string]*rule.Rule),
		engine:   make(map[string]any),
	}
}

// EntityState returns the current state of id.
func (s *Store) EntityState(id string) (*hass.EntityState, bool) {
	st, ok := s.entities[id]
	return st, ok
}

// SetEntityState replaces the state of st.EntityID.
func (s *Store) SetEntityState(st *hass.EntityState) {
	if st == nil || st.EntityID == "" {
		return
	}
	s.entities[st.EntityID] = st
}

// Entities returns all entity states ordered by id.
func (s *Store) Entities() []*hass.EntityState {
	out := make([]*hass.EntityState, 0, len(s.entities))
	for _, id := range sortedKeys(s.entities) {
		out = append(out, s.entities[id])
	}
	return out
}

// ServiceDomain returns the services registered for domain.
func (s *Store) ServiceDomain(domain string) (*hass.ServiceDomain, bool) {
	d, ok := s.services[domain]
	return d, ok
}

// SetServiceDomain replaces the registration for d.Domain.
func (s *Store) SetServiceDomain(d *hass.ServiceDomain) {
	if d == nil || d.Domain == "" {
		return
	}
	s.services[d.Domain] = d
}

// Services returns all service registrations ordered by domain.
func (s *Store) Services() []*hass.ServiceDomain {
	out := make([]*hass.ServiceDomain, 0, len(s.services))
	for _, d := range sortedKeys(s.services) {
		out = append(out, s.services[d])
	}
	return out
}

// AddRule stores r, replacing any rule with the same id.
func (s *Store) AddRule(r *rule.Rule) {
	if r == nil {
		return
	}
	s.rules[r.ID()] = r
}

// RemoveRule deletes the rule and returns it.
func (s *Store) RemoveRule(id string) (*rule.Rule, bool) {
	r, ok := s.rules[id]
	if ok {
		delete(s.rules, id)
	}
	return r, ok
}

// Rule returns the rule with the given id.
func (s *Store) Rule(id string) (*rule.Rule, bool) {
	r, ok := s.rules[id]
	return r, ok
}

// Rules returns all rules ordered by id.
func (s *Store) Rules() []*rule.Rule {
	out := make([]*rule.Rule, 0, len(s.rules))
	for _, id := range sortedKeys(s.rules) {
		out = append(out, s.rules[id])
	}
	return out
}

// RuleCount returns the number of registered rules.
func (s *Store) RuleCount() int {
	return len(s.rules)
}

// ClearRules drops every rule.
func (s *Store) ClearRules() {
	clear(s.rules)
}

// SetEngineState records an engine metadata value.
func (s *Store) SetEngineState(key string, value any) {
	s.engine[key] = value
}

// EngineState returns an engine metadata value.
func (s *Store) EngineState(key string) (any, bool) {
	v, ok := s.engine[key]
	return v, ok
}

// Get reads a value by group and key. Entities resolve to *hass.EntityState,
// services to *hass.ServiceDomain, rules to rule.Definition and engine keys to
// whatever was stored. Unknown groups report not found.
func (s *Store) Get(group, key string) (any, bool) {
	switch group {
	case GroupEntities:
		return lookup(s.entities, key)
	case GroupServices:
		return lookup(s.services, key)
	case GroupRules:
		r, ok := s.rules[key]
		if !ok {
			return nil, false
		}
		return r.Definition(), true
	case GroupEngine:
		return s.EngineState(key)
	default:
		return nil, false
	}
}

// lookup avoids returning a typed nil inside a non-nil interface.
func lookup[V any](m map[string]*V, key string) (any, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	return v, true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

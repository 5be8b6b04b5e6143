package hass

import (
	"fmt"
	"reflect"
	"time"

	"github.com/kidhasmoxy/otto-engine/errors"
	"github.com/kidhasmoxy/otto-engine/pkg/timestamp"
)

// Wire field names used by the hub for entity records.
const (
	FieldEntityID    = "entity_id"
	FieldState       = "state"
	FieldAttributes  = "attributes"
	FieldLastChanged = "last_changed"

	AttrFriendlyName = "friendly_name"
	AttrHidden       = "hidden"
)

// EntityState is the state of a single hub entity at a point in time.
type EntityState struct {
	EntityID     string         `json:"entity_id"`
	State        string         `json:"state"`
	Attributes   map[string]any `json:"attributes"`
	LastChanged  time.Time      `json:"last_changed"`
	FriendlyName string         `json:"friendly_name,omitempty"`
	Hidden       bool           `json:"hidden,omitempty"`
}

// Equal reports whether s and other carry the same entity id, state value and
// attributes. LastChanged is ignored so a snapshot that only refreshes the
// timestamp does not count as a change.
func (s *EntityState) Equal(other *EntityState) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.EntityID != other.EntityID || s.State != other.State {
		return false
	}
	if len(s.Attributes) != len(other.Attributes) {
		return false
	}
	for k, v := range s.Attributes {
		ov, ok := other.Attributes[k]
		if !ok || !reflect.DeepEqual(v, ov) {
			return false
		}
	}
	return true
}

// Domain returns the part of the entity id before the first dot.
func (s *EntityState) Domain() string {
	for i := 0; i < len(s.EntityID); i++ {
		if s.EntityID[i] == '.' {
			return s.EntityID[:i]
		}
	}
	return ""
}

// Attribute returns a single attribute value.
func (s *EntityState) Attribute(name string) (any, bool) {
	v, ok := s.Attributes[name]
	return v, ok
}

// EntityStateFromMap builds an EntityState from a decoded hub record. The
// entity_id, state and attributes fields are required.
func EntityStateFromMap(m map[string]any) (*EntityState, error) {
	if m == nil {
		return nil, errors.WrapInvalid(errors.ErrUnexpectedShape, "hass", "EntityStateFromMap", "read record")
	}

	id, ok := m[FieldEntityID].(string)
	if !ok || id == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrMissingField, FieldEntityID),
			"hass", "EntityStateFromMap", "read entity_id")
	}

	rawState, ok := m[FieldState]
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrMissingField, FieldState),
			"hass", "EntityStateFromMap", "read state of "+id)
	}
	stateValue, ok := rawState.(string)
	if !ok {
		stateValue = fmt.Sprintf("%v", rawState)
	}

	rawAttrs, ok := m[FieldAttributes]
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrMissingField, FieldAttributes),
			"hass", "EntityStateFromMap", "read attributes of "+id)
	}
	attrs, ok := rawAttrs.(map[string]any)
	if !ok && rawAttrs != nil {
		return nil, errors.WrapInvalid(errors.ErrUnexpectedShape, "hass", "EntityStateFromMap", "read attributes of "+id)
	}
	if attrs == nil {
		attrs = map[string]any{}
	}

	es := &EntityState{
		EntityID:    id,
		State:       stateValue,
		Attributes:  attrs,
		LastChanged: timestamp.Parse(m[FieldLastChanged]),
	}
	if name, ok := attrs[AttrFriendlyName].(string); ok {
		es.FriendlyName = name
	}
	if hidden, ok := attrs[AttrHidden].(bool); ok {
		es.Hidden = hidden
	}
	return es, nil
}

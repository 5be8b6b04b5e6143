package hass

import (
	"time"

	"github.com/kidhasmoxy/otto-engine/errors"
	"github.com/kidhasmoxy/otto-engine/pkg/timestamp"
)

// Event types the engine subscribes to by default.
const (
	EventStateChanged = "state_changed"
	EventTimerEnded   = "timer_ended"
)

// Event is an event received from the hub. It is either a *StateChangedEvent or
// a *HassEvent.
type Event interface {
	EventType() string
	Raw() []byte
}

// StateChangedEvent reports a new state for a single entity.
type StateChangedEvent struct {
	EntityID  string
	OldState  *EntityState
	NewState  *EntityState
	TimeFired time.Time
	RawMsg    []byte
}

// EventType implements Event.
func (e *StateChangedEvent) EventType() string { return EventStateChanged }

// Raw implements Event.
func (e *StateChangedEvent) Raw() []byte { return e.RawMsg }

// HassEvent is any other hub event. Data is passed through untouched.
type HassEvent struct {
	Type      string
	Data      map[string]any
	TimeFired time.Time
	RawMsg    []byte
}

// EventType implements Event.
func (e *HassEvent) EventType() string { return e.Type }

// Raw implements Event.
func (e *HassEvent) Raw() []byte { return e.RawMsg }

// EventFromMap converts the "event" object of a hub event message. The event
// type is compared for equality with EventStateChanged; anything else becomes
// a HassEvent.
func EventFromMap(m map[string]any, raw []byte) (Event, error) {
	eventType, ok := m["event_type"].(string)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrMissingField, "hass", "EventFromMap", "read event_type")
	}
	data, _ := m["data"].(map[string]any)
	fired := timestamp.Parse(m["time_fired"])

	if eventType != EventStateChanged {
		return &HassEvent{Type: eventType, Data: data, TimeFired: fired, RawMsg: raw}, nil
	}

	ev := &StateChangedEvent{TimeFired: fired, RawMsg: raw}
	ev.EntityID, _ = data[FieldEntityID].(string)
	if ev.EntityID == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingField, "hass", "EventFromMap", "read state_changed entity_id")
	}

	if newState, ok := data["new_state"].(map[string]any); ok {
		s, err := EntityStateFromMap(newState)
		if err != nil {
			return nil, err
		}
		ev.NewState = s
	} else {
		// The hub sends a null new_state when an entity is removed.
		ev.NewState = &EntityState{EntityID: ev.EntityID, Attributes: map[string]any{}, LastChanged: fired}
	}
	if oldState, ok := data["old_state"].(map[string]any); ok {
		if s, err := EntityStateFromMap(oldState); err == nil {
			ev.OldState = s
		}
	}
	return ev, nil
}

package rule

import (
	"github.com/kidhasmoxy/otto-engine/rule/expression"
)

// Trigger platforms.
const (
	PlatformState = "state"
	PlatformEvent = "event"
	PlatformTime  = "time"
)

// Definition is the persisted form of a rule.
type Definition struct {
	ID          string                        `json:"id" yaml:"id"`
	Description string                        `json:"description,omitempty" yaml:"description,omitempty"`
	Triggers    []Trigger                     `json:"triggers" yaml:"triggers"`
	Condition   *expression.LogicalExpression `json:"condition,omitempty" yaml:"condition,omitempty"`
	Actions     []Action                      `json:"actions" yaml:"actions"`
}

// Trigger describes what starts a rule. Which fields apply depends on Platform.
type Trigger struct {
	Platform string `json:"platform" yaml:"platform"`

	// state
	EntityID string  `json:"entity_id,omitempty" yaml:"entity_id,omitempty"`
	From     *string `json:"from,omitempty" yaml:"from,omitempty"`
	To       *string `json:"to,omitempty" yaml:"to,omitempty"`

	// event
	EventType string         `json:"event_type,omitempty" yaml:"event_type,omitempty"`
	EventData map[string]any `json:"event_data,omitempty" yaml:"event_data,omitempty"`

	// time
	At map[string]any `json:"at,omitempty" yaml:"at,omitempty"`
}

// Action is one step of a rule. Exactly one of Service, Delay or Log is set.
type Action struct {
	Service string         `json:"service,omitempty" yaml:"service,omitempty"`
	Data    map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
	Delay   string         `json:"delay,omitempty" yaml:"delay,omitempty"`
	Log     string         `json:"log,omitempty" yaml:"log,omitempty"`
}

// Package rule holds the automation rule model.
//
// A rule is a Definition (triggers, an optional condition and a list of
// actions) that a Factory validates and turns into a *Rule. The engine never
// looks inside a rule; it registers the listeners the rule exposes and invokes
// their trigger handles:
//
//   - StateListeners, one per "state" trigger, keyed by entity id
//   - EventListeners, one per "event" trigger, keyed by event type
//   - TimeListeners, one per "time" trigger, carrying a clock.TimeSpec
//
// A trigger handle checks the trigger's own filters, evaluates the rule's
// condition against current entity states and then runs the actions in order.
// Entity reads and service calls go through the Env the Factory was built with.
//
// Example rule file:
//
//	{
//	  "id": "porch-light-at-sunset",
//	  "triggers": [
//	    {"platform": "state", "entity_id": "sun.sun", "to": "below_horizon"},
//	    {"platform": "time", "at": {"tz": "Europe/Berlin", "hour": 21, "minute": 0}}
//	  ],
//	  "condition": {"logic": "and", "conditions": [
//	    {"field": "binary_sensor.home_occupied", "operator": "eq", "value": "on"}
//	  ]},
//	  "actions": [
//	    {"service": "light.turn_on", "data": {"entity_id": "light.porch"}},
//	    {"delay": "2h"},
//	    {"service": "light.turn_off", "data": {"entity_id": "light.porch"}}
//	  ]
//	}
package rule

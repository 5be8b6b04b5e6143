// Package hass defines the data exchanged with the home-automation hub: entity
// states, service registrations, service calls and the two event shapes the
// engine dispatches.
//
// Values in this package are immutable once published to the engine. An update
// replaces an EntityState wholesale rather than mutating it.
package hass

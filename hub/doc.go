// Package hub talks to the smart-home hub over its websocket API.
//
// Client owns one socket: it dials, authenticates with an access token and
// sends numbered commands (subscribe_events, get_states, get_services,
// call_service, ping), rate limited so a burst of rule actions cannot flood
// the hub.
//
// Reader runs one connection cycle. It connects, retrying every few seconds
// without limit, then reads frames until the socket fails or its context is
// cancelled. Every frame goes through Decode; frames that fail to parse, lack a
// type or carry an unsuccessful result are logged and dropped without ending
// the cycle. Decoded snapshots and events are handed to a Sink. When the cycle
// ends the socket is closed and the Sink is told, so the owner can run its
// whole setup again.
//
// Message types are classified by substring:
//
//	auth_ok  marks the connection authenticated
//	result   list payload = entity snapshot, map payload = service snapshot
//	pong     heartbeat, dropped
//	event    one event; "state_changed" events become *hass.StateChangedEvent
package hub

// Package engine is the rule engine's dispatch core.
//
// An Engine owns a single scheduler Loop. Every read or write of the state
// store and the listener registries happens in a task on that loop, so none of
// them need locks. Hub traffic arrives through the hub.Sink methods, which post
// snapshot and event work to the loop. Matching listeners are started as
// separate goroutines and reach state again only through the Bridge.
//
// Goroutines outside the loop, such as the HTTP API or rule triggers, use the
// Bridge:
//
//	res, err := eng.Bridge().ReloadRules(ctx)
//	if errors.Is(err, errors.ErrBridgeTimeout) {
//		// the loop did not answer in time; the reload may still happen
//	}
//
// A reload first clears every registered listener and rule, then loads the
// rule store from scratch. A failed load leaves the rules registered up to the
// failing record in place and reports the failure in the Result.
package engine

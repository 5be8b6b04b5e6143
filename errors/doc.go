// Package errors classifies failures so the scheduler, the hub reader and the
// rule stores can decide how to react to them.
//
// # Error Classes
//
// Every error falls into one of three classes:
//
//   - ErrorTransient: connection drops, empty hub reads, storage outages and
//     bridge timeouts. The caller may retry.
//   - ErrorInvalid: malformed hub messages, invalid rules and bad time
//     specifications. Retrying will not help; the input must change.
//   - ErrorFatal: configuration problems and a stopped scheduler.
//
// Classification is checked with IsTransient, IsInvalid and IsFatal, or with
// Classify when a single value is needed (for example when reporting a failure
// kind to an HTTP client).
//
// # Wrapping
//
// Errors are wrapped following the pattern
//
//	"component.method: action failed: %w"
//
// using Wrap, WrapTransient, WrapInvalid or WrapFatal:
//
//	if err := json.Unmarshal(data, &rule); err != nil {
//	    return errors.WrapInvalid(err, "FileStore", "GetRules", "decode rule file")
//	}
//
// Sentinel errors such as ErrBridgeTimeout and ErrRuleNotFound survive wrapping
// and are matched with errors.Is. A bridge timeout is never reported as a task
// failure; use IsTimeout to tell the two apart.
package errors

// Package ottoengine is a home-automation rule engine that mirrors a
// smart-home hub and runs automation rules against it.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│          Hub (websocket)            │  state_changed, timer_ended,
//	│   auth, subscribe, snapshots        │  get_states, get_services
//	└─────────────────────────────────────┘
//	           ↓ hub.Reader decodes
//	┌─────────────────────────────────────┐
//	│          engine.Loop                │  single goroutine owning the
//	│  state.Store + listener registries  │  state store and listeners
//	└─────────────────────────────────────┘
//	           ↓ dispatches triggers
//	┌─────────────────────────────────────┐
//	│          rule.Rule                  │  conditions and actions,
//	│   (state, event, time listeners)    │  run through engine.Bridge
//	└─────────────────────────────────────┘
//
// Everything outside the loop, including rule triggers, the HTTP API and
// the clock, reaches engine state through engine.Bridge. A Bridge call posts a
// task to the loop and waits for it for a bounded time.
//
// # Packages
//
//   - engine: the dispatch loop, rule reload and the Bridge
//   - state: entity, service, rule and engine metadata store
//   - hub: websocket client, message decoding and the reconnecting reader
//   - rule: rule model, schema validation, conditions and actions
//   - rulestore: file and NATS KV rule persistence
//   - clock: TimeSpec parsing and scheduled time actions
//   - api: HTTP API over the Bridge
//   - config: layered JSON/YAML configuration with environment overrides
//   - metric, health, errors: Prometheus metrics, health status, classified errors
//
// # Running
//
//	ottoengine --config=/etc/otto/otto.yaml
//
// See cmd/ottoengine for flags and config for the configuration file format.
package ottoengine

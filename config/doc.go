// Package config loads the engine's configuration.
//
// A Loader starts from Defaults, merges each file layer in order (JSON, or
// YAML for .yaml and .yml files), applies environment overrides and, when
// validation is enabled, checks the result with Config.Validate.
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/otto/otto.yaml")
//	loader.AddLayer("/etc/otto/local.json") // overrides otto.yaml
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Duration fields accept Go duration strings ("750ms", "5s") in files.
//
// # Environment Variable Overrides
//
// Selected values can be overridden with OTTO_-prefixed variables:
//
//	export OTTO_HUB_URL="wss://hub.local:8123/api/websocket"
//	export OTTO_HUB_ACCESS_TOKEN="..."
//	export OTTO_HUB_SUBSCRIBE_EVENTS="state_changed,timer_ended"
//	export OTTO_RULES_BACKEND="nats_kv"
//	export OTTO_API_PORT=8080
//	export OTTO_METRICS_ENABLED=true
//	export OTTO_ENGINE_BRIDGE_TIMEOUT=5s
//
// # Security
//
//   - File size limits (10MB max) to prevent memory exhaustion
//   - JSON depth validation (100 levels max)
//   - Path validation to prevent directory traversal
//   - Regular file checks (no symlinks or device files)
//
// Config.String masks the hub access token.
package config

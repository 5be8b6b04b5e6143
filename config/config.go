package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kidhasmoxy/otto-engine/errors"
	"github.com/kidhasmoxy/otto-engine/pkg/security"
)

// Rule store backends
const (
	BackendFile   = "file"    // one JSON or YAML file per rule in rules.dir
	BackendNATSKV = "nats_kv" // NATS JetStream key-value bucket
)

// DefaultEnvPrefix prefixes environment overrides, e.g. OTTO_HUB_URL.
const DefaultEnvPrefix = "OTTO"

// Config represents the complete engine configuration
type Config struct {
	Hub     HubConfig     `json:"hub"`
	Engine  EngineConfig  `json:"engine"`
	Rules   RulesConfig   `json:"rules"`
	API     APIConfig     `json:"api"`
	Metrics MetricsConfig `json:"metrics"`
}

// HubConfig defines the smart-home hub connection
type HubConfig struct {
	URL                  string                   `json:"url"`
	AccessToken          string                   `json:"access_token,omitempty"`
	SubscribeEvents      []string                 `json:"subscribe_events,omitempty"`
	MaxCommandsPerSecond float64                  `json:"max_commands_per_second,omitempty"`
	CommandBurst         int                      `json:"command_burst,omitempty"`
	HandshakeTimeout     time.Duration            `json:"handshake_timeout,omitempty"`
	TLS                  security.ClientTLSConfig `json:"tls,omitempty"`
}

// EngineConfig tunes the dispatch loop and connection supervision
type EngineConfig struct {
	BridgeTimeout        time.Duration `json:"bridge_timeout,omitempty"`
	ConnectRetryInterval time.Duration `json:"connect_retry_interval,omitempty"`
	SetupDelay           time.Duration `json:"setup_delay,omitempty"`
	PollInterval         time.Duration `json:"poll_interval,omitempty"`
	PingInterval         time.Duration `json:"ping_interval,omitempty"`
	TaskBuffer           int           `json:"task_buffer,omitempty"`
}

// RulesConfig selects and configures the rule store
type RulesConfig struct {
	Backend     string `json:"backend"`
	Dir         string `json:"dir,omitempty"`
	NATSURL     string `json:"nats_url,omitempty"`
	Bucket      string `json:"bucket,omitempty"`
	SkipInvalid bool   `json:"skip_invalid,omitempty"`
	Watch       bool   `json:"watch,omitempty"`
}

// APIConfig configures the HTTP API
type APIConfig struct {
	Enabled        bool                     `json:"enabled"`
	Port           int                      `json:"port"`
	EnableCORS     bool                     `json:"enable_cors,omitempty"`
	CORSOrigins    []string                 `json:"cors_origins,omitempty"`
	MaxRequestSize int64                    `json:"max_request_size,omitempty"`
	TLS            security.ServerTLSConfig `json:"tls,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path,omitempty"`
}

// durationPaths lists the duration fields that accept strings like "5s".
var durationPaths = [][]string{
	{"hub", "handshake_timeout"},
	{"engine", "bridge_timeout"},
	{"engine", "connect_retry_interval"},
	{"engine", "setup_delay"},
	{"engine", "poll_interval"},
	{"engine", "ping_interval"},
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.Hub.URL == "" {
		return invalid("hub.url is required")
	}
	if !strings.HasPrefix(c.Hub.URL, "ws://") && !strings.HasPrefix(c.Hub.URL, "wss://") {
		return invalid(fmt.Sprintf("hub.url %q must use ws:// or wss://", c.Hub.URL))
	}
	if c.Hub.MaxCommandsPerSecond < 0 {
		return invalid("hub.max_commands_per_second must not be negative")
	}
	if err := validateClientTLS(c.Hub.TLS); err != nil {
		return err
	}

	for name, d := range map[string]time.Duration{
		"engine.bridge_timeout":         c.Engine.BridgeTimeout,
		"engine.connect_retry_interval": c.Engine.ConnectRetryInterval,
		"engine.setup_delay":            c.Engine.SetupDelay,
		"engine.poll_interval":          c.Engine.PollInterval,
		"engine.ping_interval":          c.Engine.PingInterval,
		"hub.handshake_timeout":         c.Hub.HandshakeTimeout,
	} {
		if d < 0 {
			return invalid(name + " must not be negative")
		}
	}

	switch c.Rules.Backend {
	case BackendFile:
		if c.Rules.Dir == "" {
			return invalid("rules.dir is required for the file backend")
		}
	case BackendNATSKV:
		if c.Rules.NATSURL == "" {
			return invalid("rules.nats_url is required for the nats_kv backend")
		}
	default:
		return invalid(fmt.Sprintf("rules.backend %q must be %q or %q", c.Rules.Backend, BackendFile, BackendNATSKV))
	}

	if c.API.Enabled {
		if c.API.Port < 0 || c.API.Port > 65535 {
			return invalid(fmt.Sprintf("api.port %d out of range", c.API.Port))
		}
		if err := validateServerTLS(c.API.TLS); err != nil {
			return err
		}
	}
	if c.Metrics.Enabled {
		if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
			return invalid(fmt.Sprintf("metrics.port %d out of range", c.Metrics.Port))
		}
		if c.API.Enabled && c.Metrics.Port != 0 && c.Metrics.Port == c.API.Port {
			return invalid("metrics.port and api.port must differ")
		}
	}
	return nil
}

func invalid(msg string) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", msg)
}

func validateServerTLS(cfg security.ServerTLSConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return invalid("api.tls requires cert_file and key_file when enabled")
	}
	if _, err := os.Stat(cfg.CertFile); err != nil {
		return invalid(fmt.Sprintf("api.tls.cert_file: %v", err))
	}
	if _, err := os.Stat(cfg.KeyFile); err != nil {
		return invalid(fmt.Sprintf("api.tls.key_file: %v", err))
	}
	return validateTLSVersion("api.tls.min_version", cfg.MinVersion)
}

func validateClientTLS(cfg security.ClientTLSConfig) error {
	for i, caFile := range cfg.CAFiles {
		if _, err := os.Stat(caFile); err != nil {
			return invalid(fmt.Sprintf("hub.tls.ca_files[%d]: %v", i, err))
		}
	}
	if cfg.MTLS.Enabled && (cfg.MTLS.CertFile == "" || cfg.MTLS.KeyFile == "") {
		return invalid("hub.tls.mtls requires cert_file and key_file when enabled")
	}
	return validateTLSVersion("hub.tls.min_version", cfg.MinVersion)
}

// validateTLSVersion checks if a TLS version string is valid
func validateTLSVersion(field, version string) error {
	switch version {
	case "", "1.2", "1.3":
		return nil
	default:
		return invalid(fmt.Sprintf("%s %q must be \"1.2\" or \"1.3\"", field, version))
	}
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: DefaultEnvPrefix,
		getenv:    os.Getenv,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		merged, err := l.mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "merge "+path)
		}
		cfg = merged
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		Hub: HubConfig{
			URL:              "ws://localhost:8123/api/websocket",
			SubscribeEvents:  []string{"state_changed", "timer_ended"},
			CommandBurst:     10,
			HandshakeTimeout: 10 * time.Second,
		},
		Engine: EngineConfig{
			BridgeTimeout:        5 * time.Second,
			ConnectRetryInterval: 3 * time.Second,
			SetupDelay:           time.Second,
			PollInterval:         3 * time.Second,
			PingInterval:         30 * time.Second,
		},
		Rules: RulesConfig{
			Backend: BackendFile,
			Dir:     "rules",
			Bucket:  "otto_rules",
		},
		API: APIConfig{
			Enabled:        true,
			Port:           8080,
			MaxRequestSize: 1 << 20,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// loadRaw loads a JSON or YAML file as a map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if isYAML(path) {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse YAML: %w", err)
		}
	} else {
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse JSON: %w", err)
		}
	}

	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling
func parseDurations(data map[string]any) error {
	for _, p := range durationPaths {
		section, ok := data[p[0]].(map[string]any)
		if !ok {
			continue
		}
		s, ok := section[p[1]].(string)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", p[0], p[1], err)
		}
		section[p[1]] = d.Nanoseconds()
	}
	return nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields present in the map
func (l *Loader) mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	env := func(name string) (string, bool, error) {
		key := l.envPrefix + "_" + name
		val := l.getenv(key)
		if val == "" {
			return "", false, nil
		}
		if err := validateEnvVar(key, val); err != nil {
			return "", false, errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "read "+key)
		}
		return val, true, nil
	}

	strs := []struct {
		name   string
		target *string
	}{
		{"HUB_URL", &cfg.Hub.URL},
		{"HUB_ACCESS_TOKEN", &cfg.Hub.AccessToken},
		{"RULES_BACKEND", &cfg.Rules.Backend},
		{"RULES_DIR", &cfg.Rules.Dir},
		{"RULES_NATS_URL", &cfg.Rules.NATSURL},
		{"RULES_BUCKET", &cfg.Rules.Bucket},
	}
	for _, s := range strs {
		val, ok, err := env(s.name)
		if err != nil {
			return err
		}
		if ok {
			*s.target = val
		}
	}

	ints := []struct {
		name   string
		target *int
	}{
		{"API_PORT", &cfg.API.Port},
		{"METRICS_PORT", &cfg.Metrics.Port},
	}
	for _, i := range ints {
		val, ok, err := env(i.name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "parse "+l.envPrefix+"_"+i.name)
		}
		*i.target = n
	}

	bools := []struct {
		name   string
		target *bool
	}{
		{"API_ENABLED", &cfg.API.Enabled},
		{"METRICS_ENABLED", &cfg.Metrics.Enabled},
		{"RULES_WATCH", &cfg.Rules.Watch},
	}
	for _, b := range bools {
		val, ok, err := env(b.name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		v, err := strconv.ParseBool(val)
		if err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "parse "+l.envPrefix+"_"+b.name)
		}
		*b.target = v
	}

	if val, ok, err := env("HUB_SUBSCRIBE_EVENTS"); err != nil {
		return err
	} else if ok {
		cfg.Hub.SubscribeEvents = splitList(val)
	}
	if val, ok, err := env("ENGINE_BRIDGE_TIMEOUT"); err != nil {
		return err
	} else if ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "parse "+l.envPrefix+"_ENGINE_BRIDGE_TIMEOUT")
		}
		cfg.Engine.BridgeTimeout = d
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Redacted returns a copy with secrets masked, suitable for logging.
func (c *Config) Redacted() *Config {
	clone := c.Clone()
	if clone.Hub.AccessToken != "" {
		clone.Hub.AccessToken = "REDACTED"
	}
	return clone
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return string(data)
}

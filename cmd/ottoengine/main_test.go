package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kidhasmoxy/otto-engine/config"
	"github.com/kidhasmoxy/otto-engine/rule"
	"github.com/kidhasmoxy/otto-engine/rulestore"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestParseFlags(t *testing.T) {
	t.Setenv("OTTO_LOG_FORMAT", "text")

	cfg, err := parseFlags(newFlagSet(), []string{"-c", "otto.yaml", "-debug", "-validate"})
	require.NoError(t, err)

	assert.Equal(t, "otto.yaml", cfg.ConfigPath)
	assert.Equal(t, "debug", cfg.LogLevel, "-debug forces debug level")
	assert.Equal(t, "text", cfg.LogFormat, "env fallback")
	assert.True(t, cfg.Validate)
}

func TestParseFlags_Unknown(t *testing.T) {
	_, err := parseFlags(newFlagSet(), []string{"-frobnicate"})
	assert.Error(t, err)
}

func TestValidateFlags(t *testing.T) {
	existing := filepath.Join(t.TempDir(), "otto.json")
	require.NoError(t, os.WriteFile(existing, []byte(`{}`), 0644))

	tests := []struct {
		name    string
		cfg     CLIConfig
		wantErr bool
	}{
		{"no config file", CLIConfig{LogLevel: "info", LogFormat: "json"}, false},
		{"existing config file", CLIConfig{ConfigPath: existing, LogLevel: "warn", LogFormat: "text"}, false},
		{"missing config file", CLIConfig{ConfigPath: "/nonexistent/otto.json", LogLevel: "info", LogFormat: "json"}, true},
		{"bad level", CLIConfig{LogLevel: "trace", LogFormat: "json"}, true},
		{"bad format", CLIConfig{LogLevel: "info", LogFormat: "xml"}, true},
		{"version skips checks", CLIConfig{ShowVersion: true, LogLevel: "trace"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateFlags(&tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "warn", "json")

	logger.Info("hidden")
	logger.Warn("shown", "rule_id", "hall_motion")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "hall_motion", rec["rule_id"])
	assert.Equal(t, appName, rec["service"])
	assert.Equal(t, Version, rec["version"])
}

func TestEngineConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Hub.AccessToken = "token"
	cfg.Hub.MaxCommandsPerSecond = 4
	cfg.Engine.BridgeTimeout = 2 * time.Second
	cfg.Rules.Watch = true

	ec, err := engineConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.Hub.URL, ec.Hub.URL)
	assert.Equal(t, "token", ec.Hub.AccessToken)
	assert.Equal(t, 4.0, ec.Hub.CommandsPerSecond)
	assert.Nil(t, ec.Hub.TLS, "ws:// needs no TLS config")
	assert.Equal(t, 2*time.Second, ec.BridgeTimeout)
	assert.Equal(t, cfg.Hub.SubscribeEvents, ec.SubscribeEvents)
	assert.True(t, ec.WatchRules)

	cfg.Hub.URL = "wss://hub.local:8123/api/websocket"
	cfg.Hub.TLS.MinVersion = "1.3"
	ec, err = engineConfig(cfg)
	require.NoError(t, err)
	require.NotNil(t, ec.Hub.TLS)
	assert.NotNil(t, ec.Hub.TLS.RootCAs)

	cfg.Hub.TLS.CAFiles = []string{"/nonexistent/ca.pem"}
	_, err = engineConfig(cfg)
	assert.Error(t, err)
}

func TestAPIConfig(t *testing.T) {
	ac, err := apiConfig(config.APIConfig{Port: 8099, EnableCORS: true, CORSOrigins: []string{"*"}})
	require.NoError(t, err)
	assert.Equal(t, 8099, ac.Port)
	assert.True(t, ac.EnableCORS)
	assert.Nil(t, ac.TLS)

	cfg := config.APIConfig{}
	cfg.TLS.Enabled = true
	cfg.TLS.CertFile = "/nonexistent/cert.pem"
	cfg.TLS.KeyFile = "/nonexistent/key.pem"
	_, err = apiConfig(cfg)
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("OTTO_HUB_URL", "ws://env-hub:8123/api/websocket")

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "ws://env-hub:8123/api/websocket", cfg.Hub.URL)

	path := filepath.Join(t.TempDir(), "otto.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  backend: carrier_pigeon\n"), 0644))
	_, err = loadConfig(path)
	assert.Error(t, err)
}

func TestStoreOpener_File(t *testing.T) {
	dir := t.TempDir()
	opener, closeFn := storeOpener(context.Background(), config.RulesConfig{Backend: config.BackendFile, Dir: dir}, nil)
	defer closeFn()

	factory, err := rule.NewFactory(nil, nil)
	require.NoError(t, err)
	store, err := opener(factory)
	require.NoError(t, err)

	fs, ok := store.(*rulestore.FileStore)
	require.True(t, ok)
	assert.Equal(t, dir, fs.Dir())
}

func TestRun_VersionAndValidate(t *testing.T) {
	require.NoError(t, run([]string{"-version"}))

	path := filepath.Join(t.TempDir(), "otto.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"hub": {"url": "ws://hub:8123/api/websocket"}}`), 0644))
	require.NoError(t, run([]string{"-config", path, "-validate", "-log-format", "text"}))
}

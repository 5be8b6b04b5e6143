package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kidhasmoxy/otto-engine/engine"
	"github.com/kidhasmoxy/otto-engine/errors"
	"github.com/kidhasmoxy/otto-engine/health"
	"github.com/kidhasmoxy/otto-engine/rule"
	"github.com/kidhasmoxy/otto-engine/types/hass"
)

type fakeBackend struct {
	mu      sync.Mutex
	rules   map[string]rule.Definition
	saved   []map[string]any
	calls   []hass.ServiceCall
	state   map[string]any
	err     error
	result  engine.Result
	reloads int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		rules: map[string]rule.Definition{
			"porch": {ID: "porch", Triggers: []rule.Trigger{{Platform: rule.PlatformState, EntityID: "binary_sensor.door"}}},
		},
		state:  map[string]any{"engine/connected": true},
		result: engine.Result{Success: true},
	}
}

func (f *fakeBackend) ListRules(context.Context) ([]rule.Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]rule.Definition, 0, len(f.rules))
	for _, d := range f.rules {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeBackend) GetRule(_ context.Context, id string) (rule.Definition, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.rules[id]
	return d, ok, f.err
}

func (f *fakeBackend) SaveRule(_ context.Context, raw map[string]any) (engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, raw)
	return f.result, f.err
}

func (f *fakeBackend) DeleteRule(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rules[id]
	delete(f.rules, id)
	return ok, f.err
}

func (f *fakeBackend) ReloadRules(context.Context) (engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return f.result, f.err
}

func (f *fakeBackend) ListEntities(context.Context) ([]*hass.EntityState, error) {
	return []*hass.EntityState{
		{EntityID: "light.hall", State: "on", Attributes: map[string]any{}},
		{EntityID: "sun.sun", State: "below_horizon", Attributes: map[string]any{}},
	}, f.err
}

func (f *fakeBackend) ListServices(context.Context) ([]*hass.ServiceDomain, error) {
	return []*hass.ServiceDomain{{Domain: "light", Services: map[string]hass.ServiceInfo{"turn_on": {}}}}, f.err
}

func (f *fakeBackend) CheckTimeSpec(_ context.Context, raw map[string]any) (engine.Result, error) {
	if _, ok := raw["tz"]; !ok {
		return engine.Result{Success: false, Kind: "invalid", Message: "tz is required"}, nil
	}
	return engine.Result{Success: true, NextTime: "2024-03-02T07:00:00Z"}, nil
}

func (f *fakeBackend) GetState(_ context.Context, group, key string) (any, bool, error) {
	v, ok := f.state[group+"/"+key]
	return v, ok, f.err
}

func (f *fakeBackend) CallService(_ context.Context, call hass.ServiceCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func newTestServer(t *testing.T, backend Backend, healthFn HealthFunc) *Server {
	t.Helper()
	srv, err := NewServer(Config{}, backend, healthFn, nil)
	require.NoError(t, err)
	return srv
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServer_RequiresBackend(t *testing.T) {
	_, err := NewServer(Config{}, nil, nil, nil)
	assert.True(t, errors.Is(err, errors.ErrMissingConfig))
}

func TestRules(t *testing.T) {
	backend := newFakeBackend()
	srv := newTestServer(t, backend, nil)

	rec := do(t, srv, http.MethodGet, "/api/v1/rules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	defs := decode[[]rule.Definition](t, rec)
	require.Len(t, defs, 1)
	assert.Equal(t, "porch", defs[0].ID)

	rec = do(t, srv, http.MethodGet, "/api/v1/rules/porch", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, srv, http.MethodGet, "/api/v1/rules/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodDelete, "/api/v1/rules/porch", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, srv, http.MethodDelete, "/api/v1/rules/porch", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSaveRule(t *testing.T) {
	backend := newFakeBackend()
	srv := newTestServer(t, backend, nil)

	rec := do(t, srv, http.MethodPut, "/api/v1/rules/kettle", `{"triggers": [], "actions": []}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[engine.Result](t, rec).Success)
	require.Len(t, backend.saved, 1)
	assert.Equal(t, "kettle", backend.saved[0]["id"])

	rec = do(t, srv, http.MethodPut, "/api/v1/rules/kettle", `{"id": "other"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/v1/rules", `[1, 2]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	backend.result = engine.Result{Success: false, Kind: "invalid", Message: "triggers: Invalid type"}
	rec = do(t, srv, http.MethodPost, "/api/v1/rules", `{"id": "bad"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	res := decode[engine.Result](t, rec)
	assert.False(t, res.Success)
	assert.Equal(t, "triggers: Invalid type", res.Message)

	backend.result = engine.Result{Success: false, Kind: "transient", Message: "disk busy"}
	rec = do(t, srv, http.MethodPost, "/api/v1/rules", `{"id": "bad"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReload(t *testing.T) {
	backend := newFakeBackend()
	srv := newTestServer(t, backend, nil)

	rec := do(t, srv, http.MethodPost, "/api/v1/rules/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, backend.reloads)
}

func TestBridgeTimeoutMapsToGatewayTimeout(t *testing.T) {
	backend := newFakeBackend()
	backend.err = errors.WrapTransient(errors.ErrBridgeTimeout, "Bridge", "ListRules", "wait for loop")
	srv := newTestServer(t, backend, nil)

	rec := do(t, srv, http.MethodGet, "/api/v1/rules", "")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "engine did not respond in time", body["error"])
	assert.NotContains(t, rec.Body.String(), "ListRules")
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{errors.WrapTransient(errors.ErrBridgeTimeout, "Bridge", "x", "y"), http.StatusGatewayTimeout},
		{errors.WrapFatal(errors.ErrLoopStopped, "Loop", "Post", "queue"), http.StatusServiceUnavailable},
		{errors.WrapInvalid(errors.ErrInvalidRule, "Factory", "FromMap", "validate"), http.StatusBadRequest},
		{errors.WrapTransient(errors.ErrStorageUnavailable, "KVStore", "Get", "read"), http.StatusServiceUnavailable},
		{errors.WrapFatal(errors.New("boom"), "x", "y", "z"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, statusFor(tc.err), tc.err.Error())
	}
}

func TestEntitiesAndServices(t *testing.T) {
	srv := newTestServer(t, newFakeBackend(), nil)

	rec := do(t, srv, http.MethodGet, "/api/v1/entities", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]hass.EntityState](t, rec), 2)

	rec = do(t, srv, http.MethodGet, "/api/v1/entities?domain=sun", "")
	require.Equal(t, http.StatusOK, rec.Code)
	states := decode[[]hass.EntityState](t, rec)
	require.Len(t, states, 1)
	assert.Equal(t, "sun.sun", states[0].EntityID)

	rec = do(t, srv, http.MethodGet, "/api/v1/services", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]hass.ServiceDomain](t, rec), 1)
}

func TestCallService(t *testing.T) {
	backend := newFakeBackend()
	srv := newTestServer(t, backend, nil)

	rec := do(t, srv, http.MethodPost, "/api/v1/services/light/turn_on", `{"entity_id": "light.hall"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = do(t, srv, http.MethodPost, "/api/v1/services/homeassistant/restart", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, backend.calls, 2)
	assert.Equal(t, hass.ServiceCall{Domain: "light", Service: "turn_on", Data: map[string]any{"entity_id": "light.hall"}}, backend.calls[0])
	assert.Equal(t, "homeassistant", backend.calls[1].Domain)
	assert.Empty(t, backend.calls[1].Data)
}

func TestCheckTimeSpec(t *testing.T) {
	srv := newTestServer(t, newFakeBackend(), nil)

	rec := do(t, srv, http.MethodPost, "/api/v1/timespec/check", `{"tz": "UTC", "hour": 7}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2024-03-02T07:00:00Z", decode[engine.Result](t, rec).NextTime)

	rec = do(t, srv, http.MethodPost, "/api/v1/timespec/check", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "tz is required", decode[engine.Result](t, rec).Message)
}

func TestGetState(t *testing.T) {
	srv := newTestServer(t, newFakeBackend(), nil)

	rec := do(t, srv, http.MethodGet, "/api/v1/state/engine/connected", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["value"])

	rec = do(t, srv, http.MethodGet, "/api/v1/state/engine/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	status := health.NewHealthy("engine", "ok")
	srv := newTestServer(t, newFakeBackend(), func() health.Status { return status })

	rec := do(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	status = health.NewUnhealthy("engine", "hub down")
	rec = do(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, health.StatusUnhealthy, decode[health.Status](t, rec).Status)
}

func TestRequestIDAndCORS(t *testing.T) {
	srv, err := NewServer(Config{EnableCORS: true, CORSOrigins: []string{"https://panel.local"}}, newFakeBackend(), nil, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rules", nil)
	req.Header.Set("Origin", "https://panel.local")
	req.Header.Set(headerRequestID, "abc123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc123", rec.Header().Get(headerRequestID))
	assert.Equal(t, "https://panel.local", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/rules", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))
}

func TestBodyLimit(t *testing.T) {
	srv, err := NewServer(Config{MaxRequestSize: 16}, newFakeBackend(), nil, nil)
	require.NoError(t, err)

	body := bytes.Repeat([]byte("a"), 64)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rules", strings.NewReader(`{"id": "`+string(body)+`"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRun(t *testing.T) {
	srv := newTestServer(t, newFakeBackend(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool { return srv.Address() != "" }, 5*time.Second, 10*time.Millisecond)
	_, port, err := net.SplitHostPort(srv.Address())
	require.NoError(t, err)
	resp, err := http.Get("http://127.0.0.1:" + port + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

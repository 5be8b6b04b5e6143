// Package hubtest provides an in-process fake hub for tests.
package hubtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// Token is the access token the fake hub accepts.
const Token = "test-token"

// Server is a fake hub speaking enough of the websocket API for the engine:
// auth, subscribe_events, get_states, get_services, call_service and ping.
type Server struct {
	t        testing.TB
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu            sync.Mutex
	conns         []*websocket.Conn
	states        []map[string]any
	services      map[string]any
	commands      []map[string]any
	subscriptions []string
	connections   int
	rejectDial    bool
}

// NewServer starts a fake hub. It is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		t:        t,
		services: map[string]any{},
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// URL returns the websocket URL of the fake hub.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/api/websocket"
}

// SetStates sets the records returned by get_states.
func (s *Server) SetStates(states ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = states
}

// SetServices sets the payload returned by get_services.
func (s *Server) SetServices(services map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = services
}

// RejectDials makes the fake hub refuse websocket upgrades.
func (s *Server) RejectDials(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectDial = reject
}

// Connections returns how many websocket sessions have been accepted.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

// Commands returns the commands received so far, excluding auth.
func (s *Server) Commands() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, len(s.commands))
	copy(out, s.commands)
	return out
}

// CommandsOfType returns received commands with the given type.
func (s *Server) CommandsOfType(cmdType string) []map[string]any {
	var out []map[string]any
	for _, c := range s.Commands() {
		if c["type"] == cmdType {
			out = append(out, c)
		}
	}
	return out
}

// Subscriptions returns the event types subscribed to.
func (s *Server) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subscriptions...)
}

// Send writes a raw frame to every open session.
func (s *Server) Send(frame string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.WriteMessage(websocket.TextMessage, []byte(frame))
	}
}

// SendJSON marshals v and sends it to every open session.
func (s *Server) SendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.t.Errorf("hubtest: marshal frame: %v", err)
		return
	}
	s.Send(string(data))
}

// SendStateChanged pushes a state_changed event for entityID.
func (s *Server) SendStateChanged(entityID, oldState, newState string, attrs map[string]any) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	s.SendJSON(map[string]any{
		"id":   1,
		"type": "event",
		"event": map[string]any{
			"event_type": "state_changed",
			"time_fired": "2024-03-01T12:00:00.000000+00:00",
			"data": map[string]any{
				"entity_id": entityID,
				"old_state": map[string]any{
					"entity_id": entityID, "state": oldState, "attributes": attrs,
					"last_changed": "2024-03-01T11:00:00.000000+00:00",
				},
				"new_state": map[string]any{
					"entity_id": entityID, "state": newState, "attributes": attrs,
					"last_changed": "2024-03-01T12:00:00.000000+00:00",
				},
			},
		},
	})
}

// DropConnections closes every open session from the server side.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

// Close stops the fake hub.
func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	reject := s.rejectDial
	s.mu.Unlock()
	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.connections++
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"auth_required","ha_version":"2024.3.0"}`))
	s.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.remove(conn)
			return
		}
		var cmd map[string]any
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		s.reply(conn, cmd)
	}
}

func (s *Server) reply(conn *websocket.Conn, cmd map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	write := func(v map[string]any) {
		data, _ := json.Marshal(v)
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	id := cmd["id"]

	switch cmd["type"] {
	case "auth":
		if cmd["access_token"] == Token {
			write(map[string]any{"type": "auth_ok", "ha_version": "2024.3.0"})
		} else {
			write(map[string]any{"type": "auth_invalid", "message": "Invalid access token"})
		}
		return
	case "subscribe_events":
		if et, ok := cmd["event_type"].(string); ok {
			s.subscriptions = append(s.subscriptions, et)
		}
		write(map[string]any{"id": id, "type": "result", "success": true, "result": nil})
	case "get_states":
		states := make([]any, 0, len(s.states))
		for _, st := range s.states {
			states = append(states, st)
		}
		write(map[string]any{"id": id, "type": "result", "success": true, "result": states})
	case "get_services":
		write(map[string]any{"id": id, "type": "result", "success": true, "result": s.services})
	case "call_service":
		write(map[string]any{"id": id, "type": "result", "success": true, "result": nil})
	case "ping":
		write(map[string]any{"id": id, "type": "pong"})
	default:
		write(map[string]any{"id": id, "type": "result", "success": false,
			"error": map[string]any{"code": "unknown_command", "message": "Unknown command."}})
	}
	s.commands = append(s.commands, cmd)
}

func (s *Server) remove(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.conns {
		if c == conn {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return
		}
	}
}

// EntityRecord builds a get_states record.
func EntityRecord(entityID, state string, attrs map[string]any) map[string]any {
	if attrs == nil {
		attrs = map[string]any{}
	}
	return map[string]any{
		"entity_id":    entityID,
		"state":        state,
		"attributes":   attrs,
		"last_changed": "2024-03-01T10:00:00.000000+00:00",
	}
}

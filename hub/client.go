package hub

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/kidhasmoxy/otto-engine/errors"
	"github.com/kidhasmoxy/otto-engine/types/hass"
)

// Config describes how to reach the hub.
type Config struct {
	URL               string        // ws:// or wss:// URL of the websocket API
	AccessToken       string        // sent in the auth message; empty skips auth
	TLS               *tls.Config   // used for wss://; nil uses the system roots
	HandshakeTimeout  time.Duration // default 10s
	CommandsPerSecond float64       // outbound command rate; <= 0 disables limiting
	CommandBurst      int           // default 10
}

// Client is a single websocket connection to the hub. Commands may be sent from
// any goroutine; Receive must only be called by one.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	metrics *Metrics

	mu   sync.Mutex // guards conn and serializes writes
	conn *websocket.Conn

	connected     atomic.Bool
	authenticated atomic.Bool
	nextID        atomic.Int64
	servicesID    atomic.Int64 // id of the latest get_services command
}

// NewClient creates an unconnected client.
func NewClient(cfg Config, logger *slog.Logger, metrics *Metrics) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.CommandBurst <= 0 {
		cfg.CommandBurst = 10
	}
	limit := rate.Inf
	if cfg.CommandsPerSecond > 0 {
		limit = rate.Limit(cfg.CommandsPerSecond)
	}

	dialer := &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, TLSClientConfig: cfg.TLS}

	return &Client{
		cfg:     cfg,
		logger:  logger.With("component", "hub-client"),
		dialer:  dialer,
		limiter: rate.NewLimiter(limit, cfg.CommandBurst),
		metrics: metrics,
	}
}

// Connect dials the hub and sends the auth message. It does not wait for
// auth_ok; the reader marks the client authenticated when that arrives.
func (c *Client) Connect(ctx context.Context) error {
	c.metrics.recordConnectAttempt()

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return errors.WrapTransient(err, "Client", "Connect", "dial hub")
	}

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)
	c.authenticated.Store(false)

	if c.cfg.AccessToken != "" {
		if err := c.write(map[string]any{"type": "auth", "access_token": c.cfg.AccessToken}); err != nil {
			_ = c.Close()
			return err
		}
	}
	c.logger.Info("Connected to hub")
	return nil
}

// Connected reports whether the socket is open.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Authenticated reports whether auth_ok has been received on this socket.
func (c *Client) Authenticated() bool {
	return c.authenticated.Load()
}

// SetAuthenticated records the authentication state.
func (c *Client) SetAuthenticated(ok bool) {
	c.authenticated.Store(ok)
}

// Receive blocks for the next text frame.
func (c *Client) Receive() ([]byte, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, errors.WrapTransient(errors.ErrNotConnected, "Client", "Receive", "read frame")
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		c.connected.Store(false)
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err), "Client", "Receive", "read frame")
	}
	if len(data) == 0 {
		return nil, errors.WrapTransient(errors.ErrEmptyRead, "Client", "Receive", "read frame")
	}
	return data, nil
}

// Close closes the socket without a close handshake.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected.Store(false)
	c.authenticated.Store(false)
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// SubscribeEvents asks the hub to stream events of eventType.
func (c *Client) SubscribeEvents(ctx context.Context, eventType string) (int64, error) {
	return c.command(ctx, "subscribe_events", map[string]any{"event_type": eventType})
}

// GetStates requests a full entity snapshot.
func (c *Client) GetStates(ctx context.Context) (int64, error) {
	return c.command(ctx, "get_states", nil)
}

// GetServices requests a full service snapshot. Only the result carrying the
// returned id is a snapshot; see IsServicesResult.
func (c *Client) GetServices(ctx context.Context) (int64, error) {
	return c.command(ctx, "get_services", nil)
}

// CallService asks the hub to run a service. The result is not awaited.
func (c *Client) CallService(ctx context.Context, call hass.ServiceCall) (int64, error) {
	fields := map[string]any{"domain": call.Domain, "service": call.Service}
	if len(call.Data) > 0 {
		fields["service_data"] = call.Data
	}
	return c.command(ctx, "call_service", fields)
}

// IsServicesResult reports whether id answers the latest get_services command.
// Other commands, call_service among them, may also return a mapping result.
func (c *Client) IsServicesResult(id int64) bool {
	return id != 0 && id == c.servicesID.Load()
}

// Ping sends a heartbeat.
func (c *Client) Ping(ctx context.Context) (int64, error) {
	return c.command(ctx, "ping", nil)
}

func (c *Client) command(ctx context.Context, cmdType string, fields map[string]any) (int64, error) {
	if !c.Connected() {
		return 0, errors.WrapTransient(errors.ErrNotConnected, "Client", "command", cmdType)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, errors.WrapTransient(err, "Client", "command", "wait for rate limit")
	}

	id := c.nextID.Add(1)
	if cmdType == "get_services" {
		c.servicesID.Store(id)
	}
	msg := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		msg[k] = v
	}
	msg["id"] = id
	msg["type"] = cmdType

	if err := c.write(msg); err != nil {
		return 0, err
	}
	c.metrics.recordCommand(cmdType)
	c.logger.Debug("Sent command", "type", cmdType, "id", id)
	return id, nil
}

func (c *Client) write(msg map[string]any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.WrapInvalid(err, "Client", "write", "encode command")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.WrapTransient(errors.ErrNotConnected, "Client", "write", "send frame")
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.WrapTransient(err, "Client", "write", "send frame")
	}
	return nil
}

func sortedDomains(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

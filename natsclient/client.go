// Package natsclient manages the NATS connection used by the JetStream
// key-value rule store.
package natsclient

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/kidhasmoxy/otto-engine/errors"
	"github.com/kidhasmoxy/otto-engine/pkg/retry"
)

// ErrKVKeyNotFound is returned when a key is absent from a bucket.
var ErrKVKeyNotFound = stderrors.New("kv key not found")

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the connect and request timeout. Default 5s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithMaxReconnects sets how often the underlying connection reconnects
// after a drop. -1, the default, reconnects forever.
func WithMaxReconnects(n int) Option {
	return func(c *Client) { c.maxReconnects = n }
}

// WithName sets the client name reported to the server.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithConnectRetry sets the retry policy for the initial connection.
func WithConnectRetry(cfg retry.Config) Option {
	return func(c *Client) { c.connectRetry = cfg }
}

// Client wraps a NATS connection and its JetStream context.
type Client struct {
	url           string
	name          string
	timeout       time.Duration
	maxReconnects int
	connectRetry  retry.Config
	logger        *slog.Logger

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream
}

// NewClient creates an unconnected Client.
func NewClient(url string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "check url")
	}
	c := &Client{
		url:           url,
		name:          "ottoengine",
		timeout:       5 * time.Second,
		maxReconnects: -1,
		connectRetry:  retry.Quick(),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "natsclient", "url", url)
	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// Connect dials the server, retrying per the configured policy.
func (c *Client) Connect(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name(c.name),
		nats.Timeout(c.timeout),
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.logger.Info("NATS reconnected")
		}),
	}

	conn, err := retry.DoWithResult(ctx, c.connectRetry, func() (*nats.Conn, error) {
		conn, err := nats.Connect(c.url, opts...)
		if isAuthError(err) {
			return nil, retry.NonRetryable(err)
		}
		return conn, err
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Connect", "connect to NATS")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return errors.WrapFatal(err, "Client", "Connect", "create JetStream context")
	}

	c.mu.Lock()
	c.conn = conn
	c.js = js
	c.mu.Unlock()

	c.logger.Info("Connected to NATS")
	return nil
}

// isAuthError reports credential failures, which retrying cannot fix.
func isAuthError(err error) bool {
	return errors.Is(err, nats.ErrAuthorization) ||
		errors.Is(err, nats.ErrAuthExpired) ||
		errors.Is(err, nats.ErrAuthRevoked)
}

// IsConnected reports whether the connection is up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsConnected()
}

// KeyValue returns the named bucket, creating it when it does not exist.
func (c *Client) KeyValue(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()
	if js == nil {
		return nil, errors.WrapTransient(errors.ErrNotConnected, "Client", "KeyValue", "get JetStream")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "KeyValue", "create bucket "+cfg.Bucket)
	}
	return kv, nil
}

// Close drains and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Drain()
	c.conn = nil
	c.js = nil
	if err != nil {
		return errors.WrapTransient(err, "Client", "Close", "drain connection")
	}
	return nil
}

// IsKVNotFoundError checks if error indicates key not found
func IsKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrKVKeyNotFound) || stderrors.Is(err, jetstream.ErrKeyNotFound) ||
		stderrors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "key not found") ||
		strings.Contains(errMsg, "10037")
}

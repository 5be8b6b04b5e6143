package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/kidhasmoxy/otto-engine/errors"
	"github.com/kidhasmoxy/otto-engine/pkg/retry"
	"github.com/kidhasmoxy/otto-engine/types/hass"
)

// DefaultRetryInterval is the wait between failed connection attempts.
const DefaultRetryInterval = 3 * time.Second

// Sink receives what the reader decodes. Calls are made from the reader's
// goroutine in arrival order.
type Sink interface {
	ApplyEntitySnapshot(states []*hass.EntityState)
	ApplyServiceSnapshot(domains []*hass.ServiceDomain)
	ProcessEvent(ev hass.Event)
	// ConnectionEnded is called once when Run returns, with the reason the
	// cycle ended (nil when ctx was cancelled).
	ConnectionEnded(err error)
}

// Reader runs one connect-and-read cycle against a Client.
type Reader struct {
	client        *Client
	sink          Sink
	logger        *slog.Logger
	metrics       *Metrics
	retryInterval time.Duration
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithRetryInterval overrides DefaultRetryInterval.
func WithRetryInterval(d time.Duration) ReaderOption {
	return func(r *Reader) {
		if d > 0 {
			r.retryInterval = d
		}
	}
}

// WithMetrics attaches hub metrics.
func WithMetrics(m *Metrics) ReaderOption {
	return func(r *Reader) { r.metrics = m }
}

// NewReader creates a reader that feeds sink from client.
func NewReader(client *Client, sink Sink, logger *slog.Logger, opts ...ReaderOption) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reader{
		client:        client,
		sink:          sink,
		logger:        logger.With("component", "hub-reader"),
		retryInterval: DefaultRetryInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connected reports whether the underlying socket is open.
func (r *Reader) Connected() bool {
	return r.client.Connected()
}

// Run connects, retrying forever at the retry interval, then reads until the
// socket fails or ctx is cancelled. The socket is always closed and the sink
// notified before Run returns.
func (r *Reader) Run(ctx context.Context) error {
	err := r.run(ctx)

	if cerr := r.client.Close(); cerr != nil {
		r.logger.Debug("Close after read loop", "error", cerr)
	}
	r.metrics.recordConnected(false)
	if ctx.Err() != nil {
		err = nil
	}
	r.sink.ConnectionEnded(err)
	return err
}

func (r *Reader) run(ctx context.Context) error {
	cfg := retry.Fixed(r.retryInterval)
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		r.logger.Warn("Hub not connected, retrying", "attempt", attempt, "retry_in", wait, "error", err)
	}
	if err := retry.Do(ctx, cfg, func() error { return r.client.Connect(ctx) }); err != nil {
		return err
	}
	r.metrics.recordConnected(true)

	// ReadMessage does not take a context; closing the socket unblocks it.
	stop := context.AfterFunc(ctx, func() { _ = r.client.Close() })
	defer stop()

	for r.client.Connected() {
		raw, err := r.client.Receive()
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error("Hub read failed, ending connection", "error", err)
			}
			return err
		}
		r.handle(raw)
	}
	return errors.WrapTransient(errors.ErrConnectionLost, "Reader", "Run", "read frames")
}

func (r *Reader) handle(raw []byte) {
	r.logger.Debug("Hub frame", "raw", string(raw))

	msg, err := Decode(raw)
	if err != nil {
		reason := "parse"
		switch {
		case errors.Is(err, errors.ErrMissingType):
			reason = "missing_type"
		case errors.Is(err, errors.ErrMissingField):
			reason = "missing_field"
		}
		r.metrics.recordDrop(reason)
		r.logger.Warn("Dropping hub frame", "reason", reason, "error", err, "raw", truncate(raw))
		return
	}
	if msg.Kind == KindServiceSnapshot && !r.client.IsServicesResult(msg.ID) {
		msg.Kind = KindIgnored
		msg.RecordErrors = nil
	}
	r.metrics.recordFrame(msg.Kind)

	for _, recErr := range msg.RecordErrors {
		r.logger.Warn("Skipping snapshot record", "type", msg.Type, "id", msg.ID, "error", recErr)
	}

	switch msg.Kind {
	case KindAuthOK:
		r.client.SetAuthenticated(true)
		r.logger.Info("Hub authenticated")
	case KindFailedResult:
		r.metrics.recordDrop("failed_result")
		r.logger.Warn("Hub returned an error result", "id", msg.ID, "raw", truncate(raw))
	case KindPong:
		r.logger.Debug("Pong received", "id", msg.ID)
	case KindEntitySnapshot:
		r.sink.ApplyEntitySnapshot(msg.Entities)
	case KindServiceSnapshot:
		r.sink.ApplyServiceSnapshot(msg.Services)
	case KindEvent:
		r.sink.ProcessEvent(msg.Event)
	default:
		r.logger.Debug("Ignoring hub frame", "type", msg.Type)
	}
}

func truncate(raw []byte) string {
	const limit = 512
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}

package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kidhasmoxy/otto-engine/clock"
	"github.com/kidhasmoxy/otto-engine/errors"
	"github.com/kidhasmoxy/otto-engine/health"
	"github.com/kidhasmoxy/otto-engine/hub"
	"github.com/kidhasmoxy/otto-engine/metric"
	"github.com/kidhasmoxy/otto-engine/rule"
	"github.com/kidhasmoxy/otto-engine/rulestore"
	"github.com/kidhasmoxy/otto-engine/state"
	"github.com/kidhasmoxy/otto-engine/types/hass"
)

// Defaults for Config.
const (
	DefaultBridgeTimeout = 5 * time.Second
	DefaultSetupDelay    = time.Second
	DefaultPollInterval  = 3 * time.Second
	DefaultPingInterval  = 30 * time.Second
)

// Health component names.
const (
	healthHub   = "hub"
	healthRules = "rules"
	healthLoop  = "loop"
)

// Config controls the engine.
type Config struct {
	Hub hub.Config
	// SubscribeEvents are the hub event types requested on every connect.
	SubscribeEvents []string
	// BridgeTimeout bounds how long a Bridge caller waits for the loop.
	BridgeTimeout time.Duration
	// ConnectRetryInterval is the wait between failed hub connection attempts.
	ConnectRetryInterval time.Duration
	// SetupDelay is the pause after starting the hub reader before polling
	// for the connection; PollInterval is the polling period.
	SetupDelay   time.Duration
	PollInterval time.Duration
	// PingInterval is the heartbeat period once the engine is in sync.
	PingInterval time.Duration
	// WatchRules reloads the rule set when a watching store reports a change.
	WatchRules bool
	TaskBuffer int
}

func (c *Config) applyDefaults() {
	if len(c.SubscribeEvents) == 0 {
		c.SubscribeEvents = []string{hass.EventStateChanged, hass.EventTimerEnded}
	}
	if c.BridgeTimeout <= 0 {
		c.BridgeTimeout = DefaultBridgeTimeout
	}
	if c.ConnectRetryInterval <= 0 {
		c.ConnectRetryInterval = hub.DefaultRetryInterval
	}
	if c.SetupDelay <= 0 {
		c.SetupDelay = DefaultSetupDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
}

// StoreOpener builds the rule store once the engine's rule factory exists.
type StoreOpener func(factory *rule.Factory) (rulestore.Store, error)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(e *Engine) { e.registry = registry }
}

// WithClock replaces the time scheduler.
func WithClock(c *clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// Engine mirrors the hub's state, keeps the active rule set and dispatches hub
// events and scheduled times to the rules' listeners.
//
// Fields marked loop-owned may only be touched from a task running on loop.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	loop     *Loop
	bridge   *Bridge
	clock    *clock.Clock
	factory  *rule.Factory
	rules    rulestore.Store
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics
	hubStats *hub.Metrics
	health   *health.Monitor

	clockOnce sync.Once

	// loop-owned
	store          *state.Store
	stateListeners *listenerRegistry
	eventListeners *listenerRegistry
	timeListeners  []timeRegistration
	client         *hub.Client
}

// New creates an engine. openStore is called with the engine's rule factory,
// whose rules read state and call services through the engine's Bridge.
func New(cfg Config, openStore StoreOpener, opts ...Option) (*Engine, error) {
	cfg.applyDefaults()
	e := &Engine{
		cfg:            cfg,
		logger:         slog.Default(),
		store:          state.New(),
		stateListeners: newListenerRegistry(),
		eventListeners: newListenerRegistry(),
		health:         health.NewMonitor(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")

	e.loop = NewLoop(cfg.TaskBuffer, e.logger)
	if e.clock == nil {
		e.clock = clock.New(e.logger)
	}
	if e.registry != nil {
		e.metrics = e.registry.CoreMetrics()
		hubStats, err := hub.NewMetrics(e.registry)
		if err != nil {
			return nil, errors.WrapFatal(err, "Engine", "New", "register hub metrics")
		}
		e.hubStats = hubStats
	}
	e.bridge = &Bridge{engine: e, timeout: cfg.BridgeTimeout}

	factory, err := rule.NewFactory(e.bridge, e.logger)
	if err != nil {
		return nil, err
	}
	e.factory = factory

	if openStore == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Engine", "New", "check rule store")
	}
	rules, err := openStore(factory)
	if err != nil {
		return nil, errors.WrapFatal(err, "Engine", "New", "open rule store")
	}
	e.rules = rules

	e.health.UpdateDegraded(healthHub, "Not connected")
	e.health.UpdateDegraded(healthRules, "Rules not loaded")
	e.health.UpdateUnhealthy(healthLoop, "Not started")
	return e, nil
}

// Bridge returns the entry point for goroutines outside the loop.
func (e *Engine) Bridge() *Bridge {
	return e.bridge
}

// Factory returns the factory rules are built with.
func (e *Engine) Factory() *rule.Factory {
	return e.factory
}

// Clock returns the time scheduler.
func (e *Engine) Clock() *clock.Clock {
	return e.clock
}

// Health reports the aggregated health of the hub connection, the rule set
// and the loop.
func (e *Engine) Health() health.Status {
	return e.health.AggregateHealth("engine")
}

// Run starts the loop and the hub setup sequence and blocks until ctx is
// cancelled. Shutdown does not wait for running rule triggers.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := e.loop.Run(gctx)
		e.health.UpdateUnhealthy(healthLoop, "Stopped")
		return err
	})

	startedAt := e.clock.Now().UTC()
	if err := e.loop.Post(gctx, func() {
		e.store.SetEngineState(state.KeyStartTime, startedAt)
		e.health.UpdateHealthy(healthLoop, "Running")
	}); err != nil {
		e.loop.Stop()
		_ = g.Wait()
		return err
	}

	e.loop.Go(e.setup)

	if w, ok := e.rules.(rulestore.Watcher); ok && e.cfg.WatchRules {
		g.Go(func() error { return e.watchRules(gctx, w) })
	}

	err := g.Wait()
	e.loop.Stop()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// setup connects to the hub and brings the engine in sync: start a reader,
// wait for the socket, subscribe, request full snapshots, start the clock and
// reload the rules. It runs again from the beginning whenever the reader's
// connection ends.
func (e *Engine) setup(ctx context.Context) {
	client := hub.NewClient(e.cfg.Hub, e.logger, e.hubStats)
	reader := hub.NewReader(client, e, e.logger,
		hub.WithRetryInterval(e.cfg.ConnectRetryInterval), hub.WithMetrics(e.hubStats))

	if err := e.loop.Post(ctx, func() { e.client = client }); err != nil {
		return
	}

	ended := make(chan struct{})
	e.loop.Go(func(ctx context.Context) {
		defer close(ended)
		_ = reader.Run(ctx)
	})

	if !sleep(ctx, ended, e.cfg.SetupDelay) {
		return
	}
	for !reader.Connected() {
		e.logger.Info("Waiting for hub connection")
		if !sleep(ctx, ended, e.cfg.PollInterval) {
			return
		}
	}

	if err := e.sync(ctx, client); err != nil {
		e.logger.Error("Hub setup failed; waiting for the connection to restart", "error", err)
		return
	}

	e.clockOnce.Do(func() {
		e.loop.Go(func(ctx context.Context) {
			if err := e.clock.Run(ctx); err != nil {
				e.logger.Error("Clock stopped", "error", err)
			}
		})
	})

	_ = e.loop.Post(ctx, func() {
		e.store.SetEngineState(state.KeyConnected, true)
		e.health.UpdateHealthy(healthHub, "Connected")
		e.reloadRules(ctx)
	})

	e.heartbeat(ctx, ended, client)
}

// heartbeat pings the hub every PingInterval until the connection ends. A
// failed ping closes the socket, which ends the reader and restarts setup.
func (e *Engine) heartbeat(ctx context.Context, ended <-chan struct{}, client *hub.Client) {
	t := time.NewTicker(e.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ended:
			return
		case <-t.C:
		}
		if _, err := client.Ping(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn("Hub ping failed, closing connection", "error", err)
			if cerr := client.Close(); cerr != nil {
				e.logger.Debug("Close after failed ping", "error", cerr)
			}
			return
		}
	}
}

func (e *Engine) sync(ctx context.Context, client *hub.Client) error {
	for _, et := range e.cfg.SubscribeEvents {
		if _, err := client.SubscribeEvents(ctx, et); err != nil {
			return err
		}
	}
	if _, err := client.GetStates(ctx); err != nil {
		return err
	}
	_, err := client.GetServices(ctx)
	return err
}

// sleep waits d, returning false early if ctx is done or ended is closed.
func sleep(ctx context.Context, ended <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-ended:
		return false
	case <-t.C:
		return true
	}
}

func (e *Engine) watchRules(ctx context.Context, w rulestore.Watcher) error {
	err := w.Watch(ctx, func(key string) {
		e.logger.Info("Rule store changed, reloading", "key", key)
		_ = e.loop.Post(ctx, func() { e.reloadRules(ctx) })
	})
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		e.logger.Error("Rule watch stopped", "error", err)
	}
	return nil
}

// ApplyEntitySnapshot implements hub.Sink. Only entities that differ from the
// stored state are written.
func (e *Engine) ApplyEntitySnapshot(states []*hass.EntityState) {
	e.post("entity snapshot", func() {
		changed := 0
		for _, st := range states {
			existing, ok := e.store.EntityState(st.EntityID)
			if ok && existing.Equal(st) {
				e.metrics.RecordSnapshotEntity("unchanged")
				continue
			}
			e.store.SetEntityState(st)
			e.metrics.RecordSnapshotEntity("changed")
			changed++
		}
		e.logger.Info("Applied entity snapshot", "entities", len(states), "changed", changed)
	})
}

// ApplyServiceSnapshot implements hub.Sink. Every domain in the snapshot
// replaces the stored registration.
func (e *Engine) ApplyServiceSnapshot(domains []*hass.ServiceDomain) {
	e.post("service snapshot", func() {
		for _, d := range domains {
			e.store.SetServiceDomain(d)
		}
		e.logger.Info("Applied service snapshot", "domains", len(domains))
	})
}

// ProcessEvent implements hub.Sink.
func (e *Engine) ProcessEvent(ev hass.Event) {
	e.post("event", func() { e.processEvent(ev) })
}

// ConnectionEnded implements hub.Sink. Unless the engine is shutting down, the
// whole setup sequence runs again.
func (e *Engine) ConnectionEnded(err error) {
	if e.loop.Context().Err() != nil {
		return
	}
	e.logger.Warn("Hub connection ended, restarting setup", "error", err)
	e.post("connection ended", func() {
		e.store.SetEngineState(state.KeyConnected, false)
		if err != nil {
			e.health.Update(healthHub, health.FromError(healthHub, err, ""))
		} else {
			e.health.UpdateDegraded(healthHub, "Reconnecting")
		}
	})
	e.loop.Go(e.setup)
}

func (e *Engine) post(what string, fn func()) {
	if err := e.loop.Post(e.loop.Context(), fn); err != nil {
		e.logger.Debug("Dropped "+what+", loop stopped", "error", err)
	}
}

// processEvent updates state and starts one task per matching listener, in
// registry order. Runs on the loop.
func (e *Engine) processEvent(ev hass.Event) {
	switch ev := ev.(type) {
	case *hass.StateChangedEvent:
		e.store.SetEntityState(ev.NewState)
		e.metrics.RecordEvent(hass.EventStateChanged)
		e.logger.Debug("State changed", "entity_id", ev.EntityID, "state", ev.NewState.State)
		for _, l := range e.stateListeners.lookup(ev.EntityID) {
			e.logger.Info("Invoking trigger", "rule_id", l.RuleID, "entity_id", ev.EntityID)
			e.schedule(rule.PlatformState, l, ev)
		}

	case *hass.HassEvent:
		e.metrics.RecordEvent(ev.Type)
		e.logger.Debug("Event", "event_type", ev.Type)
		for _, l := range e.eventListeners.lookup(ev.Type) {
			e.logger.Info("Invoking trigger", "rule_id", l.RuleID, "event_type", ev.Type)
			e.schedule(rule.PlatformEvent, l, ev)
		}
	}
}

func (e *Engine) schedule(platform string, l listener, ev hass.Event) {
	e.metrics.RecordTrigger(platform)
	e.loop.Go(func(ctx context.Context) { l.Trigger(ctx, ev) })
}

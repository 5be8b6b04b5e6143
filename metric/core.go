package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by the engine.
const Namespace = "otto"

// Metrics are the engine-level metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	EventsProcessed   *prometheus.CounterVec
	TriggersScheduled *prometheus.CounterVec
	Reloads           *prometheus.CounterVec
	RulesLoaded       prometheus.Gauge
	BridgeCalls       *prometheus.CounterVec
	BridgeDuration    *prometheus.HistogramVec
	SnapshotEntities  *prometheus.CounterVec
	HubConnected      prometheus.Gauge
	ErrorsTotal       *prometheus.CounterVec
}

// NewMetrics creates the engine metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		EventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "engine",
				Name:      "events_processed_total",
				Help:      "Hub events dispatched to listeners, by kind",
			},
			[]string{"kind"},
		),

		TriggersScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "engine",
				Name:      "triggers_scheduled_total",
				Help:      "Rule trigger invocations scheduled, by listener platform",
			},
			[]string{"platform"},
		),

		Reloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "engine",
				Name:      "reloads_total",
				Help:      "Rule reloads, by outcome",
			},
			[]string{"outcome"},
		),

		RulesLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "engine",
				Name:      "rules_loaded",
				Help:      "Rules currently registered",
			},
		),

		BridgeCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "bridge",
				Name:      "calls_total",
				Help:      "Bridge calls, by operation and outcome (ok, error, timeout)",
			},
			[]string{"operation", "outcome"},
		),

		BridgeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "bridge",
				Name:      "call_duration_seconds",
				Help:      "Time callers spent waiting on the scheduler loop",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		SnapshotEntities: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "engine",
				Name:      "snapshot_entities_total",
				Help:      "Entities seen in full state snapshots, by result (changed, unchanged, invalid)",
			},
			[]string{"result"},
		),

		HubConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "hub",
				Name:      "connected",
				Help:      "Hub connection status (0=disconnected, 1=connected)",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Errors by component and class",
			},
			[]string{"component", "class"},
		),
	}
}

// RecordEvent counts a dispatched event.
func (m *Metrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.EventsProcessed.WithLabelValues(kind).Inc()
}

// RecordTrigger counts a scheduled trigger invocation.
func (m *Metrics) RecordTrigger(platform string) {
	if m == nil {
		return
	}
	m.TriggersScheduled.WithLabelValues(platform).Inc()
}

// RecordReload counts a reload and sets the loaded rule gauge.
func (m *Metrics) RecordReload(success bool, rules int) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.Reloads.WithLabelValues(outcome).Inc()
	m.RulesLoaded.Set(float64(rules))
}

// SetRulesLoaded updates the loaded rule gauge.
func (m *Metrics) SetRulesLoaded(rules int) {
	if m == nil {
		return
	}
	m.RulesLoaded.Set(float64(rules))
}

// RecordBridgeCall records the outcome and wait time of a bridge call.
func (m *Metrics) RecordBridgeCall(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.BridgeCalls.WithLabelValues(operation, outcome).Inc()
	m.BridgeDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordSnapshotEntity counts one entity of a state snapshot.
func (m *Metrics) RecordSnapshotEntity(result string) {
	if m == nil {
		return
	}
	m.SnapshotEntities.WithLabelValues(result).Inc()
}

// RecordHubConnected updates the hub connection gauge.
func (m *Metrics) RecordHubConnected(connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.HubConnected.Set(value)
}

// RecordError counts an error.
func (m *Metrics) RecordError(component, class string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, class).Inc()
}

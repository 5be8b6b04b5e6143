package hub

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kidhasmoxy/otto-engine/metric"
)

// Metrics counts hub traffic. Create it once per process with NewMetrics and
// share it between the clients and readers of successive connection cycles.
// A nil *Metrics records nothing.
type Metrics struct {
	framesReceived  *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	commandsSent    *prometheus.CounterVec
	connectAttempts prometheus.Counter
	core            *metric.Metrics
}

// NewMetrics registers the hub metrics. A nil registry disables them.
func NewMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &Metrics{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "hub",
			Name:      "frames_received_total",
			Help:      "Frames read from the hub, by decoded kind",
		}, []string{"kind"}),

		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "hub",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped, by reason (parse, missing_type, missing_field, failed_result)",
		}, []string{"reason"}),

		commandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "hub",
			Name:      "commands_sent_total",
			Help:      "Commands sent to the hub, by type",
		}, []string{"type"}),

		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "hub",
			Name:      "connect_attempts_total",
			Help:      "Websocket dial attempts",
		}),

		core: registry.CoreMetrics(),
	}

	if err := registry.RegisterCounterVec("hub", "frames_received", m.framesReceived); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("hub", "frames_dropped", m.framesDropped); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("hub", "commands_sent", m.commandsSent); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("hub", "connect_attempts", m.connectAttempts); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordFrame(kind Kind) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) recordDrop(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
	m.core.RecordError("hub", "invalid")
}

func (m *Metrics) recordCommand(cmdType string) {
	if m == nil {
		return
	}
	m.commandsSent.WithLabelValues(cmdType).Inc()
}

func (m *Metrics) recordConnectAttempt() {
	if m == nil {
		return
	}
	m.connectAttempts.Inc()
}

func (m *Metrics) recordConnected(connected bool) {
	if m == nil {
		return
	}
	m.core.RecordHubConnected(connected)
}

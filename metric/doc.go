// Package metric exposes the engine's Prometheus metrics.
//
// MetricsRegistry wraps a private prometheus.Registry with the engine metrics
// (Metrics) already registered. Components with their own metrics, such as the
// hub reader, register them through the MetricsRegistrar interface under their
// component name. Server serves the registry with promhttp.
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry)
//	go server.Run(ctx)
//
//	registry.CoreMetrics().RecordReload(true, 12)
//
// A nil *Metrics records nothing, so components accept a nil registry to run
// with metrics disabled.
package metric

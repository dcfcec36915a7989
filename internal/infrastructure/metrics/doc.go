// Package metrics exposes device manager counters to Prometheus.
//
// The Registry implements device.Metrics, so the lifecycle service and
// the notifier report into it directly:
//
//	devicemanager_lifecycle_operations_total{operation,outcome}
//	devicemanager_event_publishes_total{kind,ok}
//
// Go runtime and process collectors are registered alongside. The API
// server mounts Handler on /metrics.
package metrics

package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// namespace prefixes every metric name.
const namespace = "devicemanager"

// Registry owns the Prometheus registry and the lifecycle collectors.
//
// It implements device.Metrics.
type Registry struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	publishes  *prometheus.CounterVec
}

// NewRegistry creates a registry with lifecycle counters and the Go
// runtime and process collectors.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_operations_total",
			Help:      "Lifecycle operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publishes_total",
			Help:      "Lifecycle event publishes by event kind and success.",
		}, []string{"kind", "ok"}),
	}

	r.registry.MustRegister(
		r.operations,
		r.publishes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// ObserveOperation counts one lifecycle operation. outcome is "ok" or an
// error kind such as "NotFound".
func (r *Registry) ObserveOperation(op, outcome string) {
	r.operations.WithLabelValues(op, outcome).Inc()
}

// ObservePublish counts one event publish attempt.
func (r *Registry) ObservePublish(kind string, ok bool) {
	r.publishes.WithLabelValues(kind, strconv.FormatBool(ok)).Inc()
}

// Prometheus returns the underlying registry.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector exports operation latency and result counts to a
// Prometheus registry. It keeps an in-memory summary as well so Snapshot keeps
// working for the JSON metrics route.
type PrometheusCollector struct {
	*InMemoryCollector
	registry  *prometheus.Registry
	opLatency *prometheus.HistogramVec
	results   *prometheus.CounterVec
}

func NewPrometheusCollector() *PrometheusCollector {
	c := &PrometheusCollector{
		InMemoryCollector: NewInMemoryCollector(),
		registry:          prometheus.NewRegistry(),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imgmatch_operation_latency_seconds",
			Help:    "Latency of search service operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "status"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imgmatch_operation_results_total",
			Help: "Records returned or affected by search service operations",
		}, []string{"op"}),
	}
	c.registry.MustRegister(c.opLatency, c.results)
	return c
}

func (c *PrometheusCollector) Record(metrics OpMetrics) {
	c.InMemoryCollector.Record(metrics)

	status := "success"
	if !metrics.Success {
		status = "error"
	}
	c.opLatency.WithLabelValues(metrics.Op, status).Observe(metrics.Duration.Seconds())
	c.results.WithLabelValues(metrics.Op).Add(float64(max(metrics.Results, 0)))
}

// Handler serves the registry in the Prometheus text format.
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for callers that add their own
// collectors.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

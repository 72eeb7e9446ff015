// Package metrics exposes gateway metrics in the Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "annon"

// DefaultBuckets are latency histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Phases of a request timed by RecordLatency.
const (
	PhaseGateway  = "gateway"
	PhaseUpstream = "upstream"
	PhaseTotal    = "total"
)

// Collector owns a registry and the gateway metric vectors. Each gateway
// instance has its own, so tests never share state.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	upstreamErrors    *prometheus.CounterVec
	configEvents      *prometheus.CounterVec
	apisIndexed       prometheus.Gauge
	panicsRecovered   *prometheus.CounterVec
	requestLogDropped prometheus.Counter
}

// NewCollector creates a collector with Go runtime and process metrics
// registered alongside the gateway ones.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Requests handled by monitored APIs",
			},
			[]string{"api", "method", "status", "halted_by", "tags"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request latency split by phase",
				Buckets:   DefaultBuckets,
			},
			[]string{"api", "phase", "tags"},
		),
		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_errors_total",
				Help:      "Upstream calls that failed, by error kind",
			},
			[]string{"api", "kind"},
		),
		configEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_events_total",
				Help:      "Configuration change events applied to the match cache",
			},
			[]string{"type", "result"},
		),
		apisIndexed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "apis_indexed",
			Help:      "APIs currently served by the match cache",
		}),
		panicsRecovered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "panic_recoveries_total",
				Help:      "Panics recovered at the HTTP boundary",
			},
			[]string{"component"},
		),
		requestLogDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_log_dropped_total",
			Help:      "Request log records dropped because the sink buffer was full",
		}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requestsTotal,
		c.requestDuration,
		c.upstreamErrors,
		c.configEvents,
		c.apisIndexed,
		c.panicsRecovered,
		c.requestLogDropped,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordRequest counts a completed request.
func (c *Collector) RecordRequest(api, method string, status int, haltedBy, tags string) {
	c.requestsTotal.WithLabelValues(api, method, strconv.Itoa(status), haltedBy, tags).Inc()
}

// RecordLatency observes the duration of one phase. Zero durations of the
// upstream phase mean the upstream was not called and are skipped.
func (c *Collector) RecordLatency(api, phase, tags string, d time.Duration) {
	if phase == PhaseUpstream && d <= 0 {
		return
	}
	c.requestDuration.WithLabelValues(api, phase, tags).Observe(d.Seconds())
}

// RecordUpstreamError counts a failed upstream call.
func (c *Collector) RecordUpstreamError(api, kind string) {
	c.upstreamErrors.WithLabelValues(api, kind).Inc()
}

// RecordConfigEvent counts a change event and whether it was applied.
func (c *Collector) RecordConfigEvent(eventType string, err error) {
	result := "applied"
	if err != nil {
		result = "failed"
	}
	c.configEvents.WithLabelValues(eventType, result).Inc()
}

// SetAPIsIndexed sets the number of served APIs.
func (c *Collector) SetAPIsIndexed(n int) {
	c.apisIndexed.Set(float64(n))
}

// RecordPanic counts a recovered panic.
func (c *Collector) RecordPanic(component string) {
	c.panicsRecovered.WithLabelValues(component).Inc()
}

// RecordLogDropped counts a request log record lost to backpressure.
func (c *Collector) RecordLogDropped() {
	c.requestLogDropped.Inc()
}

// Handler serves the registry in the exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

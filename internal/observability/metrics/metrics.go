// Package metrics exposes a Prometheus registry for the host process:
// orchestrator dispatch calls, event-bus drops, and scheduled-run outcomes
// (spec §4.5, §4.6). The teacher carries OpenTelemetry tracing
// (internal/observability/tracing) but no metrics registry of its own; this
// fills that gap the way owulveryck-agenthub's broker instruments its event
// pipeline, adapted onto github.com/prometheus/client_golang's promauto/
// promhttp idiom since that is the dependency actually wired into this
// module rather than an OTel metrics exporter bridge.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every counter/histogram the host records. A nil *Registry
// is valid and every method on it is then a no-op, so instrumentation call
// sites never need a nil check of their own.
type Registry struct {
	reg *prometheus.Registry

	dispatchCallsTotal   *prometheus.CounterVec
	dispatchDurationSecs *prometheus.HistogramVec
	busEventsPublished   *prometheus.CounterVec
	busEventsDropped     *prometheus.CounterVec
	scheduleRunsTotal    *prometheus.CounterVec
	scheduleRunDurationS *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDurationS *prometheus.HistogramVec
}

// New builds a Registry backed by its own prometheus.Registry, so the host's
// metrics never mix with the default global registry's process/Go
// collectors registered by other packages under test.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		reg: reg,

		dispatchCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "a2ahost_agent_dispatch_calls_total",
			Help: "Total number of remote agent dispatch calls made by the orchestrator.",
		}, []string{"agent", "outcome"}),

		dispatchDurationSecs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "a2ahost_agent_dispatch_duration_seconds",
			Help:    "Duration of a single remote agent dispatch call.",
			Buckets: prometheus.DefBuckets,
		}, []string{"agent"}),

		busEventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "a2ahost_bus_events_published_total",
			Help: "Total number of events published to the event bus.",
		}, []string{"event_type"}),

		busEventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "a2ahost_bus_events_dropped_total",
			Help: "Total number of events dropped because a subscriber mailbox was full.",
		}, []string{"event_type"}),

		scheduleRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "a2ahost_schedule_runs_total",
			Help: "Total number of scheduled workflow runs, by outcome.",
		}, []string{"status"}),

		scheduleRunDurationS: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "a2ahost_schedule_run_duration_seconds",
			Help:    "Duration of a scheduled workflow run from fire to completion.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "a2ahost_http_requests_total",
			Help: "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),

		httpRequestDurationS: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "a2ahost_http_request_duration_seconds",
			Help:    "Duration of HTTP requests handled by the API server.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "a2ahost_build_info",
		Help: "Always 1; present so the exporter reports the process is up.",
	}, func() float64 { return 1 })

	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RecordDispatch records one agent dispatch call's outcome and latency
// (spec §4.6 dispatchOne).
func (r *Registry) RecordDispatch(agent string, err error, d time.Duration) {
	if r == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	r.dispatchCallsTotal.WithLabelValues(agent, outcome).Inc()
	r.dispatchDurationSecs.WithLabelValues(agent).Observe(d.Seconds())
}

// RecordBusPublish records one event successfully enqueued to the bus.
func (r *Registry) RecordBusPublish(eventType string) {
	if r == nil {
		return
	}
	r.busEventsPublished.WithLabelValues(eventType).Inc()
}

// RecordBusDrop records one event dropped for a full subscriber mailbox
// (spec: EventBus's coalescing/terminal-delivery/drop policy).
func (r *Registry) RecordBusDrop(eventType string) {
	if r == nil {
		return
	}
	r.busEventsDropped.WithLabelValues(eventType).Inc()
}

// RecordScheduleRun records one scheduled fire's terminal status and
// duration (spec §4.5 Status: success/failed/timeout/skipped_overlap).
func (r *Registry) RecordScheduleRun(status string, d time.Duration) {
	if r == nil {
		return
	}
	r.scheduleRunsTotal.WithLabelValues(status).Inc()
	r.scheduleRunDurationS.WithLabelValues(status).Observe(d.Seconds())
}

// RecordHTTPRequest records one completed HTTP request.
func (r *Registry) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	if r == nil {
		return
	}
	statusLabel := http.StatusText(status)
	if statusLabel == "" {
		statusLabel = "unknown"
	}
	r.httpRequestsTotal.WithLabelValues(method, route, statusLabel).Inc()
	r.httpRequestDurationS.WithLabelValues(method, route).Observe(d.Seconds())
}

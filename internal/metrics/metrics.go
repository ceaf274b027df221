// Package metrics holds the Prometheus collectors for the relay. All
// recording methods are safe on a nil *Collector.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "whisprnet"

// Collector owns a private registry and the relay's metric vectors.
type Collector struct {
	registry *prometheus.Registry

	CallsPlaced         *prometheus.CounterVec
	Callbacks           *prometheus.CounterVec
	SMSSent             *prometheus.CounterVec
	Completions         *prometheus.CounterVec
	Transcriptions      *prometheus.CounterVec
	OutboxEvents        *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates a Collector with its own registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		CallsPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_placed_total",
			Help:      "Outbound emergency calls placed, by result",
		}, []string{"status"}),
		Callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Telephony provider callbacks handled, by route",
		}, []string{"route"}),
		SMSSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sms_sent_total",
			Help:      "Escalation SMS attempts, by stage and result",
		}, []string{"stage", "status"}),
		Completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Language model completions, by task and result",
		}, []string{"task", "status"}),
		Transcriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcriptions_total",
			Help:      "Recording transcriptions, by result",
		}, []string{"status"}),
		OutboxEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_events_total",
			Help:      "Outbox event runs, by kind and outcome",
		}, []string{"kind", "status"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status_code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	reg.MustRegister(
		c.CallsPlaced, c.Callbacks, c.SMSSent, c.Completions,
		c.Transcriptions, c.OutboxEvents, c.HTTPRequestsTotal, c.HTTPRequestDuration,
	)
	return c
}

// Registry exposes the underlying registry for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// CallPlaced counts a call placement attempt.
func (c *Collector) CallPlaced(err error) {
	if c == nil {
		return
	}
	c.CallsPlaced.WithLabelValues(result(err)).Inc()
}

// Callback counts a provider callback by route.
func (c *Collector) Callback(route string) {
	if c == nil {
		return
	}
	c.Callbacks.WithLabelValues(route).Inc()
}

// SMS counts one SMS attempt.
func (c *Collector) SMS(stage string, err error) {
	if c == nil {
		return
	}
	c.SMSSent.WithLabelValues(stage, result(err)).Inc()
}

// Completion counts one model call.
func (c *Collector) Completion(task string, err error) {
	if c == nil {
		return
	}
	c.Completions.WithLabelValues(task, result(err)).Inc()
}

// Transcription counts one transcription.
func (c *Collector) Transcription(err error) {
	if c == nil {
		return
	}
	c.Transcriptions.WithLabelValues(result(err)).Inc()
}

// Outbox counts one outbox event run outcome.
func (c *Collector) Outbox(kind, status string) {
	if c == nil {
		return
	}
	c.OutboxEvents.WithLabelValues(kind, status).Inc()
}

// RecordHTTPRequest records an HTTP request metric.
func (c *Collector) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	c.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

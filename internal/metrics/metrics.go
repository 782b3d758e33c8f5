// Package metrics holds the Prometheus collectors for ISH.
//
// Metrics owns a private registry so tests can create as many instances as
// they like. Handler serves it in the Prometheus text format.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/ish-core/internal/service"
)

const namespace = "ish"

// Session outcomes.
const (
	SessionAuthenticated     = "authenticated"
	SessionAuthInvalid       = "auth_invalid"
	SessionAuthTimeout       = "auth_timeout"
	SessionProtocolViolation = "protocol_violation"
)

// Metrics contains every collector exported by the server.
type Metrics struct {
	Registry *prometheus.Registry

	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	Commands        *prometheus.CounterVec
	ServiceCalls    *prometheus.CounterVec
	ServiceDuration *prometheus.HistogramVec
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
}

// New creates and registers all collectors, including the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "websocket",
				Name:      "sessions_active",
				Help:      "Number of open WebSocket sessions",
			},
		),

		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "websocket",
				Name:      "sessions_total",
				Help:      "WebSocket handshakes by outcome",
			},
			[]string{"outcome"},
		),

		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "websocket",
				Name:      "commands_total",
				Help:      "WebSocket commands handled by type and result",
			},
			[]string{"type", "result"},
		),

		ServiceCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "service",
				Name:      "calls_total",
				Help:      "Service calls by domain, service, source and result",
			},
			[]string{"domain", "service", "source", "result"},
		),

		ServiceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "service",
				Name:      "call_duration_seconds",
				Help:      "Service call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"domain"},
		),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by method, route and status code",
			},
			[]string{"method", "route", "code"},
		),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SessionsActive,
		m.SessionsTotal,
		m.Commands,
		m.ServiceCalls,
		m.ServiceDuration,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// RecordServiceCall implements service.Recorder.
func (m *Metrics) RecordServiceCall(_ context.Context, rec service.Record) error {
	result := "success"
	if !rec.Succeeded() {
		result = "failed"
	}
	m.ServiceCalls.WithLabelValues(rec.Call.Domain, rec.Call.Service, string(rec.Call.Source), result).Inc()
	m.ServiceDuration.WithLabelValues(rec.Call.Domain).Observe(rec.Duration.Seconds())
	return nil
}

// RegisterEntityStats exports the per-domain entity count reported by fn
// at scrape time.
func (m *Metrics) RegisterEntityStats(fn func() map[string]int) error {
	return m.Registry.Register(&entityCollector{stats: fn})
}

var entitiesDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "entity", "count"),
	"Number of entities by domain",
	[]string{"domain"}, nil,
)

type entityCollector struct {
	stats func() map[string]int
}

func (c *entityCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- entitiesDesc
}

func (c *entityCollector) Collect(ch chan<- prometheus.Metric) {
	for domain, n := range c.stats() {
		ch <- prometheus.MustNewConstMetric(entitiesDesc, prometheus.GaugeValue, float64(n), domain)
	}
}

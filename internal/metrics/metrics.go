// Package metrics holds the prometheus collectors for the paste service.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Read results recorded by the paste_reads_total counter. Absent, expired
// and exhausted pastes share ReadNotFound so the endpoint cannot be used to
// tell them apart.
const (
	ReadOK       = "ok"
	ReadNotFound = "not_found"
	ReadError    = "error"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	pastesCreated  prometheus.Counter
	pasteReads     *prometheus.CounterVec
	janitorRemoved prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInflight prometheus.Gauge
}

// New creates the collectors and registers them on reg.
// Registering twice on the same registry panics, so callers own the registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pastesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pastebin",
			Name:      "pastes_created_total",
			Help:      "Pastes successfully created.",
		}),
		pasteReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pastebin",
			Name:      "paste_reads_total",
			Help:      "Consuming reads by outcome.",
		}, []string{"result"}),
		janitorRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pastebin",
			Name:      "janitor_removed_total",
			Help:      "Expired pastes physically deleted by the janitor.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route pattern and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency distributions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		httpInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.pastesCreated,
			m.pasteReads,
			m.janitorRemoved,
			m.httpRequests,
			m.httpDuration,
			m.httpInflight,
		)
	}
	return m
}

// PasteCreated counts one stored paste.
func (m *Metrics) PasteCreated() {
	if m == nil {
		return
	}
	m.pastesCreated.Inc()
}

// PasteRead counts a consuming read under one of the Read* results.
func (m *Metrics) PasteRead(result string) {
	if m == nil {
		return
	}
	m.pasteReads.WithLabelValues(result).Inc()
}

// JanitorRemoved adds n physically deleted pastes.
func (m *Metrics) JanitorRemoved(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.janitorRemoved.Add(float64(n))
}

// RequestStarted bumps the in-flight gauge and returns a func that records
// the finished request.
func (m *Metrics) RequestStarted() func(method, route string, status int) {
	if m == nil {
		return func(string, string, int) {}
	}
	start := time.Now()
	m.httpInflight.Inc()
	return func(method, route string, status int) {
		m.httpInflight.Dec()
		if route == "" {
			route = "UNMATCHED"
		}
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

package metrics

import (
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.PasteCreated()
	m.PasteCreated()
	m.PasteRead(ReadOK)
	m.PasteRead(ReadNotFound)
	m.PasteRead(ReadNotFound)
	m.JanitorRemoved(3)
	m.JanitorRemoved(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.pastesCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pasteReads.WithLabelValues(ReadOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.pasteReads.WithLabelValues(ReadNotFound)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.janitorRemoved))
}

func TestRequestStarted(t *testing.T) {
	m := New(prometheus.NewRegistry())

	done := m.RequestStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpInflight))
	done(http.MethodGet, "/pastes/{id}", http.StatusOK)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.httpInflight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodGet, "/pastes/{id}", "200")))

	m.RequestStarted()(http.MethodPost, "", http.StatusNotFound)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodPost, "UNMATCHED", "404")))
}

func TestRegistersEveryCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.PasteRead(ReadOK)
	m.RequestStarted()(http.MethodGet, "/healthz", http.StatusOK)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"pastebin_pastes_created_total",
		"pastebin_paste_reads_total",
		"pastebin_janitor_removed_total",
		"http_requests_total",
		"http_request_duration_seconds",
		"http_inflight_requests",
	} {
		assert.True(t, names[want], "missing %s", want)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.PasteCreated()
		m.PasteRead(ReadError)
		m.JanitorRemoved(1)
		m.RequestStarted()(http.MethodGet, "/", http.StatusOK)
	})
}

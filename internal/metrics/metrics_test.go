package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCountersAreExposed(t *testing.T) {
	m := New()
	m.IncOutageCreated()
	m.IncOutageResolved("resolved")
	m.IncOutageResolved("re_resolved")
	m.IncSMS("sent")
	m.IncSMS("sent")
	m.IncSMS("failed")
	m.ObserveSMSLatency(120 * time.Millisecond)
	m.ObserveFanOut("outage", time.Second)
	m.ObserveHTTP(http.MethodPost, http.StatusCreated, 5*time.Millisecond)
	m.IncWebhook("delivered")

	out := scrape(t, m)
	assert.Contains(t, out, "powerline_outages_created_total 1")
	assert.Contains(t, out, `powerline_outages_resolved_total{outcome="re_resolved"} 1`)
	assert.Contains(t, out, `powerline_sms_sends_total{result="sent"} 2`)
	assert.Contains(t, out, `powerline_sms_sends_total{result="failed"} 1`)
	assert.Contains(t, out, `powerline_http_requests_total{code="201",method="POST"} 1`)
	assert.Contains(t, out, `powerline_fanout_duration_seconds_count{kind="outage"} 1`)
	assert.Contains(t, out, `powerline_webhook_deliveries_total{result="delivered"} 1`)
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.IncOutageCreated()
	assert.Contains(t, scrape(t, a), "powerline_outages_created_total 1")
	assert.Contains(t, scrape(t, b), "powerline_outages_created_total 0")
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncOutageCreated()
		m.IncOutageResolved("noop")
		m.IncSMS("sent")
		m.ObserveSMSLatency(time.Second)
		m.ObserveFanOut("restored", time.Second)
		m.ObserveHTTP(http.MethodGet, http.StatusOK, time.Millisecond)
		m.IncWebhook("failed")
	})
}

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	OutagesCreated  prometheus.Counter
	OutagesResolved *prometheus.CounterVec
	SMSSends        *prometheus.CounterVec
	SMSLatency      prometheus.Histogram
	FanOutLatency   *prometheus.HistogramVec
	HTTPRequests    *prometheus.CounterVec
	HTTPLatency     *prometheus.HistogramVec
	WebhookSends    *prometheus.CounterVec
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		OutagesCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "powerline_outages_created_total",
			Help: "Total number of outages reported",
		}),
		OutagesResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "powerline_outages_resolved_total",
			Help: "Resolve calls by outcome",
		}, []string{"outcome"}), // outcome: "resolved", "re_resolved", "noop"
		SMSSends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "powerline_sms_sends_total",
			Help: "SMS send attempts by result",
		}, []string{"result"}), // result: "sent", "failed", "unconfigured"
		SMSLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "powerline_sms_send_duration_seconds",
			Help:    "Duration of a single provider call",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		FanOutLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "powerline_fanout_duration_seconds",
			Help:    "Duration of a village fan-out",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"kind"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "powerline_http_requests_total",
			Help: "HTTP requests by method and status code",
		}, []string{"method", "code"}),
		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "powerline_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		WebhookSends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "powerline_webhook_deliveries_total",
			Help: "Webhook deliveries by result",
		}, []string{"result"}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncOutageCreated() {
	if m != nil {
		m.OutagesCreated.Inc()
	}
}

func (m *Metrics) IncOutageResolved(outcome string) {
	if m != nil {
		m.OutagesResolved.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncSMS(result string) {
	if m != nil {
		m.SMSSends.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ObserveSMSLatency(d time.Duration) {
	if m != nil {
		m.SMSLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveFanOut(kind string, d time.Duration) {
	if m != nil {
		m.FanOutLatency.WithLabelValues(kind).Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveHTTP(method string, code int, d time.Duration) {
	if m != nil {
		m.HTTPRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
		m.HTTPLatency.WithLabelValues(method).Observe(d.Seconds())
	}
}

func (m *Metrics) IncWebhook(result string) {
	if m != nil {
		m.WebhookSends.WithLabelValues(result).Inc()
	}
}

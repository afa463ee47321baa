// Package metrics holds the Prometheus collectors of the CRM.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector. A nil *Metrics records nothing.
type Metrics struct {
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	inboundMessages  *prometheus.CounterVec
	outboundMessages *prometheus.CounterVec
	providerCalls    *prometheus.HistogramVec
	commissions      *prometheus.CounterVec
	commissionAmount *prometheus.CounterVec
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobLastSuccess   *prometheus.GaugeVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ecocrm_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ecocrm_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		inboundMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ecocrm_inbound_messages_total",
			Help: "Inbound channel messages by outcome",
		}, []string{"channel", "outcome"}),
		outboundMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ecocrm_outbound_messages_total",
			Help: "Outbound channel messages by outcome",
		}, []string{"channel", "outcome"}),
		providerCalls: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ecocrm_provider_call_duration_seconds",
			Help:    "Channel provider call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel", "operation"}),
		commissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ecocrm_commissions_total",
			Help: "Commission calculations by type and outcome",
		}, []string{"type", "outcome"}),
		commissionAmount: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ecocrm_commission_amount_total",
			Help: "Sum of persisted commission amounts",
		}, []string{"type"}),
		jobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ecocrm_job_runs_total",
			Help: "Scheduled job runs by status",
		}, []string{"job", "status"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ecocrm_job_duration_seconds",
			Help:    "Scheduled job run time",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900},
		}, []string{"job"}),
		jobLastSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ecocrm_job_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run",
		}, []string{"job"}),
	}
}

func (m *Metrics) HTTPRequest(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) Inbound(channel, outcome string) {
	if m == nil {
		return
	}
	m.inboundMessages.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) Outbound(channel, outcome string) {
	if m == nil {
		return
	}
	m.outboundMessages.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) ProviderCall(channel, operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(channel, operation).Observe(d.Seconds())
}

func (m *Metrics) Commission(kind, outcome string, amount float64) {
	if m == nil {
		return
	}
	m.commissions.WithLabelValues(kind, outcome).Inc()
	if amount > 0 {
		m.commissionAmount.WithLabelValues(kind).Add(amount)
	}
}

func (m *Metrics) JobRun(job, status string, d time.Duration, finished time.Time) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, status).Inc()
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
	if status == "success" {
		m.jobLastSuccess.WithLabelValues(job).Set(float64(finished.Unix()))
	}
}

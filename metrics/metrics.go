// Package metrics provides Prometheus instrumentation for signing operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all gopades metrics.
	Namespace = "gopades"

	// Label names
	LabelStatus  = "status"
	LabelReason  = "reason"
	LabelOutcome = "outcome"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// Metrics holds the collectors of one engine instance. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	SignaturesTotal        *prometheus.CounterVec
	SignDuration           prometheus.Histogram
	TimestampRequestsTotal *prometheus.CounterVec
	LoginFailuresTotal     *prometheus.CounterVec
	BatchItemsTotal        *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg creates
// unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SignaturesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "signatures_total",
				Help:      "Total number of signing attempts by status",
			},
			[]string{LabelStatus},
		),
		SignDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "sign_duration_seconds",
				Help:      "Duration of complete signing pipelines in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		TimestampRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "timestamp_requests_total",
				Help:      "Total number of RFC 3161 requests by status",
			},
			[]string{LabelStatus},
		),
		LoginFailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "login_failures_total",
				Help:      "Total number of failed token logins by reason",
			},
			[]string{LabelReason},
		),
		BatchItemsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "batch_items_total",
				Help:      "Total number of processed batch items by outcome",
			},
			[]string{LabelOutcome},
		),
	}
}

// RecordSignature records the status and duration of one signing pipeline.
func (m *Metrics) RecordSignature(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.SignaturesTotal.WithLabelValues(status).Inc()
	m.SignDuration.Observe(d.Seconds())
}

// RecordTimestamp records one timestamp request.
func (m *Metrics) RecordTimestamp(status string) {
	if m == nil {
		return
	}
	m.TimestampRequestsTotal.WithLabelValues(status).Inc()
}

// RecordLoginFailure records a failed login.
func (m *Metrics) RecordLoginFailure(reason string) {
	if m == nil {
		return
	}
	m.LoginFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordBatchItem records the outcome of one batch item.
func (m *Metrics) RecordBatchItem(outcome string) {
	if m == nil {
		return
	}
	m.BatchItemsTotal.WithLabelValues(outcome).Inc()
}

// WriteTextfile writes the metrics gathered by g in the text exposition format.
func WriteTextfile(g prometheus.Gatherer, path string) error {
	return prometheus.WriteToTextfile(path, g)
}

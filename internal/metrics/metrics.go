// Package metrics exposes Prometheus series for SDK activity. Every consumer
// nil-guards its handle so metrics stay optional.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the SDK.
type Metrics struct {
	// Event metrics
	EventsTracked *prometheus.CounterVec
	EventsDropped *prometheus.CounterVec

	// Targeting metrics
	CampaignsEvaluated prometheus.Counter
	CampaignsMatched   *prometheus.CounterVec
	CampaignsSkipped   *prometheus.CounterVec

	// Scheduler metrics
	MessagesScheduled   prometheus.Counter
	MessagesShown       prometheus.Counter
	MessagesDropped     *prometheus.CounterVec
	MessagesDescheduled prometheus.Counter

	// Storage metrics
	StorageLatency  *prometheus.HistogramVec
	StorageFailures *prometheus.CounterVec

	// Command metrics
	CommandsDispatched *prometheus.CounterVec
	CommandsRejected   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		EventsTracked: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_tracked_total",
				Help:      "Total number of events tracked",
			},
			[]string{"internal"},
		),
		EventsDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Total number of events dropped before shipping",
			},
			[]string{"reason"},
		),
		CampaignsEvaluated: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "campaigns_evaluated_total",
				Help:      "Total number of campaign eligibility evaluations",
			},
		),
		CampaignsMatched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "campaigns_matched_total",
				Help:      "Total number of campaigns that passed all eligibility checks",
			},
			[]string{"campaign_id"},
		),
		CampaignsSkipped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "campaigns_skipped_total",
				Help:      "Total number of campaigns skipped, by failed criterion",
			},
			[]string{"criterion"},
		),
		MessagesScheduled: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_scheduled_total",
				Help:      "Total number of in-web messages scheduled",
			},
		),
		MessagesShown: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_shown_total",
				Help:      "Total number of in-web messages rendered",
			},
		),
		MessagesDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_dropped_total",
				Help:      "Total number of messages dropped before rendering",
			},
			[]string{"reason"},
		),
		MessagesDescheduled: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_descheduled_total",
				Help:      "Total number of pending messages cancelled",
			},
		),
		StorageLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "storage_op_duration_seconds",
				Help:      "Persistent store operation latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		StorageFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_failures_total",
				Help:      "Total number of persistent store failures",
			},
			[]string{"op"},
		),
		CommandsDispatched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_dispatched_total",
				Help:      "Total number of SDK commands dispatched",
			},
			[]string{"kind", "mode"},
		),
		CommandsRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_rejected_total",
				Help:      "Total number of SDK commands rejected without executing",
			},
			[]string{"kind", "state"},
		),
	}
}

// RecordStorageOp observes one store operation.
func (m *Metrics) RecordStorageOp(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.StorageLatency.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		m.StorageFailures.WithLabelValues(op).Inc()
	}
}

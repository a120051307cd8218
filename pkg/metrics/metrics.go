package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesCreated counts accepted messages by group.
	MessagesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxd_messages_created_total",
			Help: "Total number of messages accepted for delivery",
		},
		[]string{"group"},
	)

	// MessagesFannedOut counts fan-out passes by outcome (expanded|hidden).
	MessagesFannedOut = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxd_messages_fanned_out_total",
			Help: "Total number of messages expanded into delivery records",
		},
		[]string{"outcome"},
	)

	// Deliveries counts finished delivery attempts by channel and terminal status.
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxd_deliveries_total",
			Help: "Total number of delivery attempts by terminal status",
		},
		[]string{"channel", "status"},
	)

	// RetentionDeletions counts messages removed by maintenance, by rule
	// (max_age|max_count) and mode (soft|hard).
	RetentionDeletions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxd_retention_deletions_total",
			Help: "Total number of messages removed by retention maintenance",
		},
		[]string{"rule", "mode"},
	)

	// BatchFailures counts background batch runs that ended in error.
	BatchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxd_batch_failures_total",
			Help: "Total number of failed background batch runs",
		},
		[]string{"job"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inboxd_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

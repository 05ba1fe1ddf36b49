package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StateTransitions tracks job state transitions by edge
	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archivista_state_transitions_total",
			Help: "Total number of job state transitions",
		},
		[]string{"from", "to"},
	)

	// ProcessingFailures tracks classified failures
	ProcessingFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archivista_processing_failures_total",
			Help: "Total number of classified processing failures",
		},
		[]string{"category", "severity"},
	)

	// RetriesScheduled tracks scheduled retry attempts
	RetriesScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archivista_retries_scheduled_total",
			Help: "Total number of retries scheduled",
		},
		[]string{"category"},
	)

	// Quarantined tracks documents moved to quarantine
	Quarantined = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "archivista_quarantined_total",
			Help: "Total number of documents quarantined",
		},
	)

	// StaleReports tracks late worker reports discarded after cancellation
	StaleReports = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "archivista_stale_reports_total",
			Help: "Total number of stale worker reports discarded",
		},
	)

	// JobsByState tracks the current number of jobs per state
	JobsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "archivista_jobs_by_state",
			Help: "Current number of jobs per state",
		},
		[]string{"state"},
	)

	// ProcessingDuration tracks end-to-end processing duration
	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "archivista_processing_duration_seconds",
			Help:    "Document processing duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// AlertsFired tracks alerts emitted per rule
	AlertsFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archivista_alerts_fired_total",
			Help: "Total number of alerts fired",
		},
		[]string{"rule"},
	)
)

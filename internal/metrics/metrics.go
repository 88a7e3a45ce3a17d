// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksSubmittedTotal counts tasks accepted by the engine, by kind.
	TasksSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otokura_tasks_submitted_total",
			Help: "Total number of tasks submitted to the engine",
		},
		[]string{"kind"},
	)

	// TasksCompletedTotal counts finished tasks by kind and final status.
	TasksCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otokura_tasks_completed_total",
			Help: "Total number of tasks reaching a terminal status",
		},
		[]string{"kind", "status"},
	)

	// TasksActive tracks tasks currently held by workers.
	TasksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "otokura_tasks_active",
			Help: "Number of tasks currently being processed",
		},
	)

	// TaskDurationSeconds measures wall time from start to terminal status.
	TaskDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "otokura_task_duration_seconds",
			Help:    "Task processing duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2h
		},
		[]string{"kind"},
	)

	// ExtractionsTotal counts archive extractions by outcome.
	ExtractionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otokura_extractions_total",
			Help: "Total number of archive extractions",
		},
		[]string{"outcome"},
	)

	// PasswordAttemptsTotal counts extraction password attempts by source.
	PasswordAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otokura_password_attempts_total",
			Help: "Total number of passwords tried against archives",
		},
		[]string{"source", "outcome"},
	)

	// ConflictsTotal counts conflict records created, by kind.
	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otokura_conflicts_total",
			Help: "Total number of conflict records created",
		},
		[]string{"kind"},
	)

	// WatcherSubmissionsTotal counts archives the watcher handed to the engine.
	WatcherSubmissionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "otokura_watcher_submissions_total",
			Help: "Total number of archives submitted by the input watcher",
		},
	)

	// CatalogRequestsTotal counts catalog lookups by outcome.
	CatalogRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otokura_catalog_requests_total",
			Help: "Total number of catalog metadata requests",
		},
		[]string{"outcome"},
	)

	// SweepDeletionsTotal counts rows removed by the cleanup sweepers.
	SweepDeletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otokura_sweep_deletions_total",
			Help: "Total number of entries deleted by cleanup sweepers",
		},
		[]string{"sweeper"},
	)

	// SweepFreedBytesTotal counts bytes freed by the archive sweeper.
	SweepFreedBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "otokura_sweep_freed_bytes_total",
			Help: "Total bytes freed by the processed archive sweeper",
		},
	)

	// LibraryWorks tracks the number of works in the library snapshot.
	LibraryWorks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "otokura_library_works",
			Help: "Number of works recorded in the library snapshot",
		},
	)
)

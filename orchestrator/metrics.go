package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	importOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkload_import_outcomes_total",
		Help: "Finished import attempts by outcome",
	}, []string{"outcome"})

	importRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bulkload_import_retries_total",
		Help: "Automatic enlarge-and-retry cycles",
	})

	workerDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bulkload_worker_duration_seconds",
		Help:    "Wall time of bulk-load workers, from launch to exit",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 300, 900, 1800, 3600},
	}, []string{"mode"})

	actionFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkload_action_failures_total",
		Help: "Pipeline actions that returned an error",
	}, []string{"action"})

	backupDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bulkload_backup_duration_seconds",
		Help:    "Time to archive the target files before an import",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
	})
)

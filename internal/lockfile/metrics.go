package lockfile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	acquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treeops_lockfile_acquisitions_total",
			Help: "Number of lock acquisition attempts by final status.",
		},
		[]string{"status"},
	)

	retriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "treeops_lockfile_retries_total",
			Help: "Number of contended lock attempts that were retried.",
		},
	)

	staleReclaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treeops_lockfile_stale_reclaims_total",
			Help: "Number of lock files removed because they went stale.",
		},
		[]string{"reason"},
	)

	acquireWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "treeops_lockfile_acquire_wait_seconds",
			Help:    "Time spent waiting to acquire a repository lock.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 60},
		},
	)
)

package txlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rollbackFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "treeops_txlog_rollback_failures_total",
		Help: "Number of rollback operations that failed, by operation kind.",
	},
	[]string{"kind"},
)

package rebaser

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeApplied   = "applied"
	outcomeNoop      = "noop"
	outcomeConflicts = "conflicts"
	outcomeFailed    = "failed"
	outcomeRejected  = "rejected"
)

var (
	rebasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_rebaser_rebases_total",
		Help: "Rebase requests by outcome",
	}, []string{"outcome"})

	rebaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strata_rebaser_rebase_duration_seconds",
		Help:    "Time spent handling a rebase request",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	conflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_rebaser_conflicts_total",
		Help: "Conflicts reported to callers by kind",
	}, []string{"kind"})

	graphCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_rebaser_graph_cache_lookups_total",
		Help: "Decoded snapshot cache lookups by result",
	}, []string{"result"})
)

package layerdb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	tierMemory  = "memory"
	tierDisk    = "disk"
	tierDurable = "durable"

	evictCapacity = "capacity"
	evictRemoved  = "removed"
)

var (
	// lookupsTotal counts reads by db, the tier that answered and the outcome
	lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_layerdb_lookups_total",
		Help: "LayerDb reads by db, tier and result",
	}, []string{"db", "tier", "result"})

	memoryEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_layerdb_memory_evictions_total",
		Help: "Entries dropped from the memory tier, by capacity pressure or by an evict",
	}, []string{"db", "cause"})

	persisterQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strata_layerdb_persister_queue_depth",
		Help: "Events waiting in persister partitions",
	})

	persisterTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_layerdb_persister_tasks_total",
		Help: "Persister tasks by event kind and result",
	}, []string{"kind", "result"})

	persisterTaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strata_layerdb_persister_task_duration_seconds",
		Help:    "Time from dequeue to durable acknowledgement",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"kind"})

	remoteEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_layerdb_remote_events_total",
		Help: "Events received from other instances by kind and result",
	}, []string{"kind", "result"})
)

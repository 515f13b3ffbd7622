package naming

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"dfs"
)

// namingMetrics is kept per server on its own registry, so that several
// naming servers can live in one process.
type namingMetrics struct {
	registry *prometheus.Registry

	Operations          *prometheus.CounterVec // op, code
	LockWaitLatencies   *prometheus.HistogramVec
	ReplicationTasks    *prometheus.CounterVec // kind, result
	ReplicationDropped  prometheus.Counter
	RegisteredStorage   prometheus.Gauge
	ReplicasPerFileSeen prometheus.Histogram
}

func newNamingMetrics() *namingMetrics {
	m := &namingMetrics{
		registry: prometheus.NewRegistry(),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dfs_naming_operations_total",
			Help: "Naming operations by operation and result code",
		}, []string{"op", "code"}),
		LockWaitLatencies: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dfs_naming_lock_wait_seconds",
			Help:    "Time between a lock request and its grant",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		ReplicationTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dfs_naming_replication_tasks_total",
			Help: "Finished replication and invalidation tasks by result",
		}, []string{"kind", "result"}),
		ReplicationDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dfs_naming_replication_dropped_total",
			Help: "Replication tasks dropped because the queue was full",
		}),
		RegisteredStorage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dfs_naming_registered_storage_servers",
			Help: "Number of registered storage servers",
		}),
		ReplicasPerFileSeen: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dfs_naming_replicas_after_task",
			Help:    "Number of hosts of a file once a replication task finished",
			Buckets: prometheus.LinearBuckets(1, 1, 8),
		}),
	}
	m.registry.MustRegister(
		m.Operations,
		m.LockWaitLatencies,
		m.ReplicationTasks,
		m.ReplicationDropped,
		m.RegisteredStorage,
		m.ReplicasPerFileSeen,
	)
	return m
}

func (m *namingMetrics) operation(op string, err error) {
	m.Operations.WithLabelValues(op, dfs.CodeOf(err).String()).Inc()
}

func (m *namingMetrics) lockWait(exclusive bool, since time.Time) {
	m.LockWaitLatencies.WithLabelValues(lockMode(exclusive)).Observe(time.Since(since).Seconds())
}

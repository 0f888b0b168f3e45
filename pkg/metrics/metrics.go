// Package metrics exposes Prometheus instrumentation for the engine.
//
// Metrics are opt-in: until InitRegistry is called every recording function
// is a no-op, so library users who do not want Prometheus pay nothing.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
	m        *engineMetrics
)

type engineMetrics struct {
	documentsActive    prometheus.Gauge
	documentsCreated   prometheus.Counter
	documentsRestored  prometheus.Counter
	documentsEvicted   prometheus.Counter
	connectionsActive  prometheus.Gauge
	connectionsTotal   prometheus.Counter
	transactionsTotal  *prometheus.CounterVec
	versionGaps        prometheus.Counter
	snapshotSaves      *prometheus.CounterVec
	snapshotSaveTime   prometheus.Histogram
	broadcastsTotal    prometheus.Counter
	presenceUpdates    prometheus.Counter
	rpcForwardsTotal   *prometheus.CounterVec
	rpcForwardDuration prometheus.Histogram
}

// InitRegistry creates the metrics registry and registers all collectors.
// Safe to call more than once; later calls are no-ops.
func InitRegistry() {
	mu.Lock()
	defer mu.Unlock()

	if registry != nil {
		return
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m = &engineMetrics{
		documentsActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "mimic_documents_active",
			Help: "Number of documents currently materialized in memory",
		}),
		documentsCreated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mimic_documents_created_total",
			Help: "Documents materialized without a prior snapshot",
		}),
		documentsRestored: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mimic_documents_restored_total",
			Help: "Documents materialized from a cold storage snapshot",
		}),
		documentsEvicted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mimic_documents_evicted_total",
			Help: "Documents evicted after exceeding the idle threshold",
		}),
		connectionsActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "mimic_connections_active",
			Help: "Currently open WebSocket connections",
		}),
		connectionsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mimic_connections_total",
			Help: "Total accepted WebSocket connections",
		}),
		transactionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "mimic_transactions_total",
			Help: "Submitted transactions by outcome",
		}, []string{"outcome"}),
		versionGaps: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mimic_version_gaps_total",
			Help: "Version gaps observed during restore or optimistic append",
		}),
		snapshotSaves: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "mimic_snapshot_saves_total",
			Help: "Snapshot save attempts by status",
		}, []string{"status"}),
		snapshotSaveTime: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "mimic_snapshot_save_duration_milliseconds",
			Help:    "Duration of snapshot saves in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		}),
		broadcastsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mimic_broadcasts_total",
			Help: "Transaction broadcasts published to subscribers",
		}),
		presenceUpdates: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mimic_presence_updates_total",
			Help: "Presence set and remove events",
		}),
		rpcForwardsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "mimic_cluster_rpc_forwards_total",
			Help: "Cluster RPCs forwarded to document owner nodes by status",
		}, []string{"op", "status"}),
		rpcForwardDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "mimic_cluster_rpc_forward_duration_milliseconds",
			Help:    "Duration of forwarded cluster RPCs in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		}),
	}

	registry = reg
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return registry != nil
}

// Handler returns the /metrics HTTP handler. Returns a 404 handler when
// metrics are disabled.
func Handler() http.Handler {
	mu.RLock()
	defer mu.RUnlock()

	if registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func get() *engineMetrics {
	mu.RLock()
	defer mu.RUnlock()
	return m
}

// DocumentCreated records a fresh document materialization.
func DocumentCreated() {
	if em := get(); em != nil {
		em.documentsCreated.Inc()
		em.documentsActive.Inc()
	}
}

// DocumentRestored records a materialization from snapshot.
func DocumentRestored() {
	if em := get(); em != nil {
		em.documentsRestored.Inc()
		em.documentsActive.Inc()
	}
}

// DocumentEvicted records an idle eviction.
func DocumentEvicted() {
	if em := get(); em != nil {
		em.documentsEvicted.Inc()
		em.documentsActive.Dec()
	}
}

// DocumentClosed records a runtime dropped outside eviction (shutdown).
func DocumentClosed() {
	if em := get(); em != nil {
		em.documentsActive.Dec()
	}
}

// ConnectionOpened records an accepted WebSocket connection.
func ConnectionOpened() {
	if em := get(); em != nil {
		em.connectionsTotal.Inc()
		em.connectionsActive.Inc()
	}
}

// ConnectionClosed records a finished WebSocket connection.
func ConnectionClosed() {
	if em := get(); em != nil {
		em.connectionsActive.Dec()
	}
}

// TransactionApplied records a successful submit.
func TransactionApplied() {
	if em := get(); em != nil {
		em.transactionsTotal.WithLabelValues("applied").Inc()
		em.broadcastsTotal.Inc()
	}
}

// TransactionRejected records a rejected submit.
func TransactionRejected() {
	if em := get(); em != nil {
		em.transactionsTotal.WithLabelValues("rejected").Inc()
	}
}

// VersionGap records a WAL continuity violation.
func VersionGap() {
	if em := get(); em != nil {
		em.versionGaps.Inc()
	}
}

// SnapshotSaved records a snapshot save attempt and its duration.
func SnapshotSaved(d time.Duration, err error) {
	em := get()
	if em == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	em.snapshotSaves.WithLabelValues(status).Inc()
	em.snapshotSaveTime.Observe(float64(d.Microseconds()) / 1000.0)
}

// PresenceUpdated records a presence set or remove.
func PresenceUpdated() {
	if em := get(); em != nil {
		em.presenceUpdates.Inc()
	}
}

// RPCForwarded records a forwarded cluster RPC and its duration.
func RPCForwarded(op string, d time.Duration, err error) {
	em := get()
	if em == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	em.rpcForwardsTotal.WithLabelValues(op, status).Inc()
	em.rpcForwardDuration.Observe(float64(d.Microseconds()) / 1000.0)
}

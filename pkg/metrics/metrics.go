package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Header processing metrics
var (
	HeadersProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autocrypt_headers_processed_total",
			Help: "Total number of incoming messages inspected for an Autocrypt header, by result",
		},
		[]string{"result"},
	)

	PeerUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autocrypt_peer_updates_total",
			Help: "Total number of peer state updates, by outcome",
		},
		[]string{"outcome"},
	)

	GossipUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autocrypt_gossip_updates_total",
			Help: "Total number of gossip key observations, by outcome",
		},
		[]string{"outcome"},
	)

	PeersTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autocrypt_peers_total",
			Help: "Number of peers known to the store",
		},
	)
)

// Recommendation metrics
var (
	Recommendations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autocrypt_recommendations_total",
			Help: "Total number of UI recommendations computed, by recommendation",
		},
		[]string{"recommendation"},
	)
)

// Store metrics
var (
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autocrypt_store_operation_duration_seconds",
			Help:    "Duration of peer state store operations in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"backend", "operation"},
	)

	StoreLockWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autocrypt_store_lock_wait_seconds",
			Help:    "Time spent waiting for the peer state update lock",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1.0, 5.0},
		},
	)
)

// ObserveStoreOperation records the time elapsed since start. Use with defer:
//
//	defer metrics.ObserveStoreOperation("sqlite", "get", time.Now())
func ObserveStoreOperation(backend, operation string, start time.Time) {
	StoreOperationDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
}

// Database pool metrics
var (
	DBPoolConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autocrypt_db_pool_connections",
			Help: "PostgreSQL pool connections, by state",
		},
		[]string{"state"},
	)
)

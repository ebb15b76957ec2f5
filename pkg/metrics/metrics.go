// Package metrics exposes prometheus collectors for queue depths, cache
// usage, TTL sweep activity, and sync session counts.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/solarmesh/btc/pkg/bundle"
	"github.com/solarmesh/btc/pkg/cache"
	"github.com/solarmesh/btc/pkg/queue"
)

// Collectors holds every prometheus metric BTC reports.
type Collectors struct {
	QueueDepth       *prometheus.GaugeVec
	CacheUsageBytes  prometheus.Gauge
	CacheUsageRatio  prometheus.Gauge
	TTLSweepsTotal   prometheus.Counter
	TTLExpiredTotal  prometheus.Counter
	RetentionDeleted prometheus.Counter
	SyncSessionsTotal *prometheus.CounterVec
	BundlesCreatedTotal prometheus.Counter
	BundlesReceivedTotal *prometheus.CounterVec
}

// New registers and returns the BTC metric collectors on reg.
func New(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "btc",
			Name:      "queue_depth",
			Help:      "Number of bundles currently in each queue.",
		}, []string{"queue"}),
		CacheUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "btc",
			Name:      "cache_usage_bytes",
			Help:      "Total stored bundle bytes counted against the cache budget.",
		}),
		CacheUsageRatio: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "btc",
			Name:      "cache_usage_ratio",
			Help:      "Cache usage as a fraction of the configured storage budget.",
		}),
		TTLSweepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "btc",
			Name:      "ttl_sweeps_total",
			Help:      "Number of TTL engine sweep ticks executed.",
		}),
		TTLExpiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "btc",
			Name:      "ttl_expired_total",
			Help:      "Total bundles moved to the expired queue by the TTL engine.",
		}),
		RetentionDeleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "btc",
			Name:      "retention_deleted_total",
			Help:      "Total expired/quarantine rows hard-deleted by the retention sweep.",
		}),
		SyncSessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "btc",
			Name:      "sync_sessions_total",
			Help:      "Total sync sessions run, by outcome.",
		}, []string{"outcome"}),
		BundlesCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "btc",
			Name:      "bundles_created_total",
			Help:      "Total bundles authored by this node.",
		}),
		BundlesReceivedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "btc",
			Name:      "bundles_received_total",
			Help:      "Total bundles received from peers, by outcome.",
		}, []string{"outcome"}),
	}
}

// RefreshQueueDepths recomputes the queue_depth gauge for every queue.
// Intended to be called on a short ticker or before each /metrics scrape.
func (c *Collectors) RefreshQueueDepths(ctx context.Context, store *queue.Store) error {
	queues := []bundle.Queue{
		bundle.QueueInbox, bundle.QueueOutbox, bundle.QueuePending,
		bundle.QueueDelivered, bundle.QueueExpired, bundle.QueueQuarantine,
	}
	for _, q := range queues {
		n, err := store.Count(ctx, q)
		if err != nil {
			return err
		}
		c.QueueDepth.WithLabelValues(string(q)).Set(float64(n))
	}
	return nil
}

// RefreshCacheUsage recomputes the cache usage gauges from the Cache
// Budget accountant.
func (c *Collectors) RefreshCacheUsage(ctx context.Context, accountant *cache.Accountant) error {
	stats, err := accountant.GetStats(ctx)
	if err != nil {
		return err
	}
	c.CacheUsageBytes.Set(float64(stats.CurrentSizeBytes))
	c.CacheUsageRatio.Set(stats.UsagePercentage)
	return nil
}

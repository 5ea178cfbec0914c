// Package metrics exposes the node's Prometheus gauges and counters (spec
// §4.7's observability surface) and the handler behind GET /metrics.
// Grounded on core/system_health_logging.go's HealthLogger: the same
// registry-plus-named-gauges construction, the same
// snapshot-then-set-every-gauge RecordMetrics idiom, and the same
// ticker-driven RunMetricsCollector loop, re-pointed at this ledger's own
// chain height, mempool size and peer counts instead of Synnergy's coin
// supply and goroutine stats.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Snapshot is a point-in-time reading of the node's observable state.
type Snapshot struct {
	Height           uint64
	MempoolSize      int
	PeerCount        int
	HealthyPeerCount int
}

// Source is implemented by internal/node to supply the values Collector
// turns into gauges.
type Source interface {
	MetricsSnapshot() Snapshot
}

// Collector owns a private Prometheus registry and the node's metric
// instruments.
type Collector struct {
	registry *prometheus.Registry

	heightGauge      prometheus.Gauge
	mempoolGauge     prometheus.Gauge
	peerGauge        prometheus.Gauge
	healthyPeerGauge prometheus.Gauge

	miningAttempts   prometheus.Counter
	blocksMined      prometheus.Counter
	txAdmitted       prometheus.Counter
	txRejectedByKind *prometheus.CounterVec

	log *logrus.Logger
}

// New constructs a Collector and registers every instrument against a
// fresh, process-local registry (spec §4.7: metrics are per-node, not
// shared across the binary's lifetime in tests).
func New(log *logrus.Logger) *Collector {
	if log == nil {
		log = logrus.StandardLogger()
	}
	reg := prometheus.NewRegistry()
	c := &Collector{registry: reg, log: log}

	c.heightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ledgernode_chain_height",
		Help: "Index of the node's current chain tip.",
	})
	c.mempoolGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ledgernode_mempool_size",
		Help: "Number of transactions currently pending in the mempool.",
	})
	c.peerGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ledgernode_peer_count",
		Help: "Number of peers known to the node, healthy or not.",
	})
	c.healthyPeerGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ledgernode_healthy_peer_count",
		Help: "Number of peers currently considered healthy.",
	})
	c.miningAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledgernode_mining_attempts_total",
		Help: "Total number of mining rounds started.",
	})
	c.blocksMined = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledgernode_blocks_mined_total",
		Help: "Total number of blocks successfully sealed by this node.",
	})
	c.txAdmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledgernode_transactions_admitted_total",
		Help: "Total number of transactions admitted into the mempool.",
	})
	c.txRejectedByKind = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgernode_transactions_rejected_total",
		Help: "Total number of transactions rejected, by failure kind.",
	}, []string{"kind"})

	reg.MustRegister(
		c.heightGauge,
		c.mempoolGauge,
		c.peerGauge,
		c.healthyPeerGauge,
		c.miningAttempts,
		c.blocksMined,
		c.txAdmitted,
		c.txRejectedByKind,
	)
	return c
}

// Record sets every gauge from a fresh snapshot.
func (c *Collector) Record(s Snapshot) {
	c.heightGauge.Set(float64(s.Height))
	c.mempoolGauge.Set(float64(s.MempoolSize))
	c.peerGauge.Set(float64(s.PeerCount))
	c.healthyPeerGauge.Set(float64(s.HealthyPeerCount))
}

// IncMiningAttempt records the start of a mining round.
func (c *Collector) IncMiningAttempt() { c.miningAttempts.Inc() }

// IncBlockMined records a successfully sealed block.
func (c *Collector) IncBlockMined() { c.blocksMined.Inc() }

// IncTransactionAdmitted records a transaction accepted into the mempool.
func (c *Collector) IncTransactionAdmitted() { c.txAdmitted.Inc() }

// IncTransactionRejected records a transaction rejected during admission,
// labeled with the apperr.Kind string that caused the rejection.
func (c *Collector) IncTransactionRejected(kind string) {
	c.txRejectedByKind.WithLabelValues(kind).Inc()
}

// Handler returns the http.Handler to mount at GET /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Run periodically pulls a Snapshot from source and records it until ctx is
// canceled.
func (c *Collector) Run(ctx context.Context, interval time.Duration, source Source) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Record(source.MetricsSnapshot())
		case <-ctx.Done():
			return
		}
	}
}

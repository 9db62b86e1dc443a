// Package metrics holds the Prometheus instruments for the copy-trading
// core:
//
//   - vanta_indexer_blocks_total / vanta_indexer_lag_blocks — indexer progress
//   - vanta_fills_indexed_total — normalized fills written
//   - vanta_intents_total{status,reason} — copy intents by terminal state
//   - vanta_tx_attempts_total / vanta_tx_confirm_seconds — orchestrator
//   - vanta_price_staleness_seconds{source} — price provider freshness
//
// Registered in init() and served at /metrics by the health server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	IndexerBlocks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vanta_indexer_blocks_total",
		Help: "Blocks processed by the indexer",
	})

	IndexerLag = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vanta_indexer_lag_blocks",
		Help: "Distance between chain head and indexer cursor",
	})

	IndexerLagAlerts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vanta_indexer_lag_alerts_total",
		Help: "Lagging alerts emitted by the indexer",
	})

	IndexerReorgs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vanta_indexer_reorgs_total",
		Help: "Reorg rollbacks performed",
	})

	IndexerQuarantined = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vanta_indexer_quarantined_total",
		Help: "Undecodable logs moved to quarantine",
	})

	FillsIndexed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vanta_fills_indexed_total",
		Help: "Normalized fills written to the store",
	})

	SignalsFanned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vanta_signals_total",
		Help: "Trader signals emitted by the fanout",
	})

	SignalsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vanta_signals_dropped_total",
		Help: "Signals dropped because the fanout queue was full",
	})

	Intents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vanta_intents_total",
		Help: "Copy intents by terminal status and reason",
	}, []string{"status", "reason"})

	TxAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vanta_tx_attempts_total",
		Help: "Transaction broadcast attempts, replacements included",
	})

	TxReplacements = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vanta_tx_replacements_total",
		Help: "Stuck-transaction fee-bump replacements",
	})

	TxConfirmSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vanta_tx_confirm_seconds",
		Help:    "Broadcast-to-confirmation latency",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	PriceStaleness = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vanta_price_staleness_seconds",
		Help: "Age of the most recent price per source",
	}, []string{"source"})

	LeaderboardRefreshes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vanta_leaderboard_refreshes_total",
		Help: "Leaderboard snapshot recomputations",
	})

	PnLAnomalies = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vanta_pnl_anomalies_total",
		Help: "Orphan CLOSE residuals dropped by the PnL engine",
	})
)

func init() {
	prometheus.MustRegister(
		IndexerBlocks,
		IndexerLag,
		IndexerLagAlerts,
		IndexerReorgs,
		IndexerQuarantined,
		FillsIndexed,
		SignalsFanned,
		SignalsDropped,
		Intents,
		TxAttempts,
		TxReplacements,
		TxConfirmSeconds,
		PriceStaleness,
		LeaderboardRefreshes,
		PnLAnomalies,
	)
}

// IntentTerminal records a terminal intent transition.
func IntentTerminal(status, reason string) {
	Intents.WithLabelValues(status, reason).Inc()
}

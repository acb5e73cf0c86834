package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TradesCreated counts trades created against the ad book
var TradesCreated = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "peerex_trades_created_total",
		Help: "Total number of trades created",
	},
)

// TradesFinalized counts trades reaching a terminal status
var TradesFinalized = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "peerex_trades_finalized_total",
		Help: "Total number of trades reaching a terminal status",
	},
	[]string{"status"},
)

// TradeCreateLatency records latency distribution for trade creation
var TradeCreateLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "peerex_trade_create_latency_seconds",
		Help:    "Latency in seconds to create a trade",
		Buckets: prometheus.DefBuckets,
	},
)

// SweepRuns counts expiry sweeper passes by outcome
var SweepRuns = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "peerex_sweep_runs_total",
		Help: "Total number of expiry sweeper passes",
	},
	[]string{"result"},
)

// SweepExpiredTrades counts trades expired by the sweeper
var SweepExpiredTrades = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "peerex_sweep_expired_trades_total",
		Help: "Total number of trades force-expired by the sweeper",
	},
)

// Database connection pool metrics
var (
	DBOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "peerex_db_open_connections",
			Help: "Number of open connections in the DB pool",
		},
		[]string{"db"},
	)

	DBIdleConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "peerex_db_idle_connections",
			Help: "Number of idle connections in the DB pool",
		},
		[]string{"db"},
	)

	DBInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "peerex_db_in_use_connections",
			Help: "Number of in-use connections in the DB pool",
		},
		[]string{"db"},
	)
)

func init() {
	prometheus.MustRegister(TradesCreated, TradesFinalized, TradeCreateLatency)
	prometheus.MustRegister(SweepRuns, SweepExpiredTrades)
	prometheus.MustRegister(DBOpenConns, DBIdleConns, DBInUseConns)
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the vault ledger.
type Metrics struct {
	// --- Engine loop ---
	OpsApplied  *prometheus.CounterVec
	OpsRejected *prometheus.CounterVec
	OpDuration  *prometheus.HistogramVec
	Sequence    prometheus.Gauge

	// --- Lending ---
	TotalCollateral  prometheus.Gauge
	TotalDebt        prometheus.Gauge
	PoolLiquidity    prometheus.Gauge
	SeizedCollateral prometheus.Gauge
	Liquidations     prometheus.Counter

	// --- Staking ---
	TotalStaked   prometheus.Gauge
	RewardReserve prometheus.Gauge
	RewardsPaid   prometheus.Counter

	// --- Channels & backpressure ---
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Persistence ---
	PersistRowsWritten  prometheus.Counter
	PersistBatchSize    prometheus.Histogram
	PersistBatchDur     prometheus.Histogram
	PersistErrors       *prometheus.CounterVec
	PersistRetry        prometheus.Counter
	PersistLastSequence prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	opBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	queryBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025,
		0.005, 0.01, 0.025, 0.05, 0.1,
	}

	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_ops_applied_total",
			Help: "Operations successfully applied by the engine loop",
		}, []string{"op"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_ops_rejected_total",
			Help: "Operations rejected by validation",
		}, []string{"op", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_op_duration_seconds",
			Help:    "Time to apply a single operation in the engine loop",
			Buckets: opBuckets,
		}, []string{"op"}),

		Sequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_sequence",
			Help: "Current notification sequence number",
		}),

		TotalCollateral: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_lending_total_collateral",
			Help: "Sum of collateral across all positions (token units)",
		}),

		TotalDebt: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_lending_total_debt",
			Help: "Sum of outstanding debt across all positions (token units)",
		}),

		PoolLiquidity: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_lending_pool_liquidity",
			Help: "Debt tokens available to borrow (token units)",
		}),

		SeizedCollateral: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_lending_seized_collateral",
			Help: "Collateral seized through liquidations (token units)",
		}),

		Liquidations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_lending_liquidations_total",
			Help: "Positions liquidated",
		}),

		TotalStaked: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_staking_total_staked",
			Help: "Pool-wide staked principal (token units)",
		}),

		RewardReserve: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_staking_reward_reserve",
			Help: "Reward tokens available for claims (token units)",
		}),

		RewardsPaid: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_staking_rewards_paid_total",
			Help: "Successful reward claims",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_publish_drops_total",
			Help: "Notifications dropped on the publish channel (full buffer)",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_backpressure_total",
			Help: "Engine loop stalls waiting on the persistence channel",
		}),

		PersistRowsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_rows_written_total",
			Help: "Audit rows written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_size",
			Help:    "Notifications per persisted batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_duration_seconds",
			Help:    "Time to write one audit batch",
			Buckets: queryBuckets,
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_persist_errors_total",
			Help: "Audit write failures",
		}, []string{"kind"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_retries_total",
			Help: "Audit batch write retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_persist_last_sequence",
			Help: "Highest sequence durably written to the audit log",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_query_requests_total",
			Help: "HTTP API requests",
		}, []string{"endpoint"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_query_duration_seconds",
			Help:    "HTTP API request duration",
			Buckets: queryBuckets,
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_query_errors_total",
			Help: "HTTP API errors",
		}, []string{"endpoint", "code"}),
	}
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the clearing engine.
type Metrics struct {
	// Trading
	Trades        *prometheus.CounterVec
	Closes        *prometheus.CounterVec
	Liquidations  *prometheus.CounterVec
	Deposits      prometheus.Counter
	Withdrawals   prometheus.Counter
	FeesCollected prometheus.Counter

	// Markets
	SpotPrice    *prometheus.GaugeVec
	BaseReserve  *prometheus.GaugeVec
	QuoteReserve *prometheus.GaugeVec
	OpenInterest *prometheus.GaugeVec

	// Funding & solvency
	FundingRateBps   *prometheus.GaugeVec
	InsuranceBalance prometheus.Gauge
	BadDebtCovered   prometheus.Counter

	// Persistence
	PersistRowsWritten *prometheus.CounterVec
	PersistErrors      *prometheus.CounterVec
	PersistBatchDur    prometheus.Histogram

	// Publish
	PublishedEvents *prometheus.CounterVec
	PublishDrops    prometheus.Counter

	// HTTP API
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Trades: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_trades_total",
			Help: "Positions opened or extended",
		}, []string{"market_id", "side"}),

		Closes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_closes_total",
			Help: "Position closes (full or partial)",
		}, []string{"market_id"}),

		Liquidations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_liquidations_total",
			Help: "Forced closes below maintenance margin",
		}, []string{"market_id"}),

		Deposits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_deposits_total",
			Help: "Collateral deposits",
		}),

		Withdrawals: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_withdrawals_total",
			Help: "Collateral withdrawals",
		}),

		FeesCollected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_fees_collected",
			Help: "Trading fees routed to the insurance fund (whole units)",
		}),

		SpotPrice: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_spot_price",
			Help: "vAMM mark price (whole units)",
		}, []string{"market_id"}),

		BaseReserve: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_base_reserve",
			Help: "Virtual base reserve (whole units)",
		}, []string{"market_id"}),

		QuoteReserve: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_quote_reserve",
			Help: "Virtual quote reserve (whole units)",
		}, []string{"market_id"}),

		OpenInterest: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_open_interest",
			Help: "Sum of absolute position sizes (base, whole units)",
		}, []string{"market_id"}),

		FundingRateBps: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_funding_rate_bps",
			Help: "Last settled funding rate, basis points per period",
		}, []string{"market_id"}),

		InsuranceBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_insurance_fund_balance",
			Help: "Current insurance fund balance (whole units)",
		}),

		BadDebtCovered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_bad_debt_covered",
			Help: "Bad debt absorbed by the insurance fund (whole units)",
		}),

		PersistRowsWritten: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_persist_rows_written_total",
			Help: "Rows written to Postgres",
		}, []string{"table"}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"table"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PublishedEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_published_events_total",
			Help: "Events published to NATS",
		}, []string{"event_type"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		APIRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_api_requests_total",
			Help: "HTTP API requests",
		}, []string{"endpoint", "status"}),

		APIDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_api_request_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// Package metrics exposes the gateway's Prometheus instrumentation,
// grounded on internal/escrow.Metrics' promauto-registered
// CounterVec/HistogramVec/GaugeVec shape, re-keyed to the WAL, ledger,
// billing, and stream-cost concerns of this service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the gateway registers.
type Metrics struct {
	WALAppendDuration *prometheus.HistogramVec
	WALAppendTotal    *prometheus.CounterVec

	LedgerOpsTotal     *prometheus.CounterVec
	LedgerOpsDuration  *prometheus.HistogramVec
	LedgerBalanceGauge *prometheus.GaugeVec

	BillingReserveTotal *prometheus.CounterVec
	BillingCommitTotal  *prometheus.CounterVec
	BillingVoidTotal    *prometheus.CounterVec

	StreamCostMicro      *prometheus.HistogramVec
	StreamTokensObserved *prometheus.CounterVec

	FinalizeQueueDepth   *prometheus.GaugeVec
	FinalizeAttemptTotal *prometheus.CounterVec

	ReorgFreezeTotal *prometheus.CounterVec

	RateLimitRejectedTotal *prometheus.CounterVec

	CircuitBreakerState *prometheus.GaugeVec
}

// New creates and registers every collector against the default
// registry. Call once at process startup.
func New() *Metrics {
	return &Metrics{
		WALAppendDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_wal_append_duration_seconds",
				Help:    "Duration of WAL append operations by backend",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
		WALAppendTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_wal_append_total",
				Help: "Total WAL append operations by backend and event type",
			},
			[]string{"backend", "event_type"},
		),

		LedgerOpsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ledger_ops_total",
				Help: "Total credit ledger operations by kind and outcome",
			},
			[]string{"op", "outcome"},
		),
		LedgerOpsDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_ledger_op_duration_seconds",
				Help:    "Duration of credit ledger operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		LedgerBalanceGauge: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_ledger_balance_micro",
				Help: "Current ledger balance in micro-credits by account and bucket",
			},
			[]string{"account_id", "bucket"}, // bucket: unlocked, reserved
		),

		BillingReserveTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_billing_reserve_total",
				Help: "Total billing reservations by outcome",
			},
			[]string{"outcome"},
		),
		BillingCommitTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_billing_commit_total",
				Help: "Total billing commits by outcome",
			},
			[]string{"outcome"},
		),
		BillingVoidTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_billing_void_total",
				Help: "Total billing reservation voids by reason",
			},
			[]string{"reason"},
		),

		StreamCostMicro: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_stream_cost_micro",
				Help:    "Per-request completed cost in micro-credits",
				Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
			},
			[]string{"tier"},
		),
		StreamTokensObserved: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_stream_tokens_observed_total",
				Help: "Total tokens observed by the stream cost tracker",
			},
			[]string{"tier", "direction"}, // direction: in, out
		),

		FinalizeQueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_finalize_queue_depth",
				Help: "Current depth of the finalize queue by backend",
			},
			[]string{"backend"},
		),
		FinalizeAttemptTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_finalize_attempt_total",
				Help: "Total finalize queue processing attempts by outcome",
			},
			[]string{"outcome"},
		),

		ReorgFreezeTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_reorg_freeze_total",
				Help: "Total credit mints frozen by reorg watch by reason",
			},
			[]string{"reason"},
		),

		RateLimitRejectedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rate_limit_rejected_total",
				Help: "Total requests rejected by the rate limiter by tier",
			},
			[]string{"tier"},
		),

		CircuitBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_circuit_breaker_state",
				Help: "Circuit breaker state by name (0=closed, 1=open, 2=half_open)",
			},
			[]string{"name"},
		),
	}
}

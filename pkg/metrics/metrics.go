package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for monitoring
var (
	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "x402_verifications_total",
		Help: "The total number of payment verifications by result",
	}, []string{"result"})

	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "x402_settlements_total",
		Help: "The total number of settlement attempts by result",
	}, []string{"result"})

	SettlementTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "x402_settlement_seconds",
		Help:    "Time taken to submit and confirm a settlement",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms doubling up to ~2 minutes
	})

	GasUsed = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "x402_settlement_gas_used",
		Help:    "Gas used by settlement transactions",
		Buckets: prometheus.ExponentialBuckets(21000, 2, 10),
	})

	GasPrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "x402_gas_price_gwei",
		Help: "Gas price used for the latest facilitator transaction in gwei",
	})

	MonitoredPayments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "x402_monitored_payments",
		Help: "The number of payments currently being monitored",
	})

	MonitorPollErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "x402_monitor_poll_errors_total",
		Help: "Status reads that failed during monitoring",
	})

	Webhooks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "x402_webhooks_total",
		Help: "Webhook deliveries by result",
	}, []string{"result"})

	// GateRequests tracks how protected requests ended at the middleware
	GateRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "x402_gate_requests_total",
		Help: "Protected requests by outcome",
	}, []string{"outcome"})

	FacilitatorClientErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "x402_facilitator_client_errors_total",
		Help: "Errors calling the remote facilitator by operation",
	}, []string{"operation"})

	// CircuitBreakerState is 0 closed, 1 open, 2 half-open
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "x402_circuit_breaker_state",
		Help: "State of each named circuit breaker",
	}, []string{"name"})

	PendingTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "x402_pending_transactions",
		Help: "Facilitator transactions sent but not yet confirmed",
	})
)

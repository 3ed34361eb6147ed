// Package metrics exposes Prometheus metrics for quest runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics holds all Prometheus metrics for the runner.
// A nil *PrometheusMetrics is valid and records nothing.
type PrometheusMetrics struct {
	// Transaction counters
	TxTotal *prometheus.CounterVec

	// Gauges
	ActiveAccounts prometheus.Gauge

	// Histograms
	ConfirmLatency *prometheus.HistogramVec
	RPCLatency     *prometheus.HistogramVec
	PriorityFee    prometheus.Histogram
	AccountRunTime prometheus.Histogram

	// Outcomes
	QuestTotal       *prometheus.CounterVec
	AccountRunsTotal *prometheus.CounterVec
	WithdrawalsTotal *prometheus.CounterVec
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		TxTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "questrunner_transactions_total",
				Help: "Submitted transactions by action and status",
			},
			[]string{"action", "status"},
		),

		ActiveAccounts: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "questrunner_active_accounts",
				Help: "Accounts currently holding a scheduler slot",
			},
		),

		ConfirmLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "questrunner_confirmation_latency_seconds",
				Help:    "Time from submission to receipt",
				Buckets: []float64{1, 2, 5, 10, 20, 40, 80},
			},
			[]string{"action"},
		),

		RPCLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "questrunner_rpc_latency_seconds",
				Help:    "RPC call latency by method",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "status"},
		),

		PriorityFee: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "questrunner_priority_fee_wei",
				Help:    "Chosen maxPriorityFeePerGas in wei",
				Buckets: prometheus.ExponentialBuckets(100_000, 4, 10),
			},
		),

		AccountRunTime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "questrunner_account_run_seconds",
				Help:    "Wall time of one account run",
				Buckets: []float64{30, 60, 120, 300, 600, 900},
			},
		),

		QuestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "questrunner_quests_total",
				Help: "Quest attempts by quest and outcome",
			},
			[]string{"quest", "outcome"},
		),

		AccountRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "questrunner_account_runs_total",
				Help: "Account runs by outcome",
			},
			[]string{"outcome"},
		),

		WithdrawalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "questrunner_exchange_withdrawals_total",
				Help: "Exchange withdrawals by status",
			},
			[]string{"status"},
		),
	}
}

// knownRPCMethods is a fixed set of known RPC methods to prevent cardinality explosion
var knownRPCMethods = map[string]bool{
	"eth_chainId":               true,
	"eth_getTransactionCount":   true,
	"eth_getBalance":            true,
	"eth_feeHistory":            true,
	"eth_estimateGas":           true,
	"eth_call":                  true,
	"eth_sendRawTransaction":    true,
	"eth_getTransactionReceipt": true,
}

// RecordRPC records RPC call latency. It matches rpc.ObserveFunc.
func (m *PrometheusMetrics) RecordRPC(method string, d time.Duration, err error) {
	if m == nil {
		return
	}
	// Bucket unknown methods into 'other' to prevent cardinality explosion
	if !knownRPCMethods[method] {
		method = "other"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.RPCLatency.WithLabelValues(method, status).Observe(d.Seconds())
}

// RecordTx records the outcome of one submitted transaction.
func (m *PrometheusMetrics) RecordTx(action, status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.TxTotal.WithLabelValues(action, status).Inc()
	if latency > 0 {
		m.ConfirmLatency.WithLabelValues(action).Observe(latency.Seconds())
	}
}

// RecordPriorityFee records the chosen priority fee.
func (m *PrometheusMetrics) RecordPriorityFee(wei float64) {
	if m == nil {
		return
	}
	m.PriorityFee.Observe(wei)
}

// RecordQuest records a quest attempt outcome.
func (m *PrometheusMetrics) RecordQuest(quest, outcome string) {
	if m == nil {
		return
	}
	m.QuestTotal.WithLabelValues(quest, outcome).Inc()
}

// AccountStarted marks a scheduler slot as taken.
func (m *PrometheusMetrics) AccountStarted() {
	if m == nil {
		return
	}
	m.ActiveAccounts.Inc()
}

// AccountFinished releases a slot and records the run outcome.
func (m *PrometheusMetrics) AccountFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveAccounts.Dec()
	m.AccountRunsTotal.WithLabelValues(outcome).Inc()
	m.AccountRunTime.Observe(d.Seconds())
}

// RecordWithdrawal records an exchange withdrawal outcome.
func (m *PrometheusMetrics) RecordWithdrawal(status string) {
	if m == nil {
		return
	}
	m.WithdrawalsTotal.WithLabelValues(status).Inc()
}

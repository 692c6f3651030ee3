package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DeductionOutcome 扣款結果分類
type DeductionOutcome string

const (
	OutcomeSuccess          DeductionOutcome = "success"
	OutcomeAlreadyProcessed DeductionOutcome = "already_processed"
	OutcomeFailed           DeductionOutcome = "failed"
)

// LedgerStatus 帳本呼叫狀態
type LedgerStatus string

const (
	LedgerStatusSuccess     LedgerStatus = "success"
	LedgerStatusRejected    LedgerStatus = "rejected"
	LedgerStatusUnavailable LedgerStatus = "unavailable"
	LedgerStatusTimeout     LedgerStatus = "timeout"
)

var (
	deductionsTotal           *prometheus.CounterVec
	deductionDuration         *prometheus.HistogramVec
	ledgerCallDuration        *prometheus.HistogramVec
	rateLimitDecisionsTotal   *prometheus.CounterVec
	rateLimitActiveBuckets    *prometheus.GaugeVec
	usageEventsPublishedTotal *prometheus.CounterVec
)

// InitServiceMetrics 初始化 Service 層 metrics
func InitServiceMetrics(registry *prometheus.Registry) error {
	deductionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_deductions_total",
			Help: "Total number of billing deductions by outcome and error code",
		},
		[]string{"outcome", "error_code"},
	)

	deductionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_deduction_duration_seconds",
			Help:    "Duration of billing deductions in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	ledgerCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_call_duration_seconds",
			Help:    "Duration of ledger deduct calls in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
		},
		[]string{"status"},
	)

	rateLimitDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_decisions_total",
			Help: "Total number of rate limit decisions by scope",
		},
		[]string{"scope", "decision"},
	)

	rateLimitActiveBuckets = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rate_limit_active_buckets",
			Help: "Number of live token buckets by scope",
		},
		[]string{"scope"},
	)

	usageEventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_events_published_total",
			Help: "Total number of usage events published to the message queue",
		},
		[]string{"status"},
	)

	for _, c := range []prometheus.Collector{
		deductionsTotal,
		deductionDuration,
		ledgerCallDuration,
		rateLimitDecisionsTotal,
		rateLimitActiveBuckets,
		usageEventsPublishedTotal,
	} {
		if err := registry.Register(c); err != nil {
			return err
		}
	}

	return nil
}

// RecordDeduction 記錄一次扣款結果
func RecordDeduction(outcome DeductionOutcome, errorCode string, duration time.Duration) {
	if deductionsTotal == nil || deductionDuration == nil {
		return
	}
	deductionsTotal.WithLabelValues(string(outcome), errorCode).Inc()
	deductionDuration.WithLabelValues(string(outcome)).Observe(duration.Seconds())
}

func RecordLedgerCall(status LedgerStatus, duration time.Duration) {
	if ledgerCallDuration != nil {
		ledgerCallDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
	}
}

// RecordRateLimitDecision 記錄限流判斷，decision 為 allowed 或 denied
func RecordRateLimitDecision(scope string, allowed bool) {
	if rateLimitDecisionsTotal == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	rateLimitDecisionsTotal.WithLabelValues(scope, decision).Inc()
}

func SetActiveBuckets(scope string, n int) {
	if rateLimitActiveBuckets != nil {
		rateLimitActiveBuckets.WithLabelValues(scope).Set(float64(n))
	}
}

func RecordUsageEventPublished(ok bool) {
	if usageEventsPublishedTotal == nil {
		return
	}
	status := "success"
	if !ok {
		status = "error"
	}
	usageEventsPublishedTotal.WithLabelValues(status).Inc()
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Metering pipeline metrics
	MeteredRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metered_requests_total",
			Help: "Total number of metered operations by caller-visible outcome",
		},
		[]string{"operation", "outcome"},
	)

	BillingUnresolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_unresolved_total",
			Help: "Operations whose result was delivered but whose debit could not be confirmed",
		},
		[]string{"operation"},
	)

	LedgerRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_retries_total",
			Help: "Total number of ledger commit retries after transient store failures",
		},
	)

	ConsumeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledger_consume_duration_seconds",
			Help:    "Duration of the atomic check-and-debit against the balance store",
			Buckets: prometheus.DefBuckets,
		},
	)

	IdentityBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "identity_balance_units",
			Help: "Last observed prepaid balance per identity",
		},
		[]string{"identity"},
	)

	// Instance cache metrics
	InstanceCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "instance_cache_size",
			Help: "Number of execution handles currently cached",
		},
	)

	InstanceCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "instance_cache_hits_total",
			Help: "Instance cache lookups that found a handle",
		},
	)

	InstanceCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "instance_cache_misses_total",
			Help: "Instance cache lookups that required recreating a handle",
		},
	)

	InstanceCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "instance_cache_evictions_total",
			Help: "Handles evicted from the instance cache",
		},
	)

	// Top-up metrics
	TopupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topups_total",
			Help: "Total number of processed balance top-ups",
		},
		[]string{"status"},
	)
)

// RecordOutcome records the caller-visible outcome of a metered operation
func RecordOutcome(operation, outcome string) {
	MeteredRequestsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordBalance records the last observed balance for an identity
func RecordBalance(identity string, balance int64) {
	IdentityBalance.WithLabelValues(identity).Set(float64(balance))
}

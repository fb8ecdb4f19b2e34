// Package metrics exposes the engine's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SettlementsTotal counts settlements reaching a terminal state, by state
// and error kind (empty kind for confirmed settlements).
var SettlementsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tonsettle_settlements_total",
		Help: "Total settlements reaching a terminal state",
	},
	[]string{"state", "error_kind"},
)

// SubmissionsTotal counts broadcast attempts by classified outcome.
var SubmissionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tonsettle_submissions_total",
		Help: "Broadcast attempts by classified outcome",
	},
	[]string{"outcome"},
)

// SettlementDuration records wall time from submission to terminal state.
var SettlementDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "tonsettle_settlement_duration_seconds",
		Help:    "Time from submit to terminal settlement state",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	},
)

// ReconcileRetries records how many rebuild rounds ambiguous submissions
// needed before resolving.
var ReconcileRetries = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "tonsettle_reconcile_retries",
		Help:    "Rebuild rounds needed to resolve indeterminate submissions",
		Buckets: []float64{0, 1, 2, 3, 4, 5},
	},
)

// AddressCacheHits counts derived-address cache lookups.
var AddressCacheHits = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tonsettle_address_cache_lookups_total",
		Help: "Derived-address cache lookups by result",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(
		SettlementsTotal,
		SubmissionsTotal,
		SettlementDuration,
		ReconcileRetries,
		AddressCacheHits,
	)
}

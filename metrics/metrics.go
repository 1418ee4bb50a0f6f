// Package metrics exposes Prometheus instrumentation for the settlement
// engine's background work.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	providerCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowflow",
		Subsystem: "ledger",
		Name:      "provider_calls_total",
		Help:      "Count of block-data provider queries.",
	}, []string{"provider", "status"})
	providerCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrowflow",
		Subsystem: "ledger",
		Name:      "provider_call_duration_seconds",
		Help:      "Duration of block-data provider queries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider", "status"})
	reconcilePassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowflow",
		Subsystem: "payment",
		Name:      "reconcile_passes_total",
		Help:      "Count of per-request reconciliation passes by outcome.",
	}, []string{"outcome"})
	autoReleasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowflow",
		Subsystem: "escrow",
		Name:      "auto_releases_total",
		Help:      "Count of escrows settled by the auto-release scan.",
	})
)

// Engine satisfies the metrics interfaces of the ledger and payment packages.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// ObserveProvider records one provider call outcome and duration.
func (Engine) ObserveProvider(provider string, err error, started time.Time) {
	status := "success"
	if err != nil {
		status = "error"
	}
	providerCallsTotal.WithLabelValues(provider, status).Inc()
	providerCallDuration.WithLabelValues(provider, status).Observe(time.Since(started).Seconds())
}

// ObserveReconcile counts one reconciliation pass outcome.
func (Engine) ObserveReconcile(outcome string) {
	reconcilePassesTotal.WithLabelValues(outcome).Inc()
}

// ObserveAutoRelease counts escrows settled by the scheduled scan.
func (Engine) ObserveAutoRelease(count int) {
	autoReleasesTotal.Add(float64(count))
}

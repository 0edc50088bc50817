package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var windowsAppliedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bridge_windows_applied_total",
	Help: "Count of windows applied and committed, by vault and load type.",
}, []string{"vault", "load_type"})

var windowFailuresCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bridge_window_failures_total",
	Help: "Count of windows parked FAILED, by vault and load type.",
}, []string{"vault", "load_type"})

var leaseConflictsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bridge_lease_conflicts_total",
	Help: "Count of consumer invocations that found the vault lease held.",
}, []string{"vault"})

var applyDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "bridge_apply_duration_seconds",
	Help:    "Latency of applying one window, from claim to commit.",
	Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
}, []string{"vault", "load_type"})

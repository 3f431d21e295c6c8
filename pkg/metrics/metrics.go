// Package metrics exposes the prometheus counters and histograms the
// engine emits, following the promauto/NewCounterVec idiom rather than any
// hand-rolled registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "screening_workflow",
		Name:      "sessions_created_total",
		Help:      "Sessions created.",
	})

	StepsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "screening_workflow",
		Name:      "steps_completed_total",
		Help:      "Steps marked completed, by step.",
	}, []string{"step"})

	ApprovalsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "screening_workflow",
		Name:      "approvals_resolved_total",
		Help:      "Approval requests resolved, by outcome.",
	}, []string{"outcome"})

	LocksHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "screening_workflow",
		Name:      "locks_held",
		Help:      "Session and step locks currently active.",
	})

	SessionLockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "screening_workflow",
		Name:      "session_lock_wait_seconds",
		Help:      "Time spent waiting to acquire a session's exclusive lock.",
		Buckets:   prometheus.DefBuckets,
	})
)

// ObserveLockWait records how long an Acquire call waited before it either
// succeeded or gave up.
func ObserveLockWait(d time.Duration) {
	SessionLockWaitSeconds.Observe(d.Seconds())
}

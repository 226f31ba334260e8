// Package metrics exposes orchestration counters to Prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lucasnoah/renderfactory/internal/pipeline"
)

var (
	operations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderfactory_operations_total",
			Help: "Pipeline operations by name and result kind",
		},
		[]string{"op", "result"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "renderfactory_operation_duration_seconds",
			Help:    "Time spent in a pipeline operation including storage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	dispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderfactory_jobs_dispatched_total",
			Help: "Remote jobs submitted, by outcome",
		},
		[]string{"kind", "outcome"},
	)

	gates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderfactory_gate_checks_total",
			Help: "Fan-in gate evaluations by sub-stage and result",
		},
		[]string{"sub_stage", "result"},
	)

	staleStages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "renderfactory_stale_stages_total",
			Help: "Running stages flagged stale by the monitor",
		},
	)

	sweeps = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "renderfactory_stale_sweep_duration_seconds",
			Help:    "Time spent in one stale monitor sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	recovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "renderfactory_auto_recovered_total",
			Help: "Stale stages restarted by the monitor",
		},
	)

	ignoredCompletions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "renderfactory_ignored_completions_total",
			Help: "Completions dropped because their attempt was superseded",
		},
	)
)

// Result classifies err into a stable label value.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, pipeline.ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, pipeline.ErrGateLocked):
		return "gate_locked"
	case errors.Is(err, pipeline.ErrInvalidTransition):
		return "invalid"
	case errors.Is(err, pipeline.ErrRetryBudgetExhausted):
		return "exhausted"
	case errors.Is(err, pipeline.ErrDispatchFailure):
		return "dispatch_failure"
	case errors.Is(err, pipeline.ErrNotFound):
		return "not_found"
	}
	return "error"
}

// ObserveOperation records one finished operation.
func ObserveOperation(op string, started time.Time, err error) {
	operations.WithLabelValues(op, Result(err)).Inc()
	operationDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// ObserveDispatch records a job submission. kind is "stage" or "asset".
func ObserveDispatch(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	dispatched.WithLabelValues(kind, outcome).Inc()
}

// ObserveGate records a gate evaluation.
func ObserveGate(sub pipeline.SubStage, unlocked bool) {
	result := "locked"
	if unlocked {
		result = "unlocked"
	}
	gates.WithLabelValues(string(sub), result).Inc()
}

// StageStale records a stage newly flagged stale.
func StageStale() {
	staleStages.Inc()
}

// ObserveSweep records one finished monitor sweep.
func ObserveSweep(started time.Time) {
	sweeps.Observe(time.Since(started).Seconds())
}

// StageRecovered records a stale stage restarted without a human.
func StageRecovered() {
	recovered.Inc()
}

// CompletionIgnored records a dropped late completion.
func CompletionIgnored() {
	ignoredCompletions.Inc()
}

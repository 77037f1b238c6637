package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors updated by Provisioner and TaskRunner.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	StepOutcomes     *prometheus.CounterVec
	PopulateDuration *prometheus.HistogramVec
	RestoreDuration  *prometheus.HistogramVec
	StageFailures    *prometheus.CounterVec
	TaskRuns         *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StepOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "provcache",
			Name:      "step_outcomes_total",
			Help:      "Provisioning step outcomes by cache result.",
		}, []string{"task", "step", "outcome"}),
		PopulateDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "provcache",
			Name:      "populate_duration_seconds",
			Help:      "Time spent running populate actions on cache misses.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"step"}),
		RestoreDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "provcache",
			Name:      "restore_duration_seconds",
			Help:      "Time spent restoring folders from the cache on hits.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"step"}),
		StageFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "provcache",
			Name:      "stage_failures_total",
			Help:      "Fatal TaskRun failures by stage and error kind.",
		}, []string{"task", "stage", "kind"}),
		TaskRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "provcache",
			Name:      "task_runs_total",
			Help:      "Completed TaskRuns by result.",
		}, []string{"task", "result"}),
	}
}

func (m *Metrics) stepOutcome(task, step string, outcome CacheResult) {
	if m == nil {
		return
	}
	m.StepOutcomes.WithLabelValues(task, step, string(outcome)).Inc()
}

func (m *Metrics) populated(step string, d time.Duration) {
	if m == nil {
		return
	}
	m.PopulateDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (m *Metrics) restored(step string, d time.Duration) {
	if m == nil {
		return
	}
	m.RestoreDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (m *Metrics) stageFailure(task string, se *StageError) {
	if m == nil || se == nil {
		return
	}
	m.StageFailures.WithLabelValues(task, string(se.Stage), KindName(se.Kind)).Inc()
}

func (m *Metrics) taskRun(task string, success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.TaskRuns.WithLabelValues(task, result).Inc()
}

// Package metrics exposes Prometheus metrics for cycles, stages, and
// circuit breakers. It observes finished cycles rather than being called
// from inside the hot path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/verityops/verity/internal/models"
)

const namespace = "verity"

// Metrics holds all collectors. It implements orchestrator.Observer.
type Metrics struct {
	cyclesTotal       *prometheus.CounterVec
	cycleDuration     prometheus.Histogram
	stageRunsTotal    *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	circuitOpen       *prometheus.GaugeVec
	consecutiveFails  *prometheus.GaugeVec
	lastSuccessfulRun prometheus.Gauge
}

// New creates all collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Completed cycles by outcome.",
			},
			[]string{"outcome"},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Wall-clock duration of full cycles.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
		stageRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_runs_total",
				Help:      "Stage executions by stage and final status.",
			},
			[]string{"stage", "status"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of stage executions.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		circuitOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_open",
				Help:      "1 when the stage's circuit breaker is open.",
			},
			[]string{"stage"},
		),
		consecutiveFails: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "consecutive_failures",
				Help:      "Current consecutive failed cycles per stage.",
			},
			[]string{"stage"},
		),
		lastSuccessfulRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_successful_cycle_timestamp_seconds",
				Help:      "Unix time of the last fully healthy cycle.",
			},
		),
	}

	reg.MustRegister(
		m.cyclesTotal,
		m.cycleDuration,
		m.stageRunsTotal,
		m.stageDuration,
		m.circuitOpen,
		m.consecutiveFails,
		m.lastSuccessfulRun,
	)
	return m
}

// CycleFinished records a completed cycle and the health state after it.
func (m *Metrics) CycleFinished(cycle *models.CycleResult, health models.HealthState) {
	m.cyclesTotal.WithLabelValues(outcomeLabel(cycle)).Inc()
	m.cycleDuration.Observe(cycle.FinishedAt.Sub(cycle.StartedAt).Seconds())

	m.recordResults(cycle.Results)

	open := make(map[string]bool, len(health.CircuitOpen))
	for _, stage := range health.CircuitOpen {
		open[stage] = true
	}
	seen := make(map[string]bool)
	walkResults(cycle.Results, func(r models.JobResult) {
		seen[r.Name] = true
	})
	for stage := range seen {
		v := 0.0
		if open[stage] {
			v = 1.0
		}
		m.circuitOpen.WithLabelValues(stage).Set(v)
		m.consecutiveFails.WithLabelValues(stage).Set(float64(health.ConsecutiveFailures[stage]))
	}

	if health.LastSuccessfulCycle != nil {
		m.lastSuccessfulRun.Set(float64(health.LastSuccessfulCycle.Unix()))
	}
}

func (m *Metrics) recordResults(results []models.JobResult) {
	for _, r := range results {
		m.stageRunsTotal.WithLabelValues(r.Name, string(r.Status)).Inc()
		m.stageDuration.WithLabelValues(r.Name).Observe(r.Duration.Seconds())
		m.recordResults(r.Children)
	}
}

func walkResults(results []models.JobResult, fn func(models.JobResult)) {
	for _, r := range results {
		fn(r)
		walkResults(r.Children, fn)
	}
}

func outcomeLabel(cycle *models.CycleResult) string {
	switch {
	case !cycle.Healthy():
		return "unhealthy"
	case cycle.Degraded:
		return "degraded"
	default:
		return "healthy"
	}
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels requests that produced a result.
	OutcomeSuccess = "success"
	// OutcomeError labels requests rejected or failed.
	OutcomeError = "error"
)

var (
	predictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_risk",
			Name:      "predictions_total",
			Help:      "Total number of risk predictions, partitioned by strategy, band and outcome.",
		},
		[]string{"strategy", "band", "outcome"},
	)

	predictionDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mirador_risk",
			Name:      "prediction_seconds",
			Help:      "Feature extraction plus scoring latency in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"strategy"},
	)

	plansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_risk",
			Name:      "plans_total",
			Help:      "Total number of mitigation plans, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	planDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mirador_risk",
			Name:      "plan_seconds",
			Help:      "Planning latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	infeasibleEntitiesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_risk",
			Name:      "infeasible_entities_total",
			Help:      "Impacted entities left without an action, partitioned by diagnostic code.",
		},
		[]string{"code"},
	)

	simulationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_risk",
			Name:      "simulations_total",
			Help:      "Total number of what-if simulations, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	topologyGeneration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mirador_risk",
			Name:      "topology_generation",
			Help:      "Generation of the topology snapshot currently served.",
		},
	)
)

// Register attaches mirador-risk collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		predictionsTotal,
		predictionDurationSeconds,
		plansTotal,
		planDurationSeconds,
		infeasibleEntitiesTotal,
		simulationsTotal,
		topologyGeneration,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func outcomeLabel(outcome string) string {
	if outcome != OutcomeError {
		return OutcomeSuccess
	}
	return OutcomeError
}

func seconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return d.Seconds()
}

// ObservePrediction records one scoring call. band is empty for failed calls.
func ObservePrediction(strategy, band string, duration time.Duration, outcome string) {
	if band == "" {
		band = "none"
	}
	predictionsTotal.WithLabelValues(strategy, band, outcomeLabel(outcome)).Inc()
	predictionDurationSeconds.WithLabelValues(strategy).Observe(seconds(duration))
}

// ObservePlan records a planning call and the diagnostics it produced, keyed by code.
func ObservePlan(duration time.Duration, outcome string, diagnostics map[string]int) {
	plansTotal.WithLabelValues(outcomeLabel(outcome)).Inc()
	planDurationSeconds.Observe(seconds(duration))
	for code, n := range diagnostics {
		infeasibleEntitiesTotal.WithLabelValues(code).Add(float64(n))
	}
}

// ObserveSimulation records a what-if run.
func ObserveSimulation(outcome string) {
	simulationsTotal.WithLabelValues(outcomeLabel(outcome)).Inc()
}

// SetTopologyGeneration publishes the served snapshot generation.
func SetTopologyGeneration(gen uint64) {
	topologyGeneration.Set(float64(gen))
}

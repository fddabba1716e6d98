package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healthwatch",
			Name:      "cycles_total",
			Help:      "Total number of analysis cycles, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	cycleDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "healthwatch",
			Name:      "cycle_seconds",
			Help:      "Cycle latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		},
	)

	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healthwatch",
			Name:      "anomalies_total",
			Help:      "Anomaly events emitted, partitioned by kind.",
		},
		[]string{"kind"},
	)

	predictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healthwatch",
			Name:      "predictions_total",
			Help:      "Predictions generated, partitioned by direction.",
		},
		[]string{"direction"},
	)
)

// Register attaches the healthwatch collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		cyclesTotal,
		cycleDurationSeconds,
		anomaliesTotal,
		predictionsTotal,
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

func ObserveCycle(duration time.Duration, outcome string) {
	if outcome != OutcomeError {
		outcome = OutcomeSuccess
	}
	cyclesTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	cycleDurationSeconds.Observe(duration.Seconds())
}

func ObserveAnomaly(kind string) {
	anomaliesTotal.WithLabelValues(kind).Inc()
}

func ObservePrediction(direction string) {
	predictionsTotal.WithLabelValues(direction).Inc()
}

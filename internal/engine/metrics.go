package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/unidenoise/internal/denoise"
	"github.com/seantiz/unidenoise/internal/model"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unidenoise_runs_total",
			Help: "Total number of finished runs.",
		},
		[]string{"model_type", "disposition"},
	)

	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unidenoise_step_duration_seconds",
			Help:    "Duration of one sampling loop iteration, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		},
		[]string{"model_type"},
	)

	activeRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "unidenoise_active_runs",
			Help: "Number of runs currently inside the sampling loop.",
		},
	)

	restoredParameters = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "unidenoise_restored_parameters_total",
			Help: "Total number of model parameters restored after a resource patch.",
		},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(stepDuration)
	prometheus.MustRegister(activeRuns)
	prometheus.MustRegister(restoredParameters)

	// Pre-initialize label combinations so they appear in /metrics before
	// the first run finishes.
	for _, t := range model.ModelTypes {
		for _, d := range []denoise.Disposition{denoise.Completed, denoise.Canceled, denoise.Failed} {
			runsTotal.WithLabelValues(string(t), string(d))
		}
	}
}

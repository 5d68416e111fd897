// Package metrics records Prometheus metrics for the inference path.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// predictionsTotal counts predictions by label and whether the mock
	// produced them
	predictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pneumo_predictions_total",
			Help: "Total number of predictions",
		},
		[]string{"label", "mock"},
	)

	predictionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pneumo_prediction_duration_seconds",
			Help:    "Time to preprocess, classify and explain one image",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	modelLoadFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pneumo_model_load_failures_total",
			Help: "Weights files that could not be loaded and fell back to the mock",
		},
	)

	modelReloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pneumo_model_reloads_total",
			Help: "Model cache invalidations triggered by a changed weights file",
		},
	)

	rejectedImages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pneumo_rejected_images_total",
			Help: "Uploaded images that could not be decoded",
		},
	)
)

// RecordPrediction records one completed prediction.
func RecordPrediction(label string, mock bool, duration time.Duration) {
	predictionsTotal.WithLabelValues(label, strconv.FormatBool(mock)).Inc()
	predictionDuration.Observe(duration.Seconds())
}

// RecordLoadFailure records a weights file that fell back to the mock.
func RecordLoadFailure() {
	modelLoadFailures.Inc()
}

// RecordReload records a hot reload of the weights file.
func RecordReload() {
	modelReloads.Inc()
}

// RecordRejectedImage records an upload in an unsupported format.
func RecordRejectedImage() {
	rejectedImages.Inc()
}

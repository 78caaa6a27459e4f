// Package metrics exposes Prometheus counters for an evaluation run.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/goosewin/cotloop/internal/core"
)

// Recorder owns a registry scoped to one run.
type Recorder struct {
	registry *prometheus.Registry
	model    string

	iterations        *prometheus.CounterVec
	inferenceFailures *prometheus.CounterVec
	iterationLatency  *prometheus.HistogramVec
	questions         *prometheus.CounterVec
	writeFailures     prometheus.Counter
	loadFailures      prometheus.Counter
	position          prometheus.Gauge
	total             prometheus.Gauge
}

func New(model string) *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		model:    model,

		// Labels: model
		iterations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cotloop",
			Name:      "iterations_total",
			Help:      "Completed prompt/response iterations",
		}, []string{"model"}),

		// Labels: model
		inferenceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cotloop",
			Name:      "inference_failures_total",
			Help:      "Calls to the inference endpoint that failed",
		}, []string{"model"}),

		// Labels: model, status (ok, error)
		iterationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cotloop",
			Name:      "iteration_duration_seconds",
			Help:      "Latency of one inference call",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"model", "status"}),

		// Labels: result (complete, incomplete)
		questions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cotloop",
			Name:      "questions_total",
			Help:      "Questions evaluated by outcome",
		}, []string{"result"}),

		writeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cotloop",
			Name:      "transcript_write_failures_total",
			Help:      "Transcripts that could not be written",
		}),
		loadFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cotloop",
			Name:      "question_load_failures_total",
			Help:      "Question entries that could not be loaded",
		}),
		position: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cotloop",
			Name:      "question_position",
			Help:      "1-based position of the question being evaluated",
		}),
		total: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cotloop",
			Name:      "questions_in_run",
			Help:      "Number of question entries in the run",
		}),
	}
}

// Registry is served at /metrics.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Observe is a core.ProgressCallback.
func (r *Recorder) Observe(update core.ProgressUpdate) {
	if update.Total > 0 {
		r.total.Set(float64(update.Total))
	}
	if update.Position > 0 {
		r.position.Set(float64(update.Position))
	}

	switch update.Phase {
	case core.PhaseIteration:
		r.iterations.WithLabelValues(r.model).Inc()
		r.iterationLatency.WithLabelValues(r.model, "ok").Observe(update.Duration.Seconds())
	case core.PhaseIterationFailed:
		r.inferenceFailures.WithLabelValues(r.model).Inc()
		r.iterationLatency.WithLabelValues(r.model, "error").Observe(update.Duration.Seconds())
	case core.PhaseQuestionFinished:
		result := "complete"
		if update.Incomplete {
			result = "incomplete"
		}
		r.questions.WithLabelValues(result).Inc()
	case core.PhaseLoadFailed:
		r.loadFailures.Inc()
		r.questions.WithLabelValues("incomplete").Inc()
	case core.PhaseWriteFailed:
		r.writeFailures.Inc()
	}
}

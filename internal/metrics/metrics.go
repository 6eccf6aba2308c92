package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	totalSteps  atomic.Int64
	forcedSteps atomic.Int64
)

var (
	ForwardTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seq2seq_forward_total",
		Help: "The total number of forward passes",
	})

	ForwardDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "seq2seq_forward_duration_seconds",
		Help: "Duration of full encoder/decoder rollouts",
	})

	DecodeStepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seq2seq_decode_steps_total",
		Help: "The total number of decoder steps across all rollouts",
	})

	TeacherForcing = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seq2seq_teacher_forcing_total",
		Help: "Next-token choices by source (ground_truth or prediction)",
	}, []string{"source"})

	SequenceLength = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "seq2seq_sequence_length_tokens",
		Help:    "Distribution of source and target lengths processed",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500},
	}, []string{"side"})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "seq2seq_batch_size",
		Help:    "Distribution of batch sizes processed",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	LogitMaxValue = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "logit_max_value",
		Help:    "Maximum logit value observed",
		Buckets: []float64{-100, -50, -20, -10, -5, 0, 5, 10, 20, 50, 100},
	})

	LogitMinValue = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "logit_min_value",
		Help:    "Minimum logit value observed",
		Buckets: []float64{-100, -50, -20, -10, -5, 0, 5, 10, 20, 50, 100},
	})

	LogitMeanValue = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "logit_mean_value",
		Help:    "Mean logit value observed",
		Buckets: []float64{-20, -10, -5, -1, 0, 1, 5, 10, 20},
	})

	LogitRMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "logit_rms",
		Help:    "Root mean square of logit values",
		Buckets: []float64{0, 0.1, 0.5, 1, 2, 5, 10, 20, 50},
	})

	AttentionEntropy = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attention_entropy_nats",
		Help:    "Entropy of attention distributions over source positions",
		Buckets: []float64{0, 0.1, 0.25, 0.5, 1, 1.5, 2, 3, 4},
	})

	ModelParameters = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "model_parameters",
		Help: "Parameter counts of the constructed model",
	}, []string{"kind"})

	TensorAllocatedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tensor_allocated_bytes",
		Help: "Bytes currently held by the CPU tensor pool",
	})
)

// RecordForward records one completed rollout.
func RecordForward(batch, sourceLen, targetLen int, duration time.Duration) {
	ForwardTotal.Inc()
	ForwardDuration.Observe(duration.Seconds())
	BatchSize.Observe(float64(batch))
	SequenceLength.WithLabelValues("source").Observe(float64(sourceLen))
	SequenceLength.WithLabelValues("target").Observe(float64(targetLen))
}

// RecordDecodeStep records one decoder step and where its next input came from.
func RecordDecodeStep(forced bool) {
	DecodeStepsTotal.Inc()
	totalSteps.Add(1)
	if forced {
		forcedSteps.Add(1)
		TeacherForcing.WithLabelValues("ground_truth").Inc()
	} else {
		TeacherForcing.WithLabelValues("prediction").Inc()
	}
}

// ForcedRatio is the fraction of decoder steps fed with ground truth since process start.
func ForcedRatio() float64 {
	n := totalSteps.Load()
	if n == 0 {
		return 0
	}
	return float64(forcedSteps.Load()) / float64(n)
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordLogitStats(max, min, mean, rms float64) {
	LogitMaxValue.Observe(max)
	LogitMinValue.Observe(min)
	LogitMeanValue.Observe(mean)
	LogitRMS.Observe(rms)
}

func RecordAttentionEntropy(nats float64) {
	AttentionEntropy.Observe(nats)
}

func RecordParameters(trainable, total int) {
	ModelParameters.WithLabelValues("trainable").Set(float64(trainable))
	ModelParameters.WithLabelValues("total").Set(float64(total))
}

func RecordAllocated(bytes int64) {
	TensorAllocatedBytes.Set(float64(bytes))
}

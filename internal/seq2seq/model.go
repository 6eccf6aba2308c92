// Package seq2seq assembles the encoder, additive attention and decoder into an autoregressive
// text simplification model and drives its teacher-forced rollout.
package seq2seq

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-cleartext/internal/config"
	"github.com/23skdu/longbow-cleartext/internal/cpu"
	"github.com/23skdu/longbow-cleartext/internal/logger"
	"github.com/23skdu/longbow-cleartext/internal/metrics"
	"github.com/23skdu/longbow-cleartext/internal/nn"
)

type Model struct {
	cfg       config.Config
	ctx       *cpu.Context
	encoder   *Encoder
	attention *Attention
	decoder   *Decoder
	log       *logger.Logger
}

// Rollout is the trace of one forward pass. Logits is (target_len, batch, vocab) with position 0
// left zero. For step t >= 1, Inputs[t-1] holds the previous-token ids fed to the decoder,
// Forced[t-1] whether the step's successor is fed ground truth, and Attention[t-1] the
// (batch, source_len) weights (only when attention tracing is enabled).
type Rollout struct {
	Logits    *cpu.Tensor
	Inputs    [][]int
	Forced    []bool
	Attention []*mat.Dense
}

// New builds a model over the given source and target embedding tables. The embedding
// dimension of each side comes from its table. ctx is reseeded with cfg.Seed so that
// construction with equal inputs yields equal weights.
func New(ctx *cpu.Context, src, trg mat.Matrix, cfg config.Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := checkTable("source", src); err != nil {
		return nil, err
	}
	if err := checkTable("target", trg); err != nil {
		return nil, err
	}
	ctx.Seed(cfg.Seed)
	if cfg.NumThreads > 0 {
		ctx.SetNumThreads(cfg.NumThreads)
	}

	encoder := NewEncoder(ctx, cfg.Topology, src, cfg.RNNUnits, cfg.Layers, cfg.Dropout)
	encDim := encoder.OutputSize()
	m := &Model{
		cfg:       cfg,
		ctx:       ctx,
		encoder:   encoder,
		attention: NewAttention(ctx, cfg.Scoring, encDim, cfg.RNNUnits, cfg.AttnUnits, cfg.Dropout),
		decoder:   NewDecoder(ctx, cfg.Topology, trg, cfg.RNNUnits, encDim, cfg.DecoderLayers(), cfg.Dropout),
		log:       logger.Log.With("seq2seq"),
	}
	if got, want := encoder.StateArity(), m.decoder.Layers(); got != want {
		return nil, fmt.Errorf("seq2seq: %w: encoder hands over %d states, decoder has %d layers", cpu.ErrShape, got, want)
	}

	trainable, total := m.Size()
	metrics.RecordParameters(trainable, total)
	m.log.Info("Model initialized",
		"topology", cfg.Topology.String(),
		"scoring", cfg.Scoring.String(),
		"rnn_units", cfg.RNNUnits,
		"attn_units", cfg.AttnUnits,
		"layers", cfg.Layers,
		"decoder_layers", m.decoder.Layers(),
		"source_vocab", encoder.embedding.VocabSize(),
		"target_vocab", m.decoder.VocabSize(),
		"trainable_params", trainable,
		"total_params", total)
	return m, nil
}

func checkTable(side string, table mat.Matrix) error {
	if table == nil {
		return fmt.Errorf("%w: %s embedding table is nil", config.ErrInvalid, side)
	}
	r, c := table.Dims()
	if r <= 0 || c <= 0 {
		return fmt.Errorf("%w: %s embedding table is (%d, %d)", config.ErrInvalid, side, r, c)
	}
	return nil
}

func (m *Model) Config() config.Config {
	return m.cfg
}

func (m *Model) Context() *cpu.Context {
	return m.ctx
}

func (m *Model) TargetVocabSize() int {
	return m.decoder.VocabSize()
}

// Train enables dropout.
func (m *Model) Train() {
	m.ctx.SetTraining(true)
}

// Eval disables dropout.
func (m *Model) Eval() {
	m.ctx.SetTraining(false)
}

// Parameters lists every weight in a stable order: encoder, attention, decoder.
func (m *Model) Parameters() []nn.Param {
	params := m.encoder.Parameters()
	params = append(params, m.attention.Parameters()...)
	return append(params, m.decoder.Parameters()...)
}

// Size returns trainable and total scalar parameter counts. Embedding tables count toward
// total only.
func (m *Model) Size() (trainable, total int) {
	return nn.Count(m.Parameters())
}

// Forward runs a rollout with a fresh Bernoulli(tf) forcing draw per step and returns the
// (target_len, batch, vocab) logits. For inference pass tf = 0 and a Placeholder target.
func (m *Model) Forward(source, target [][]int, tf float64) (*cpu.Tensor, error) {
	if err := config.ValidateProbability("teacher_forcing", tf); err != nil {
		return nil, err
	}
	r, err := m.Rollout(source, target, Bernoulli(m.ctx, tf))
	if err != nil {
		return nil, err
	}
	return r.Logits, nil
}

// Rollout encodes source once and decodes target_len-1 positions. The first decoder input is
// always target[0]; after step t the forcing policy picks between target[t] and the step's
// own arg-max prediction.
func (m *Model) Rollout(source, target [][]int, forcing Forcing) (*Rollout, error) {
	batch, err := checkBatch(source, target)
	if err != nil {
		metrics.RecordValidationError("seq2seq", "shape")
		return nil, err
	}
	if forcing == nil {
		return nil, fmt.Errorf("seq2seq: %w: nil forcing policy", config.ErrInvalid)
	}
	ctx := m.ctx
	start := time.Now()

	targetLen := len(target)
	vocab := m.decoder.VocabSize()
	out := &Rollout{Logits: ctx.NewTensor(targetLen, batch, vocab)}

	fail := func(t int, err error) (*Rollout, error) {
		ctx.PutTensor(out.Logits)
		return nil, fmt.Errorf("seq2seq: step %d: %w", t, err)
	}

	enc, state, err := m.encoder.Forward(ctx, source)
	if err != nil {
		return fail(0, err)
	}
	defer ctx.PutTensor(enc)

	prev := append([]int(nil), target[0]...)
	forced := 0
	entropy := 0.0
	for t := 1; t < targetLen; t++ {
		weights, err := m.attention.Weights(ctx, state.Top(), enc)
		if err != nil {
			return fail(t, err)
		}
		context, err := Combine(ctx, weights, enc)
		if err != nil {
			return fail(t, err)
		}
		logits, next, err := m.decoder.Step(ctx, prev, context, state)
		if err != nil {
			return fail(t, err)
		}
		if err := out.Logits.SetStep(t, logits); err != nil {
			return fail(t, err)
		}
		out.Inputs = append(out.Inputs, prev)
		if m.cfg.DebugAttention {
			out.Attention = append(out.Attention, weights)
			for b := 0; b < batch; b++ {
				entropy += cpu.Entropy(weights.RawRowView(b))
			}
		}

		force := forcing.Force(t)
		metrics.RecordDecodeStep(force)
		out.Forced = append(out.Forced, force)
		if force {
			forced++
			prev = append([]int(nil), target[t]...)
		} else {
			prev = cpu.ArgMaxRows(logits)
		}
		state = next
	}

	m.observe(out, batch, len(source), targetLen, forced, entropy, time.Since(start))
	return out, nil
}

func (m *Model) observe(r *Rollout, batch, sourceLen, targetLen, forced int, entropy float64, elapsed time.Duration) {
	metrics.RecordForward(batch, sourceLen, targetLen, elapsed)
	if targetLen > 1 {
		stride := batch * m.decoder.VocabSize()
		stats := cpu.ComputeStats(r.Logits.Data()[stride:])
		metrics.RecordNumericalInstability("logits", stats.NaNs, stats.Infs)
		if stats.NaNs > 0 || stats.Infs > 0 {
			m.log.Warn("Non-finite logits", "nan", stats.NaNs, "inf", stats.Infs)
		}
		if m.cfg.DebugLogits {
			metrics.RecordLogitStats(stats.Max, stats.Min, stats.Mean, stats.RMS)
			m.log.Debug("Logit stats", "max", stats.Max, "min", stats.Min, "mean", stats.Mean, "rms", stats.RMS)
		}
		if m.cfg.DebugAttention {
			metrics.RecordAttentionEntropy(entropy / float64(batch*(targetLen-1)))
		}
	}
	m.log.Debug("Forward pass",
		"batch", batch,
		"source_len", sourceLen,
		"target_len", targetLen,
		"forced_steps", forced,
		"duration_ms", float64(elapsed.Microseconds())/1000)
}

// checkBatch verifies both grids are non-empty and rectangular with the same batch width.
func checkBatch(source, target [][]int) (int, error) {
	if len(target) < 1 {
		return 0, fmt.Errorf("seq2seq: %w: target needs at least the start position", cpu.ErrShape)
	}
	if len(source) < 1 {
		return 0, fmt.Errorf("seq2seq: %w: empty source sequence", cpu.ErrShape)
	}
	batch := len(source[0])
	if batch < 1 {
		return 0, fmt.Errorf("seq2seq: %w: empty batch", cpu.ErrShape)
	}
	for t, ids := range source {
		if len(ids) != batch {
			return 0, fmt.Errorf("seq2seq: %w: source position %d has batch %d, want %d", cpu.ErrShape, t, len(ids), batch)
		}
	}
	for t, ids := range target {
		if len(ids) != batch {
			return 0, fmt.Errorf("seq2seq: %w: target position %d has batch %d, want %d", cpu.ErrShape, t, len(ids), batch)
		}
	}
	return batch, nil
}

package seq2seq

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-cleartext/internal/config"
	"github.com/23skdu/longbow-cleartext/internal/cpu"
	"github.com/23skdu/longbow-cleartext/internal/metrics"
	"github.com/23skdu/longbow-cleartext/internal/nn"
)

// Attention scores every source position against the decoder's top hidden state with
// additive (Bahdanau) attention: tanh(W1·[dec; enc_s]) reduced to a scalar, then softmax
// over positions.
type Attention struct {
	scoring  config.Scoring
	decUnits int
	encDim   int
	fc1      *nn.Linear
	fc2      *nn.Linear // nil for ScoringSum
	dropout  float64
}

func NewAttention(ctx *cpu.Context, scoring config.Scoring, encDim, decUnits, attnUnits int, dropout float64) *Attention {
	a := &Attention{
		scoring:  scoring,
		decUnits: decUnits,
		encDim:   encDim,
		fc1:      nn.NewLinear(ctx, "attention.fc1", decUnits+encDim, attnUnits),
		dropout:  dropout,
	}
	if scoring == config.ScoringProjection {
		a.fc2 = nn.NewLinear(ctx, "attention.fc2", attnUnits, 1)
	}
	return a
}

// Weights returns a (batch, source_len) matrix whose rows are distributions over positions.
// dec is (batch, decUnits); enc is (source_len, batch, encDim).
func (a *Attention) Weights(ctx *cpu.Context, dec *mat.Dense, enc *cpu.Tensor) (*mat.Dense, error) {
	dims := enc.Dims()
	srcLen, batch := dims[0], dims[1]
	rows, cols := dec.Dims()
	if rows != batch || cols != a.decUnits || dims[2] != a.encDim {
		metrics.RecordValidationError("attention", "shape")
		return nil, fmt.Errorf("attention: %w: decoder state (%d, %d) and encoder outputs %v, want (batch, %d) and (len, batch, %d)",
			cpu.ErrShape, rows, cols, dims, a.decUnits, a.encDim)
	}

	// row b*srcLen+s holds [dec_b ; enc_{s,b}]
	width := a.decUnits + a.encDim
	combined := mat.NewDense(batch*srcLen, width, nil)
	data := enc.Data()
	ctx.ParallelRows(batch, func(lo, hi int) {
		for b := lo; b < hi; b++ {
			state := dec.RawRowView(b)
			for s := 0; s < srcLen; s++ {
				row := combined.RawRowView(b*srcLen + s)
				copy(row, state)
				off := (s*batch + b) * a.encDim
				copy(row[a.decUnits:], data[off:off+a.encDim])
			}
		}
	})
	combined = ctx.Dropout(combined, a.dropout)

	hidden, err := a.fc1.Forward(combined)
	if err != nil {
		return nil, fmt.Errorf("attention: %w", err)
	}
	cpu.Tanh(hidden)

	var flat []float64
	if a.scoring == config.ScoringProjection {
		scores, err := a.fc2.Forward(hidden)
		if err != nil {
			return nil, fmt.Errorf("attention: %w", err)
		}
		flat = scores.RawMatrix().Data
	} else {
		flat = make([]float64, batch*srcLen)
		ctx.ParallelRows(batch*srcLen, func(lo, hi int) {
			for i := lo; i < hi; i++ {
				flat[i] = floats.Sum(hidden.RawRowView(i))
			}
		})
	}

	weights := mat.NewDense(batch, srcLen, flat)
	cpu.SoftmaxRows(weights)
	return weights, nil
}

func (a *Attention) Parameters() []nn.Param {
	params := a.fc1.Parameters()
	if a.fc2 != nil {
		params = append(params, a.fc2.Parameters()...)
	}
	return params
}

// Combine forms one context vector per batch element as the attention-weighted sum of encoder
// outputs. weights is (batch, source_len), enc is (source_len, batch, dim); the result is
// (batch, dim), the single decoding position the decoder consumes.
func Combine(ctx *cpu.Context, weights *mat.Dense, enc *cpu.Tensor) (*mat.Dense, error) {
	dims := enc.Dims()
	srcLen, batch, dim := dims[0], dims[1], dims[2]
	rows, cols := weights.Dims()
	if rows != batch || cols != srcLen {
		metrics.RecordValidationError("context", "shape")
		return nil, fmt.Errorf("context: %w: weights (%d, %d) for encoder outputs %v", cpu.ErrShape, rows, cols, dims)
	}

	out := mat.NewDense(batch, dim, nil)
	data := enc.Data()
	ctx.ParallelRows(batch, func(lo, hi int) {
		for b := lo; b < hi; b++ {
			dst := out.RawRowView(b)
			w := weights.RawRowView(b)
			for s := 0; s < srcLen; s++ {
				off := (s*batch + b) * dim
				floats.AddScaled(dst, w[s], data[off:off+dim])
			}
		}
	})
	return out, nil
}

package nn

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-cleartext/internal/cpu"
	"github.com/23skdu/longbow-cleartext/internal/metrics"
)

// Linear computes x·Wᵀ + b for a (batch, in) input.
type Linear struct {
	name string
	w    *mat.Dense // out x in
	b    *mat.Dense // 1 x out
}

func NewLinear(ctx *cpu.Context, name string, in, out int) *Linear {
	bound := fanBound(in)
	return &Linear{
		name: name,
		w:    uniform(ctx, out, in, bound),
		b:    uniform(ctx, 1, out, bound),
	}
}

func (l *Linear) In() int {
	_, c := l.w.Dims()
	return c
}

func (l *Linear) Out() int {
	r, _ := l.w.Dims()
	return r
}

func (l *Linear) Forward(x mat.Matrix) (*mat.Dense, error) {
	rows, cols := x.Dims()
	if cols != l.In() {
		metrics.RecordValidationError(l.name, "shape")
		return nil, fmt.Errorf("%s: %w: input has %d features, want %d", l.name, cpu.ErrShape, cols, l.In())
	}
	out := mat.NewDense(rows, l.Out(), nil)
	out.Mul(x, l.w.T())
	addBias(out, l.b)
	return out, nil
}

func (l *Linear) Parameters() []Param {
	return []Param{
		{Name: l.name + ".weight", Value: l.w, Trainable: true},
		{Name: l.name + ".bias", Value: l.b, Trainable: true},
	}
}

func addBias(m, b *mat.Dense) {
	r, _ := m.Dims()
	bias := b.RawRowView(0)
	for i := 0; i < r; i++ {
		floats.Add(m.RawRowView(i), bias)
	}
}

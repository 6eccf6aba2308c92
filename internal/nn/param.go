// Package nn holds the layers the sequence model is assembled from: a frozen embedding lookup,
// dense projections and stacked, optionally bidirectional, LSTM/GRU layers. All layers keep
// their weights as gonum matrices and take batch-major (batch, features) inputs.
package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-cleartext/internal/cpu"
)

// Param is a named weight matrix. Trainable params alias the layer's live storage; frozen ones
// are copies, so mutating them never reaches the layer.
type Param struct {
	Name      string
	Value     *mat.Dense
	Trainable bool
}

func (p Param) Size() int {
	r, c := p.Value.Dims()
	return r * c
}

// Count returns the number of trainable scalars and the number of all scalars.
func Count(params []Param) (trainable, total int) {
	for _, p := range params {
		n := p.Size()
		total += n
		if p.Trainable {
			trainable += n
		}
	}
	return trainable, total
}

func uniform(ctx *cpu.Context, rows, cols int, bound float64) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = ctx.Uniform(bound)
	}
	return mat.NewDense(rows, cols, data)
}

func fanBound(n int) float64 {
	return 1 / math.Sqrt(float64(n))
}

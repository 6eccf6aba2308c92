package seq2seq

import (
	"github.com/23skdu/longbow-cleartext/internal/cpu"
)

// Predictions takes the arg-max token at every decoded position. The result has target_len-1
// rows: row i holds the (batch) ids predicted for position i+1.
func Predictions(logits *cpu.Tensor) [][]int {
	n := logits.Dims()[0]
	if n < 2 {
		return nil
	}
	out := make([][]int, 0, n-1)
	for t := 1; t < n; t++ {
		out = append(out, cpu.ArgMaxRows(logits.Step(t)))
	}
	return out
}

// Placeholder builds a (length, batch) target grid filled with sos. With teacher forcing off
// only its first position and its length are ever read.
func Placeholder(length, batch, sos int) [][]int {
	grid := make([][]int, length)
	for t := range grid {
		row := make([]int, batch)
		for b := range row {
			row[b] = sos
		}
		grid[t] = row
	}
	return grid
}

// Translate greedily decodes length-1 tokens per batch element, feeding back its own
// predictions. Dropout follows the current train/eval mode, so call Eval first for inference.
func (m *Model) Translate(source [][]int, length, sos int) ([][]int, error) {
	batch := 0
	if len(source) > 0 {
		batch = len(source[0])
	}
	r, err := m.Rollout(source, Placeholder(length, batch, sos), Never())
	if err != nil {
		return nil, err
	}
	defer m.ctx.PutTensor(r.Logits)
	return Predictions(r.Logits), nil
}

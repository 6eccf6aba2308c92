package seq2seq

import (
	"fmt"

	"github.com/23skdu/longbow-cleartext/internal/cpu"
	"github.com/23skdu/longbow-cleartext/internal/nn"
)

// CrossEntropy is the mean negative log-likelihood of target under logits over positions
// 1..target_len-1, skipping tokens equal to ignoreIndex. Position 0 is the start token and is
// never scored. It returns 0 when no token is counted.
func CrossEntropy(logits *cpu.Tensor, target [][]int, ignoreIndex int) (float64, error) {
	dims := logits.Dims()
	if len(target) != dims[0] {
		return 0, fmt.Errorf("loss: %w: target length %d for logits %v", cpu.ErrShape, len(target), dims)
	}
	batch, vocab := dims[1], dims[2]
	row := make([]float64, vocab)
	total := 0.0
	counted := 0
	for t := 1; t < len(target); t++ {
		if len(target[t]) != batch {
			return 0, fmt.Errorf("loss: %w: target position %d has batch %d, want %d", cpu.ErrShape, t, len(target[t]), batch)
		}
		step := logits.Step(t)
		for b, y := range target[t] {
			if y == ignoreIndex {
				continue
			}
			if y < 0 || y >= vocab {
				return 0, fmt.Errorf("loss: %w: id %d at position %d, vocab %d", nn.ErrVocabRange, y, t, vocab)
			}
			copy(row, step.RawRowView(b))
			cpu.LogSoftmax(row)
			total -= row[y]
			counted++
		}
	}
	if counted == 0 {
		return 0, nil
	}
	return total / float64(counted), nil
}

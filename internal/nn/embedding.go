package nn

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-cleartext/internal/cpu"
	"github.com/23skdu/longbow-cleartext/internal/metrics"
)

// ErrVocabRange is returned when a token id falls outside [0, vocab_size).
var ErrVocabRange = errors.New("token id out of vocabulary range")

// Embedding maps token ids to rows of a pretrained table. The table is copied at construction
// and never handed out, so it cannot be updated in place.
type Embedding struct {
	name  string
	table *mat.Dense
}

func NewEmbedding(name string, table mat.Matrix) *Embedding {
	return &Embedding{name: name, table: mat.DenseCopyOf(table)}
}

func (e *Embedding) VocabSize() int {
	r, _ := e.table.Dims()
	return r
}

func (e *Embedding) Dim() int {
	_, c := e.table.Dims()
	return c
}

// Lookup returns a (len(ids), dim) matrix, one row per id.
func (e *Embedding) Lookup(ids []int) (*mat.Dense, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%s: %w: empty id batch", e.name, cpu.ErrShape)
	}
	vocab := e.VocabSize()
	out := mat.NewDense(len(ids), e.Dim(), nil)
	for i, id := range ids {
		if id < 0 || id >= vocab {
			metrics.RecordValidationError(e.name, "vocab_range")
			return nil, fmt.Errorf("%s: %w: id %d at batch %d, vocab %d", e.name, ErrVocabRange, id, i, vocab)
		}
		out.SetRow(i, e.table.RawRowView(id))
	}
	return out, nil
}

// LookupSequence embeds a (seq_len, batch) id grid into one (batch, dim) matrix per position.
func (e *Embedding) LookupSequence(seq [][]int) ([]*mat.Dense, error) {
	out := make([]*mat.Dense, len(seq))
	for t, ids := range seq {
		m, err := e.Lookup(ids)
		if err != nil {
			return nil, fmt.Errorf("position %d: %w", t, err)
		}
		out[t] = m
	}
	return out, nil
}

func (e *Embedding) Parameters() []Param {
	return []Param{{Name: e.name + ".weight", Value: mat.DenseCopyOf(e.table), Trainable: false}}
}

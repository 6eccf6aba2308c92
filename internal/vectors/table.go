// Package vectors loads pretrained word vector tables from GloVe text files, Arrow IPC files
// or an Arrow Flight service, and turns them into embedding matrices for a vocabulary.
package vectors

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrFormat is wrapped by every parse error on malformed vector input.
	ErrFormat = errors.New("malformed vector table")
	// ErrNotFound is returned when a named table does not exist.
	ErrNotFound = errors.New("vector table not found")
)

// Source fetches a named vector table.
type Source interface {
	Fetch(ctx context.Context, name string) (*Table, error)
}

// Table is an immutable word -> vector mapping. Row i of Vectors belongs to Words[i].
type Table struct {
	Words   []string
	Vectors *mat.Dense
	index   map[string]int
}

// NewTable indexes words against the rows of vectors. Later duplicates are ignored.
func NewTable(words []string, vectors *mat.Dense) (*Table, error) {
	if vectors == nil {
		return nil, fmt.Errorf("%w: no vectors", ErrFormat)
	}
	rows, _ := vectors.Dims()
	if rows != len(words) {
		return nil, fmt.Errorf("%w: %d words for %d vectors", ErrFormat, len(words), rows)
	}
	index := make(map[string]int, len(words))
	for i, w := range words {
		if _, ok := index[w]; !ok {
			index[w] = i
		}
	}
	return &Table{Words: words, Vectors: vectors, index: index}, nil
}

func (t *Table) Len() int {
	return len(t.Words)
}

func (t *Table) Dim() int {
	_, c := t.Vectors.Dims()
	return c
}

// Lookup returns a copy of word's vector.
func (t *Table) Lookup(word string) ([]float64, bool) {
	i, ok := t.index[word]
	if !ok {
		return nil, false
	}
	return append([]float64(nil), t.Vectors.RawRowView(i)...), true
}

// Select builds a (len(vocab), Dim) embedding matrix whose row i is the vector of vocab[i].
// Words missing from the table get zero rows; their count is returned as missing.
func (t *Table) Select(vocab []string) (embedding *mat.Dense, missing int) {
	embedding = mat.NewDense(len(vocab), t.Dim(), nil)
	for i, w := range vocab {
		j, ok := t.index[w]
		if !ok {
			missing++
			continue
		}
		embedding.SetRow(i, t.Vectors.RawRowView(j))
	}
	return embedding, missing
}

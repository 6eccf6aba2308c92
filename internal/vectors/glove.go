package vectors

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// ReadGloVe parses the GloVe text format: one "word v1 v2 ... vN" line per entry, every line
// carrying the same N. Blank lines are skipped.
func ReadGloVe(r io.Reader) (*Table, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var (
		words []string
		data  []float64
		dim   = -1
		line  int
	)
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("glove: %w: line %d has no values", ErrFormat, line)
		}
		if dim < 0 {
			dim = len(fields) - 1
		} else if len(fields)-1 != dim {
			return nil, fmt.Errorf("glove: %w: line %d has %d values, want %d", ErrFormat, line, len(fields)-1, dim)
		}
		words = append(words, fields[0])
		for _, f := range fields[1:] {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("glove: %w: line %d: %v", ErrFormat, line, err)
			}
			data = append(data, v)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("glove: %w", err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("glove: %w: empty input", ErrFormat)
	}
	return NewTable(words, mat.NewDense(len(words), dim, data))
}

// Files reads tables from local paths: Arrow IPC when the path ends in .arrow, GloVe text
// otherwise.
type Files struct{}

func (Files) Fetch(ctx context.Context, path string) (*Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if filepath.Ext(path) != ".arrow" {
		return LoadGloVe(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadArrow(f)
}

func LoadGloVe(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadGloVe(f)
}

package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-cleartext/internal/cpu"
	"github.com/23skdu/longbow-cleartext/internal/metrics"
)

// CellKind selects the gated recurrent cell.
type CellKind int

const (
	LSTM CellKind = iota // gates i, f, g, o; carries hidden and cell state
	GRU                  // gates r, z, n; carries hidden state only
)

func (k CellKind) String() string {
	if k == GRU {
		return "gru"
	}
	return "lstm"
}

func (k CellKind) gates() int {
	if k == GRU {
		return 3
	}
	return 4
}

// State holds one (batch, units) matrix per layer and direction, indexed layer*directions+direction.
// C is nil for GRU.
type State struct {
	H []*mat.Dense
	C []*mat.Dense
}

type cell struct {
	wih, whh *mat.Dense // gates*units x in, gates*units x units
	bih, bhh *mat.Dense // 1 x gates*units
}

// RNN is a stack of recurrent layers. With bidirectional set every layer runs a forward and a
// reverse pass and concatenates them, so layers above the first see 2*units features.
type RNN struct {
	name          string
	kind          CellKind
	in, units     int
	layers        int
	bidirectional bool
	dropout       float64
	cells         [][]*cell // [layer][direction]
}

func NewRNN(ctx *cpu.Context, name string, kind CellKind, in, units, layers int, bidirectional bool, dropout float64) *RNN {
	r := &RNN{
		name:          name,
		kind:          kind,
		in:            in,
		units:         units,
		layers:        layers,
		bidirectional: bidirectional,
		dropout:       dropout,
		cells:         make([][]*cell, layers),
	}
	bound := fanBound(units)
	g := kind.gates() * units
	for l := 0; l < layers; l++ {
		layerIn := in
		if l > 0 {
			layerIn = units * r.Directions()
		}
		r.cells[l] = make([]*cell, r.Directions())
		for d := range r.cells[l] {
			r.cells[l][d] = &cell{
				wih: uniform(ctx, g, layerIn, bound),
				whh: uniform(ctx, g, units, bound),
				bih: uniform(ctx, 1, g, bound),
				bhh: uniform(ctx, 1, g, bound),
			}
		}
	}
	return r
}

func (r *RNN) Units() int  { return r.units }
func (r *RNN) Layers() int { return r.layers }

func (r *RNN) Directions() int {
	if r.bidirectional {
		return 2
	}
	return 1
}

// OutputSize is the feature width of each per-position output.
func (r *RNN) OutputSize() int {
	return r.units * r.Directions()
}

func (r *RNN) ZeroState(batch int) State {
	n := r.layers * r.Directions()
	s := State{H: make([]*mat.Dense, n)}
	if r.kind == LSTM {
		s.C = make([]*mat.Dense, n)
	}
	for i := 0; i < n; i++ {
		s.H[i] = mat.NewDense(batch, r.units, nil)
		if s.C != nil {
			s.C[i] = mat.NewDense(batch, r.units, nil)
		}
	}
	return s
}

// CheckState verifies arity and shapes of s against this layer for the given batch size.
func (r *RNN) CheckState(s State, batch int) error {
	n := r.layers * r.Directions()
	if len(s.H) != n {
		return fmt.Errorf("%s: %w: %d hidden states, want %d", r.name, cpu.ErrShape, len(s.H), n)
	}
	if r.kind == LSTM && len(s.C) != n {
		return fmt.Errorf("%s: %w: %d cell states, want %d", r.name, cpu.ErrShape, len(s.C), n)
	}
	if r.kind == GRU && s.C != nil {
		return fmt.Errorf("%s: %w: gru takes no cell state", r.name, cpu.ErrShape)
	}
	check := func(kind string, ms []*mat.Dense) error {
		for i, m := range ms {
			if m == nil {
				return fmt.Errorf("%s: %w: %s state %d is nil", r.name, cpu.ErrShape, kind, i)
			}
			rows, cols := m.Dims()
			if rows != batch || cols != r.units {
				return fmt.Errorf("%s: %w: %s state %d is (%d, %d), want (%d, %d)",
					r.name, cpu.ErrShape, kind, i, rows, cols, batch, r.units)
			}
		}
		return nil
	}
	if err := check("hidden", s.H); err != nil {
		return err
	}
	return check("cell", s.C)
}

// Forward runs the stack over xs, one (batch, in) matrix per position, starting from init
// (zeros when nil). It returns the top layer's per-position outputs and the final state of
// every layer and direction. Dropout is applied between layers, never after the last.
func (r *RNN) Forward(ctx *cpu.Context, xs []*mat.Dense, init *State) ([]*mat.Dense, State, error) {
	if len(xs) == 0 {
		return nil, State{}, fmt.Errorf("%s: %w: empty input sequence", r.name, cpu.ErrShape)
	}
	batch, _ := xs[0].Dims()
	for t, x := range xs {
		rows, cols := x.Dims()
		if rows != batch || cols != r.in {
			metrics.RecordValidationError(r.name, "shape")
			return nil, State{}, fmt.Errorf("%s: %w: input %d is (%d, %d), want (%d, %d)",
				r.name, cpu.ErrShape, t, rows, cols, batch, r.in)
		}
	}

	start := r.ZeroState(batch)
	if init != nil {
		if err := r.CheckState(*init, batch); err != nil {
			metrics.RecordValidationError(r.name, "state")
			return nil, State{}, err
		}
		start = *init
	}

	final := State{H: make([]*mat.Dense, len(start.H))}
	if r.kind == LSTM {
		final.C = make([]*mat.Dense, len(start.C))
	}

	seqLen := len(xs)
	input := xs
	dirs := r.Directions()
	for l := 0; l < r.layers; l++ {
		if l > 0 && r.dropout > 0 {
			dropped := make([]*mat.Dense, seqLen)
			for t, x := range input {
				dropped[t] = ctx.Dropout(x, r.dropout)
			}
			input = dropped
		}

		perDir := make([][]*mat.Dense, dirs)
		for d := 0; d < dirs; d++ {
			idx := l*dirs + d
			h := start.H[idx]
			var c *mat.Dense
			if r.kind == LSTM {
				c = start.C[idx]
			}
			outs := make([]*mat.Dense, seqLen)
			for step := 0; step < seqLen; step++ {
				t := step
				if d == 1 {
					t = seqLen - 1 - step
				}
				h, c = r.cells[l][d].step(r.kind, r.units, input[t], h, c)
				outs[t] = h
			}
			perDir[d] = outs
			final.H[idx] = h
			if r.kind == LSTM {
				final.C[idx] = c
			}
		}

		if dirs == 1 {
			input = perDir[0]
			continue
		}
		joined := make([]*mat.Dense, seqLen)
		for t := 0; t < seqLen; t++ {
			m, err := cpu.ConcatCols(perDir[0][t], perDir[1][t])
			if err != nil {
				return nil, State{}, err
			}
			joined[t] = m
		}
		input = joined
	}
	return input, final, nil
}

// step advances one cell by one position. c is ignored and returned nil for GRU.
func (c *cell) step(kind CellKind, units int, x, h, cPrev *mat.Dense) (*mat.Dense, *mat.Dense) {
	batch, _ := x.Dims()
	g := kind.gates() * units

	gi := mat.NewDense(batch, g, nil)
	gi.Mul(x, c.wih.T())
	addBias(gi, c.bih)
	gh := mat.NewDense(batch, g, nil)
	gh.Mul(h, c.whh.T())
	addBias(gh, c.bhh)

	hNext := mat.NewDense(batch, units, nil)
	if kind == GRU {
		for b := 0; b < batch; b++ {
			xi, hh, hp, out := gi.RawRowView(b), gh.RawRowView(b), h.RawRowView(b), hNext.RawRowView(b)
			for j := 0; j < units; j++ {
				reset := cpu.Sigmoid(xi[j] + hh[j])
				update := cpu.Sigmoid(xi[units+j] + hh[units+j])
				n := math.Tanh(xi[2*units+j] + reset*hh[2*units+j])
				out[j] = (1-update)*n + update*hp[j]
			}
		}
		return hNext, nil
	}

	cNext := mat.NewDense(batch, units, nil)
	for b := 0; b < batch; b++ {
		xi, hh, cp := gi.RawRowView(b), gh.RawRowView(b), cPrev.RawRowView(b)
		hOut, cOut := hNext.RawRowView(b), cNext.RawRowView(b)
		for j := 0; j < units; j++ {
			in := cpu.Sigmoid(xi[j] + hh[j])
			forget := cpu.Sigmoid(xi[units+j] + hh[units+j])
			cand := math.Tanh(xi[2*units+j] + hh[2*units+j])
			out := cpu.Sigmoid(xi[3*units+j] + hh[3*units+j])
			cOut[j] = forget*cp[j] + in*cand
			hOut[j] = out * math.Tanh(cOut[j])
		}
	}
	return hNext, cNext
}

// Parameters lists weights as weight_ih_l{layer}[_reverse], weight_hh_..., bias_ih_..., bias_hh_....
func (r *RNN) Parameters() []Param {
	var params []Param
	for l, dirs := range r.cells {
		for d, c := range dirs {
			suffix := fmt.Sprintf("_l%d", l)
			if d == 1 {
				suffix += "_reverse"
			}
			params = append(params,
				Param{Name: r.name + ".weight_ih" + suffix, Value: c.wih, Trainable: true},
				Param{Name: r.name + ".weight_hh" + suffix, Value: c.whh, Trainable: true},
				Param{Name: r.name + ".bias_ih" + suffix, Value: c.bih, Trainable: true},
				Param{Name: r.name + ".bias_hh" + suffix, Value: c.bhh, Trainable: true},
			)
		}
	}
	return params
}

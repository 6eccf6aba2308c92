package seq2seq

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-cleartext/internal/config"
	"github.com/23skdu/longbow-cleartext/internal/cpu"
	"github.com/23skdu/longbow-cleartext/internal/nn"
)

// Encoder embeds the source with frozen vectors and runs a bidirectional recurrent stack over it.
// The GRU topology additionally squeezes the top layer's two final directions into one
// decoder-sized vector through a tanh projection.
type Encoder struct {
	topology  config.Topology
	embedding *nn.Embedding
	rnn       *nn.RNN
	fc        *nn.Linear
	dropout   float64
}

func NewEncoder(ctx *cpu.Context, topology config.Topology, table mat.Matrix, units, layers int, dropout float64) *Encoder {
	embedding := nn.NewEmbedding("encoder.embedding", table)
	kind := nn.LSTM
	if topology == config.TopologyGRU {
		kind = nn.GRU
	}
	e := &Encoder{
		topology:  topology,
		embedding: embedding,
		rnn:       nn.NewRNN(ctx, "encoder.rnn", kind, embedding.Dim(), units, layers, true, dropout),
		dropout:   dropout,
	}
	if topology == config.TopologyGRU {
		e.fc = nn.NewLinear(ctx, "encoder.fc", 2*units, units)
	}
	return e
}

// OutputSize is the feature width of every per-position encoder output.
func (e *Encoder) OutputSize() int {
	return e.rnn.OutputSize()
}

// StateArity is the number of per-layer hidden matrices in the returned state.
func (e *Encoder) StateArity() int {
	if e.topology == config.TopologyGRU {
		return 1
	}
	return e.rnn.Layers() * e.rnn.Directions()
}

// Forward encodes a (source_len, batch) id grid. Outputs are (source_len, batch, OutputSize())
// and come from ctx's tensor pool; the caller returns them with ctx.PutTensor.
func (e *Encoder) Forward(ctx *cpu.Context, source [][]int) (*cpu.Tensor, State, error) {
	embedded, err := e.embedding.LookupSequence(source)
	if err != nil {
		return nil, nil, fmt.Errorf("encoder: %w", err)
	}
	for t := range embedded {
		embedded[t] = ctx.Dropout(embedded[t], e.dropout)
	}

	outs, final, err := e.rnn.Forward(ctx, embedded, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("encoder: %w", err)
	}

	batch := len(source[0])
	outputs := ctx.NewTensor(len(outs), batch, e.OutputSize())
	for t, o := range outs {
		if err := outputs.SetStep(t, o); err != nil {
			ctx.PutTensor(outputs)
			return nil, nil, fmt.Errorf("encoder: %w", err)
		}
	}

	if e.topology == config.TopologyLSTM {
		return outputs, DualState{Hidden: final.H, Cell: final.C}, nil
	}

	n := len(final.H)
	combined, err := cpu.ConcatCols(final.H[n-2], final.H[n-1])
	if err != nil {
		ctx.PutTensor(outputs)
		return nil, nil, fmt.Errorf("encoder: %w", err)
	}
	combined = ctx.Dropout(combined, e.dropout)
	hidden, err := e.fc.Forward(combined)
	if err != nil {
		ctx.PutTensor(outputs)
		return nil, nil, fmt.Errorf("encoder: %w", err)
	}
	cpu.Tanh(hidden)
	return outputs, SingleState{Hidden: hidden}, nil
}

func (e *Encoder) Parameters() []nn.Param {
	params := append(e.embedding.Parameters(), e.rnn.Parameters()...)
	if e.fc != nil {
		params = append(params, e.fc.Parameters()...)
	}
	return params
}

package seq2seq

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-cleartext/internal/config"
	"github.com/23skdu/longbow-cleartext/internal/cpu"
	"github.com/23skdu/longbow-cleartext/internal/metrics"
	"github.com/23skdu/longbow-cleartext/internal/nn"
)

// Decoder emits vocabulary logits one position at a time from the previous token, the
// attention context and its recurrent state.
type Decoder struct {
	topology   config.Topology
	embedding  *nn.Embedding
	rnn        *nn.RNN
	fc         *nn.Linear
	contextDim int
	dropout    float64
}

func NewDecoder(ctx *cpu.Context, topology config.Topology, table mat.Matrix, units, contextDim, layers int, dropout float64) *Decoder {
	embedding := nn.NewEmbedding("decoder.embedding", table)
	kind := nn.LSTM
	if topology == config.TopologyGRU {
		kind = nn.GRU
	}
	embedDim := embedding.Dim()
	return &Decoder{
		topology:   topology,
		embedding:  embedding,
		rnn:        nn.NewRNN(ctx, "decoder.rnn", kind, embedDim+contextDim, units, layers, false, dropout),
		fc:         nn.NewLinear(ctx, "decoder.fc", units+contextDim+embedDim, embedding.VocabSize()),
		contextDim: contextDim,
		dropout:    dropout,
	}
}

func (d *Decoder) VocabSize() int {
	return d.embedding.VocabSize()
}

func (d *Decoder) Units() int {
	return d.rnn.Units()
}

func (d *Decoder) Layers() int {
	return d.rnn.Layers()
}

// Step decodes one position for the whole batch. tokens holds one previous id per batch element
// and context is (batch, contextDim). The returned logits are (batch, vocab) and unnormalised.
func (d *Decoder) Step(ctx *cpu.Context, tokens []int, context *mat.Dense, state State) (*mat.Dense, State, error) {
	var init nn.State
	switch s := state.(type) {
	case DualState:
		if d.topology != config.TopologyLSTM {
			metrics.RecordValidationError("decoder", "state")
			return nil, nil, fmt.Errorf("decoder: %w: dual state into %s decoder", ErrStateMismatch, d.topology)
		}
		init = s.recurrent()
	case SingleState:
		if d.topology != config.TopologyGRU {
			metrics.RecordValidationError("decoder", "state")
			return nil, nil, fmt.Errorf("decoder: %w: single state into %s decoder", ErrStateMismatch, d.topology)
		}
		init = s.recurrent()
	default:
		return nil, nil, fmt.Errorf("decoder: %w: %T", ErrStateMismatch, state)
	}

	embedded, err := d.embedding.Lookup(tokens)
	if err != nil {
		return nil, nil, fmt.Errorf("decoder: %w", err)
	}
	embedded = ctx.Dropout(embedded, d.dropout)

	rnnIn, err := cpu.ConcatCols(embedded, context)
	if err != nil {
		return nil, nil, fmt.Errorf("decoder: %w", err)
	}
	outs, final, err := d.rnn.Forward(ctx, []*mat.Dense{rnnIn}, &init)
	if err != nil {
		return nil, nil, fmt.Errorf("decoder: %w", err)
	}

	combined, err := cpu.ConcatCols(outs[0], context, embedded)
	if err != nil {
		return nil, nil, fmt.Errorf("decoder: %w", err)
	}
	combined = ctx.Dropout(combined, d.dropout)
	logits, err := d.fc.Forward(combined)
	if err != nil {
		return nil, nil, fmt.Errorf("decoder: %w", err)
	}

	if d.topology == config.TopologyLSTM {
		return logits, DualState{Hidden: final.H, Cell: final.C}, nil
	}
	return logits, SingleState{Hidden: final.H[0]}, nil
}

func (d *Decoder) Parameters() []nn.Param {
	params := append(d.embedding.Parameters(), d.rnn.Parameters()...)
	return append(params, d.fc.Parameters()...)
}

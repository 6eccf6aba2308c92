package seq2seq

import (
	"errors"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-cleartext/internal/nn"
)

// ErrStateMismatch is returned when a decoder receives the other topology's state variant.
var ErrStateMismatch = errors.New("recurrent state does not match decoder topology")

// State is the recurrent state carried between decoder steps: DualState or SingleState.
type State interface {
	// Top is the last layer's hidden state, (batch, units), which attention scores against.
	Top() *mat.Dense
	recurrent() nn.State
}

// DualState is the LSTM (hidden, cell) pair, one matrix per layer and direction.
type DualState struct {
	Hidden []*mat.Dense
	Cell   []*mat.Dense
}

func (s DualState) Top() *mat.Dense {
	return s.Hidden[len(s.Hidden)-1]
}

func (s DualState) recurrent() nn.State {
	return nn.State{H: s.Hidden, C: s.Cell}
}

// SingleState is the GRU hidden vector.
type SingleState struct {
	Hidden *mat.Dense
}

func (s SingleState) Top() *mat.Dense {
	return s.Hidden
}

func (s SingleState) recurrent() nn.State {
	return nn.State{H: []*mat.Dense{s.Hidden}}
}

package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid is wrapped by every error Validate returns.
var ErrInvalid = errors.New("invalid config")

// Topology selects the recurrent state layout shared by encoder and decoder.
type Topology int

const (
	TopologyLSTM Topology = iota // dual (hidden, cell) state, decoder sees raw encoder state
	TopologyGRU                  // single hidden state, projected down before decoding
)

func (t Topology) String() string {
	switch t {
	case TopologyLSTM:
		return "lstm"
	case TopologyGRU:
		return "gru"
	default:
		return fmt.Sprintf("topology(%d)", int(t))
	}
}

func ParseTopology(s string) (Topology, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lstm", "dual":
		return TopologyLSTM, nil
	case "gru", "single":
		return TopologyGRU, nil
	}
	return 0, fmt.Errorf("%w: unknown topology %q", ErrInvalid, s)
}

// Scoring selects how projected attention features reduce to one score per source position.
type Scoring int

const (
	ScoringProjection Scoring = iota // learned dense projection to a scalar
	ScoringSum                       // sum over the attention feature axis, lighter but not learned
)

func (s Scoring) String() string {
	switch s {
	case ScoringProjection:
		return "projection"
	case ScoringSum:
		return "sum"
	default:
		return fmt.Sprintf("scoring(%d)", int(s))
	}
}

func ParseScoring(s string) (Scoring, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "projection", "dense", "fc":
		return ScoringProjection, nil
	case "sum":
		return ScoringSum, nil
	}
	return 0, fmt.Errorf("%w: unknown scoring %q", ErrInvalid, s)
}

type Config struct {
	Topology Topology
	Scoring  Scoring

	RNNUnits  int
	AttnUnits int
	Layers    int
	Dropout   float64

	TeacherForcing float64

	Seed       int64
	NumThreads int

	DebugLogits    bool
	DebugAttention bool
}

func (c *Config) Validate() error {
	if c.Topology != TopologyLSTM && c.Topology != TopologyGRU {
		return fmt.Errorf("%w: topology %s", ErrInvalid, c.Topology)
	}
	if c.Scoring != ScoringProjection && c.Scoring != ScoringSum {
		return fmt.Errorf("%w: scoring %s", ErrInvalid, c.Scoring)
	}
	if c.RNNUnits <= 0 {
		return fmt.Errorf("%w: rnn_units %d (must be positive)", ErrInvalid, c.RNNUnits)
	}
	if c.AttnUnits <= 0 {
		return fmt.Errorf("%w: attn_units %d (must be positive)", ErrInvalid, c.AttnUnits)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("%w: layers %d (must be positive)", ErrInvalid, c.Layers)
	}
	if err := ValidateProbability("dropout", c.Dropout); err != nil {
		return err
	}
	if err := ValidateProbability("teacher_forcing", c.TeacherForcing); err != nil {
		return err
	}
	if c.NumThreads < 0 {
		return fmt.Errorf("%w: num_threads %d (must be non-negative)", ErrInvalid, c.NumThreads)
	}
	return nil
}

// ValidateProbability rejects p outside [0, 1], including NaN.
func ValidateProbability(name string, p float64) error {
	if !(p >= 0 && p <= 1) {
		return fmt.Errorf("%w: %s %v (must be in [0, 1])", ErrInvalid, name, p)
	}
	return nil
}

// DecoderLayers is the decoder's recurrent depth. The dual-state decoder takes one layer per
// encoder layer and direction so the encoder state flows in without reshaping.
func (c *Config) DecoderLayers() int {
	if c.Topology == TopologyLSTM {
		return 2 * c.Layers
	}
	return 1
}

func Default() Config {
	return Config{
		Topology:       TopologyGRU,
		Scoring:        ScoringProjection,
		RNNUnits:       100,
		AttnUnits:      100,
		Layers:         1,
		Dropout:        0.3,
		TeacherForcing: 0.5,
		Seed:           1,
	}
}

package seq2seq

import (
	"io"
	"math"
	"math/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-cleartext/internal/config"
	"github.com/23skdu/longbow-cleartext/internal/cpu"
	"github.com/23skdu/longbow-cleartext/internal/logger"
	"github.com/23skdu/longbow-cleartext/internal/nn"
)

func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard, "noop")
	os.Exit(m.Run())
}

func randomTable(seed int64, rows, dim int) *mat.Dense {
	r := rand.New(rand.NewSource(seed))
	data := make([]float64, rows*dim)
	for i := range data {
		data[i] = r.NormFloat64()
	}
	return mat.NewDense(rows, dim, data)
}

func randomGrid(seed int64, length, batch, vocab int) [][]int {
	r := rand.New(rand.NewSource(seed))
	grid := make([][]int, length)
	for t := range grid {
		grid[t] = make([]int, batch)
		for b := range grid[t] {
			grid[t][b] = r.Intn(vocab)
		}
	}
	return grid
}

func smallConfig(topology config.Topology) config.Config {
	cfg := config.Default()
	cfg.Topology = topology
	cfg.RNNUnits = 8
	cfg.AttnUnits = 8
	cfg.NumThreads = 2
	return cfg
}

func newModel(t *testing.T, cfg config.Config, vocab, dim int) *Model {
	t.Helper()
	m, err := New(cpu.NewContext(0), randomTable(11, vocab, dim), randomTable(12, vocab, dim), cfg)
	require.NoError(t, err)
	return m
}

var topologies = []config.Topology{config.TopologyLSTM, config.TopologyGRU}

func TestForwardScenarioShape(t *testing.T) {
	for _, topology := range topologies {
		t.Run(topology.String(), func(t *testing.T) {
			m := newModel(t, smallConfig(topology), 100, 50)
			source := randomGrid(1, 5, 2, 100)
			target := randomGrid(2, 4, 2, 100)

			logits, err := m.Forward(source, target, 0.5)
			require.NoError(t, err)
			require.Equal(t, [3]int{4, 2, 100}, logits.Dims())

			for b := 0; b < 2; b++ {
				for v := 0; v < 100; v++ {
					require.Zero(t, logits.At(0, b, v))
				}
			}
			for i := 1; i < 4; i++ {
				for _, v := range logits.Step(i).RawMatrix().Data {
					require.False(t, math.IsNaN(v) || math.IsInf(v, 0), "position %d holds %v", i, v)
				}
			}
		})
	}
}

func TestForwardStartTokenOnly(t *testing.T) {
	for _, topology := range topologies {
		t.Run(topology.String(), func(t *testing.T) {
			m := newModel(t, smallConfig(topology), 30, 6)
			logits, err := m.Forward(randomGrid(3, 4, 1, 30), [][]int{{1}}, 1)
			require.NoError(t, err)
			require.Equal(t, [3]int{1, 1, 30}, logits.Dims())
			for _, v := range logits.Data() {
				require.Zero(t, v)
			}
		})
	}
}

func TestAttentionWeightsAreDistributions(t *testing.T) {
	for _, scoring := range []config.Scoring{config.ScoringProjection, config.ScoringSum} {
		for _, topology := range topologies {
			t.Run(scoring.String()+"/"+topology.String(), func(t *testing.T) {
				cfg := smallConfig(topology)
				cfg.Scoring = scoring
				m := newModel(t, cfg, 40, 10)
				ctx := m.Context()

				enc, state, err := m.encoder.Forward(ctx, randomGrid(4, 6, 3, 40))
				require.NoError(t, err)
				defer ctx.PutTensor(enc)

				weights, err := m.attention.Weights(ctx, state.Top(), enc)
				require.NoError(t, err)
				rows, cols := weights.Dims()
				require.Equal(t, 3, rows)
				require.Equal(t, 6, cols)
				for b := 0; b < rows; b++ {
					sum := 0.0
					for _, w := range weights.RawRowView(b) {
						require.GreaterOrEqual(t, w, 0.0)
						sum += w
					}
					require.InDelta(t, 1.0, sum, 1e-9)
				}
			})
		}
	}
}

func TestAttentionRejectsMismatchedState(t *testing.T) {
	m := newModel(t, smallConfig(config.TopologyGRU), 20, 4)
	ctx := m.Context()
	enc, _, err := m.encoder.Forward(ctx, randomGrid(5, 3, 2, 20))
	require.NoError(t, err)

	_, err = m.attention.Weights(ctx, mat.NewDense(2, 5, nil), enc)
	require.ErrorIs(t, err, cpu.ErrShape)
	_, err = Combine(ctx, mat.NewDense(2, 4, nil), enc)
	require.ErrorIs(t, err, cpu.ErrShape)
}

func TestContextIsConvexCombination(t *testing.T) {
	ctx := cpu.NewContext(9)
	srcLen, batch, dim := 5, 3, 4
	steps := make([]*mat.Dense, srcLen)
	for s := range steps {
		steps[s] = randomTable(int64(20+s), batch, dim)
	}
	enc, err := cpu.NewTensorFromSteps(steps)
	require.NoError(t, err)

	weights := randomTable(30, batch, srcLen)
	cpu.SoftmaxRows(weights)

	context, err := Combine(ctx, weights, enc)
	require.NoError(t, err)
	for b := 0; b < batch; b++ {
		for d := 0; d < dim; d++ {
			lo, hi := math.Inf(1), math.Inf(-1)
			for s := 0; s < srcLen; s++ {
				v := enc.At(s, b, d)
				lo = math.Min(lo, v)
				hi = math.Max(hi, v)
			}
			got := context.At(b, d)
			require.GreaterOrEqual(t, got, lo-1e-12)
			require.LessOrEqual(t, got, hi+1e-12)
		}
	}
}

func TestContextWithOneHotWeightsSelectsPosition(t *testing.T) {
	ctx := cpu.NewContext(1)
	enc, err := cpu.NewTensorFromSteps([]*mat.Dense{
		mat.NewDense(1, 2, []float64{1, 2}),
		mat.NewDense(1, 2, []float64{3, 4}),
	})
	require.NoError(t, err)

	context, err := Combine(ctx, mat.NewDense(1, 2, []float64{0, 1}), enc)
	require.NoError(t, err)
	require.Equal(t, []float64{3, 4}, context.RawRowView(0))
}

func TestFullForcingFeedsGroundTruth(t *testing.T) {
	for _, topology := range topologies {
		t.Run(topology.String(), func(t *testing.T) {
			m := newModel(t, smallConfig(topology), 50, 8)
			target := randomGrid(6, 6, 3, 50)

			r, err := m.Rollout(randomGrid(7, 4, 3, 50), target, Always())
			require.NoError(t, err)
			require.Len(t, r.Inputs, 5)
			for i, ids := range r.Inputs {
				require.Equal(t, target[i], ids, "input to step %d", i+1)
				require.True(t, r.Forced[i])
			}
		})
	}
}

func TestNoForcingFeedsPredictions(t *testing.T) {
	for _, topology := range topologies {
		t.Run(topology.String(), func(t *testing.T) {
			m := newModel(t, smallConfig(topology), 50, 8)
			target := randomGrid(8, 6, 2, 50)

			r, err := m.Rollout(randomGrid(9, 4, 2, 50), target, Never())
			require.NoError(t, err)
			require.Equal(t, target[0], r.Inputs[0])
			for i := 1; i < len(r.Inputs); i++ {
				require.Equal(t, cpu.ArgMaxRows(r.Logits.Step(i)), r.Inputs[i], "input to step %d", i+1)
			}
		})
	}
}

func TestScheduledForcingMixesSources(t *testing.T) {
	m := newModel(t, smallConfig(config.TopologyGRU), 50, 8)
	target := randomGrid(10, 5, 2, 50)

	r, err := m.Rollout(randomGrid(11, 3, 2, 50), target, Schedule(true, false, true))
	require.NoError(t, err)
	require.Equal(t, []bool{true, false, true, false}, r.Forced)
	require.Equal(t, target[1], r.Inputs[1])
	require.Equal(t, cpu.ArgMaxRows(r.Logits.Step(2)), r.Inputs[2])
	require.Equal(t, target[3], r.Inputs[3])
}

func TestForwardIsDeterministicForSeed(t *testing.T) {
	for _, topology := range topologies {
		t.Run(topology.String(), func(t *testing.T) {
			cfg := smallConfig(topology)
			source := randomGrid(12, 5, 2, 60)
			target := randomGrid(13, 4, 2, 60)

			a, err := newModel(t, cfg, 60, 8).Forward(source, target, 0.5)
			require.NoError(t, err)
			b, err := newModel(t, cfg, 60, 8).Forward(source, target, 0.5)
			require.NoError(t, err)
			require.Equal(t, a.Data(), b.Data())
		})
	}
}

func TestEvalModeIsRepeatable(t *testing.T) {
	m := newModel(t, smallConfig(config.TopologyLSTM), 40, 8)
	m.Eval()
	source := randomGrid(14, 4, 2, 40)
	target := randomGrid(15, 5, 2, 40)

	a, err := m.Rollout(source, target, Never())
	require.NoError(t, err)
	b, err := m.Rollout(source, target, Never())
	require.NoError(t, err)
	require.Equal(t, a.Logits.Data(), b.Logits.Data())
}

func TestAttentionTrace(t *testing.T) {
	cfg := smallConfig(config.TopologyGRU)
	cfg.DebugAttention = true
	cfg.DebugLogits = true
	m := newModel(t, cfg, 30, 6)

	r, err := m.Rollout(randomGrid(16, 7, 2, 30), randomGrid(17, 4, 2, 30), Always())
	require.NoError(t, err)
	require.Len(t, r.Attention, 3)
	for _, w := range r.Attention {
		rows, cols := w.Dims()
		require.Equal(t, 2, rows)
		require.Equal(t, 7, cols)
	}
}

func TestAttentionFollowsDecoderState(t *testing.T) {
	for _, topology := range topologies {
		t.Run(topology.String(), func(t *testing.T) {
			cfg := smallConfig(topology)
			cfg.DebugAttention = true
			m := newModel(t, cfg, 30, 6)
			m.Eval()
			ctx := m.Context()
			source := randomGrid(21, 6, 2, 30)

			r, err := m.Rollout(source, randomGrid(22, 5, 2, 30), Always())
			require.NoError(t, err)
			require.Len(t, r.Attention, 4)
			for i := 1; i < len(r.Attention); i++ {
				require.False(t, mat.EqualApprox(r.Attention[i-1], r.Attention[i], 1e-12),
					"steps %d and %d share attention weights", i, i+1)
			}

			enc, state, err := m.encoder.Forward(ctx, source)
			require.NoError(t, err)
			defer ctx.PutTensor(enc)
			first, err := m.attention.Weights(ctx, state.Top(), enc)
			require.NoError(t, err)
			require.True(t, mat.EqualApprox(first, r.Attention[0], 1e-12))
		})
	}
}

func TestStackedLSTMCarriesEncoderState(t *testing.T) {
	cfg := smallConfig(config.TopologyLSTM)
	cfg.Layers = 2
	m := newModel(t, cfg, 30, 6)
	require.Equal(t, 4, m.decoder.Layers())
	require.Equal(t, 4, m.encoder.StateArity())

	logits, err := m.Forward(randomGrid(18, 3, 2, 30), randomGrid(19, 3, 2, 30), 0.5)
	require.NoError(t, err)
	require.Equal(t, [3]int{3, 2, 30}, logits.Dims())
}

func TestStackedGRUProjectsTopLayer(t *testing.T) {
	cfg := smallConfig(config.TopologyGRU)
	cfg.Layers = 3
	m := newModel(t, cfg, 30, 6)
	require.Equal(t, 1, m.decoder.Layers())

	_, state, err := m.encoder.Forward(m.Context(), randomGrid(20, 3, 2, 30))
	require.NoError(t, err)
	hidden := state.Top()
	rows, cols := hidden.Dims()
	require.Equal(t, 2, rows)
	require.Equal(t, 8, cols)
	for _, v := range hidden.RawMatrix().Data {
		require.LessOrEqual(t, math.Abs(v), 1.0)
	}
}

func TestDecoderRejectsOtherTopologyState(t *testing.T) {
	lstm := newModel(t, smallConfig(config.TopologyLSTM), 20, 4)
	gru := newModel(t, smallConfig(config.TopologyGRU), 20, 4)
	context := mat.NewDense(1, 16, nil)

	_, _, err := lstm.decoder.Step(lstm.Context(), []int{0}, context, SingleState{Hidden: mat.NewDense(1, 8, nil)})
	require.ErrorIs(t, err, ErrStateMismatch)

	dual := DualState{
		Hidden: []*mat.Dense{mat.NewDense(1, 8, nil), mat.NewDense(1, 8, nil)},
		Cell:   []*mat.Dense{mat.NewDense(1, 8, nil), mat.NewDense(1, 8, nil)},
	}
	_, _, err = gru.decoder.Step(gru.Context(), []int{0}, context, dual)
	require.ErrorIs(t, err, ErrStateMismatch)

	_, _, err = lstm.decoder.Step(lstm.Context(), []int{0}, context, DualState{
		Hidden: dual.Hidden[:1],
		Cell:   dual.Cell[:1],
	})
	require.ErrorIs(t, err, cpu.ErrShape)
}

func TestRolloutRejectsBadInputs(t *testing.T) {
	m := newModel(t, smallConfig(config.TopologyGRU), 20, 4)
	source := randomGrid(21, 3, 2, 20)

	tests := []struct {
		name   string
		source [][]int
		target [][]int
		want   error
	}{
		{"empty target", source, nil, cpu.ErrShape},
		{"empty source", nil, [][]int{{0, 0}}, cpu.ErrShape},
		{"empty batch", [][]int{{}}, [][]int{{}}, cpu.ErrShape},
		{"ragged source", [][]int{{1, 2}, {1}}, [][]int{{0, 0}}, cpu.ErrShape},
		{"batch mismatch", source, [][]int{{0}}, cpu.ErrShape},
		{"source id out of range", [][]int{{1, 20}}, [][]int{{0, 0}, {0, 0}}, nn.ErrVocabRange},
		{"target id out of range", source, [][]int{{0, -1}, {0, 0}}, nn.ErrVocabRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Rollout(tt.source, tt.target, Always())
			require.ErrorIs(t, err, tt.want)
		})
	}

	_, err := m.Forward(source, [][]int{{0, 0}}, 1.5)
	require.ErrorIs(t, err, config.ErrInvalid)
	_, err = m.Rollout(source, [][]int{{0, 0}}, nil)
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestNewRejectsInvalidConstruction(t *testing.T) {
	table := randomTable(1, 10, 4)

	cfg := smallConfig(config.TopologyGRU)
	cfg.Dropout = 1.2
	_, err := New(cpu.NewContext(0), table, table, cfg)
	require.ErrorIs(t, err, config.ErrInvalid)

	cfg = smallConfig(config.TopologyLSTM)
	cfg.RNNUnits = 0
	_, err = New(cpu.NewContext(0), table, table, cfg)
	require.ErrorIs(t, err, config.ErrInvalid)

	_, err = New(cpu.NewContext(0), nil, table, smallConfig(config.TopologyGRU))
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestSizeCountsFrozenEmbeddingsAsTotalOnly(t *testing.T) {
	m, err := New(cpu.NewContext(0), randomTable(1, 30, 5), randomTable(2, 40, 6), smallConfig(config.TopologyGRU))
	require.NoError(t, err)

	trainable, total := m.Size()
	require.Equal(t, 30*5+40*6, total-trainable)
	require.Positive(t, trainable)

	for _, p := range m.Parameters() {
		if !p.Trainable {
			p.Value.Set(0, 0, 1e6)
		}
	}
	require.NotEqual(t, 1e6, m.encoder.embedding.Parameters()[0].Value.At(0, 0))
}

func TestTranslateGreedy(t *testing.T) {
	m := newModel(t, smallConfig(config.TopologyLSTM), 25, 6)
	m.Eval()

	tokens, err := m.Translate(randomGrid(22, 4, 3, 25), 6, 1)
	require.NoError(t, err)
	require.Len(t, tokens, 5)
	for _, row := range tokens {
		require.Len(t, row, 3)
		for _, id := range row {
			require.True(t, id >= 0 && id < 25)
		}
	}
}

func TestCrossEntropy(t *testing.T) {
	logits := cpu.NewContext(0).NewTensor(3, 2, 4)

	loss, err := CrossEntropy(logits, [][]int{{0, 0}, {1, 2}, {3, 0}}, -1)
	require.NoError(t, err)
	require.InDelta(t, math.Log(4), loss, 1e-12)

	logits.Step(1).Set(0, 1, 100)
	loss, err = CrossEntropy(logits, [][]int{{0, 0}, {1, 0}, {0, 0}}, 0)
	require.NoError(t, err)
	require.InDelta(t, 0, loss, 1e-9)

	loss, err = CrossEntropy(logits, [][]int{{0, 0}, {0, 0}, {0, 0}}, 0)
	require.NoError(t, err)
	require.Zero(t, loss)

	_, err = CrossEntropy(logits, [][]int{{0, 0}, {9, 0}, {0, 0}}, -1)
	require.ErrorIs(t, err, nn.ErrVocabRange)
	_, err = CrossEntropy(logits, [][]int{{0, 0}}, -1)
	require.ErrorIs(t, err, cpu.ErrShape)
}

func TestPredictionsAndPlaceholder(t *testing.T) {
	logits := cpu.NewContext(0).NewTensor(3, 2, 3)
	logits.Step(1).Set(0, 2, 1)
	logits.Step(1).Set(1, 1, 1)
	logits.Step(2).Set(1, 2, 1)

	require.Equal(t, [][]int{{2, 1}, {0, 2}}, Predictions(logits))
	require.Nil(t, Predictions(cpu.NewContext(0).NewTensor(1, 1, 3)))
	require.Equal(t, [][]int{{7, 7}, {7, 7}}, Placeholder(2, 2, 7))
}

func TestForcingPolicies(t *testing.T) {
	ctx := cpu.NewContext(3)
	never, always := Bernoulli(ctx, 0), Bernoulli(ctx, 1)
	for step := 1; step < 50; step++ {
		require.False(t, never.Force(step))
		require.True(t, always.Force(step))
	}

	ctx.Seed(5)
	half := Bernoulli(ctx, 0.5)
	var first []bool
	for step := 1; step < 20; step++ {
		first = append(first, half.Force(step))
	}
	ctx.Seed(5)
	for step := 1; step < 20; step++ {
		require.Equal(t, first[step-1], half.Force(step))
	}

	s := Schedule(true, false)
	require.True(t, s.Force(1))
	require.False(t, s.Force(2))
	require.False(t, s.Force(3))
	require.False(t, s.Force(0))
}

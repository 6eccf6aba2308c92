package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-cleartext/internal/checkpoint"
	"github.com/23skdu/longbow-cleartext/internal/config"
	"github.com/23skdu/longbow-cleartext/internal/cpu"
	"github.com/23skdu/longbow-cleartext/internal/seq2seq"
	"github.com/23skdu/longbow-cleartext/internal/vectors"
)

func TestParseBatch(t *testing.T) {
	grid, err := parseBatch([]string{"1,2,3", " 4, 5 ,6"})
	require.NoError(t, err)
	require.Equal(t, [][]int{{1, 4}, {2, 5}, {3, 6}}, grid)

	_, err = parseBatch([]string{"1,2", "3"})
	require.ErrorContains(t, err, "share one length")
	_, err = parseBatch([]string{"1,x"})
	require.Error(t, err)
	_, err = parseBatch(nil)
	require.Error(t, err)
}

func TestEmbeddingTableFromGloVeAndVocab(t *testing.T) {
	dir := t.TempDir()
	glove := filepath.Join(dir, "vectors.txt")
	require.NoError(t, os.WriteFile(glove, []byte("a 1 2\nb 3 4\n"), 0o644))
	vocab := filepath.Join(dir, "vocab.txt")
	require.NoError(t, os.WriteFile(vocab, []byte("b\n<unk>\na\n"), 0o644))

	m, err := embeddingTable(context.Background(), glove, vocab, 0, 0, 1)
	require.NoError(t, err)
	require.Equal(t, []float64{3, 4, 0, 0, 1, 2}, m.RawMatrix().Data)

	arrowPath := filepath.Join(dir, "vectors.arrow")
	table, err := vectors.LoadGloVe(glove)
	require.NoError(t, err)
	f, err := os.Create(arrowPath)
	require.NoError(t, err)
	require.NoError(t, vectors.WriteArrow(f, table))
	require.NoError(t, f.Close())

	m, err = embeddingTable(context.Background(), arrowPath, "", 0, 0, 1)
	require.NoError(t, err)
	require.Equal(t, []float64{1, 2, 3, 4}, m.RawMatrix().Data)

	m, err = embeddingTable(context.Background(), "", "", 5, 3, 1)
	require.NoError(t, err)
	rows, cols := m.Dims()
	require.Equal(t, 5, rows)
	require.Equal(t, 3, cols)
}

func TestCheckpointConfigUsesStoredArchitecture(t *testing.T) {
	cfg := config.Default()
	cfg.Topology = config.TopologyGRU
	cfg.Scoring = config.ScoringSum
	cfg.RNNUnits = 5
	cfg.AttnUnits = 3
	cfg.Layers = 2
	cfg.Dropout = 0.1
	m, err := seq2seq.New(cpu.NewContext(1), randomTable(1, 12, 4), randomTable(2, 15, 4), cfg)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "gru.arrow")
	require.NoError(t, checkpoint.Save(path, m))

	flags := config.Default()
	flags.Seed = 77
	flags.TeacherForcing = 0.9
	flags.DebugAttention = true
	got, s, err := checkpointConfig(path, flags)
	require.NoError(t, err)
	require.Equal(t, config.TopologyGRU, got.Topology)
	require.Equal(t, config.ScoringSum, got.Scoring)
	require.Equal(t, 5, got.RNNUnits)
	require.Equal(t, 3, got.AttnUnits)
	require.Equal(t, 2, got.Layers)
	require.Equal(t, 0.1, got.Dropout)
	require.Equal(t, int64(77), got.Seed)
	require.Equal(t, 0.9, got.TeacherForcing)
	require.True(t, got.DebugAttention)

	rows, cols := tableShape(s, "encoder.embedding.weight", 100, 50)
	require.Equal(t, 12, rows)
	require.Equal(t, 4, cols)
	rows, cols = tableShape(s, "decoder.embedding.weight", 100, 50)
	require.Equal(t, 15, rows)
	require.Equal(t, 4, cols)
	rows, cols = tableShape(nil, "decoder.embedding.weight", 100, 50)
	require.Equal(t, 100, rows)
	require.Equal(t, 50, cols)

	restored, err := seq2seq.New(cpu.NewContext(got.Seed),
		randomTable(got.Seed, 12, 4), randomTable(got.Seed+1, 15, 4), got)
	require.NoError(t, err)
	require.NoError(t, checkpoint.Restore(s, restored))

	_, _, err = checkpointConfig(filepath.Join(t.TempDir(), "missing.arrow"), flags)
	require.Error(t, err)
}

func TestForwardThenInspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.arrow")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"forward", "--log-format", "noop",
		"--vocab", "20", "--embed-dim", "4", "--rnn-units", "4", "--attn-units", "4",
		"--source", "1,2,3", "--source", "4,5,6",
		"--target", "0,7,8,9", "--target", "0,10,11,12",
		"--checkpoint-out", path,
	})
	require.NoError(t, rootCmd.Execute())
	require.Contains(t, out.String(), "logits shape: (4, 2, 20)")
	require.Contains(t, out.String(), "batch 1 predictions:")
	require.Contains(t, out.String(), "loss:")

	out.Reset()
	rootCmd.SetArgs([]string{"inspect", "--log-format", "noop", path})
	require.NoError(t, rootCmd.Execute())
	require.Contains(t, out.String(), "cleartext.topology")
	require.Contains(t, out.String(), "decoder.fc.weight")
	require.True(t, strings.Contains(out.String(), "total parameters"))
}

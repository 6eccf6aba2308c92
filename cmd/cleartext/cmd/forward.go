package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-cleartext/internal/checkpoint"
	"github.com/23skdu/longbow-cleartext/internal/config"
	"github.com/23skdu/longbow-cleartext/internal/cpu"
	"github.com/23skdu/longbow-cleartext/internal/logger"
	"github.com/23skdu/longbow-cleartext/internal/monitoring"
	"github.com/23skdu/longbow-cleartext/internal/seq2seq"
)

var forwardCmd = &cobra.Command{
	Use:   "forward",
	Short: "Roll the model out over token id sequences",
	Long: `Build a model from source and target embedding tables and run one forward pass.

Tables come from --src-vectors/--trg-vectors: a GloVe text file, an Arrow IPC file (.arrow)
or flight://host:port/name. Without them, random tables of --vocab rows and --embed-dim
columns are used. Each --source/--target flag is one batch element as comma separated ids;
all elements of a batch share one length. Without --target, --length positions are decoded
greedily from --sos with teacher forcing off.`,
	RunE: runForward,
}

func init() {
	rootCmd.AddCommand(forwardCmd)
	addModelFlags(forwardCmd)

	f := forwardCmd.Flags()
	f.String("src-vectors", "", "source embedding table (GloVe text, .arrow or flight://host:port/name)")
	f.String("trg-vectors", "", "target embedding table (GloVe text, .arrow or flight://host:port/name)")
	f.String("src-vocab", "", "file with one source word per line selecting rows of --src-vectors")
	f.String("trg-vocab", "", "file with one target word per line selecting rows of --trg-vectors")
	f.Int("vocab", 100, "rows of the random tables used when no vectors are given")
	f.Int("embed-dim", 50, "columns of the random tables used when no vectors are given")
	f.StringArray("source", nil, "one source sequence of comma separated ids (repeat per batch element)")
	f.StringArray("target", nil, "one target sequence of comma separated ids (repeat per batch element)")
	f.Int("length", 10, "positions to decode when no --target is given")
	f.Int("sos", 1, "start-of-sequence id used when no --target is given")
	f.Int("ignore-index", -1, "target id excluded from the loss")
	f.Bool("eval", false, "disable dropout")
	f.String("checkpoint-in", "", "load parameters from this checkpoint")
	f.String("checkpoint-out", "", "write parameters to this checkpoint after the pass")
	f.String("metrics-addr", "", "serve /health and /metrics on this address until interrupted")

	for _, name := range []string{"src-vectors", "trg-vectors", "src-vocab", "trg-vocab", "vocab", "embed-dim",
		"length", "sos", "ignore-index", "eval", "checkpoint-in", "checkpoint-out", "metrics-addr"} {
		mustBindPFlag("forward."+strings.ReplaceAll(name, "-", "_"), f.Lookup(name))
	}
}

func runForward(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := modelConfig()
	if err != nil {
		return err
	}
	sourceFlags, _ := cmd.Flags().GetStringArray("source")
	targetFlags, _ := cmd.Flags().GetStringArray("target")
	source, err := parseBatch(sourceFlags)
	if err != nil {
		return fmt.Errorf("--source: %w", err)
	}

	var stored *checkpoint.Summary
	if path := viper.GetString("forward.checkpoint_in"); path != "" {
		if cfg, stored, err = checkpointConfig(path, cfg); err != nil {
			return err
		}
	}

	vocab, dim := viper.GetInt("forward.vocab"), viper.GetInt("forward.embed_dim")
	srcRows, srcCols := tableShape(stored, "encoder.embedding.weight", vocab, dim)
	src, err := embeddingTable(ctx, viper.GetString("forward.src_vectors"), viper.GetString("forward.src_vocab"), srcRows, srcCols, cfg.Seed)
	if err != nil {
		return fmt.Errorf("source vectors: %w", err)
	}
	trgRows, trgCols := tableShape(stored, "decoder.embedding.weight", vocab, dim)
	trg, err := embeddingTable(ctx, viper.GetString("forward.trg_vectors"), viper.GetString("forward.trg_vocab"), trgRows, trgCols, cfg.Seed+1)
	if err != nil {
		return fmt.Errorf("target vectors: %w", err)
	}

	model, err := seq2seq.New(cpu.NewContext(cfg.Seed), src, trg, cfg)
	if err != nil {
		return err
	}
	if stored != nil {
		if err := checkpoint.Restore(stored, model); err != nil {
			return err
		}
	}
	if viper.GetBool("forward.eval") {
		model.Eval()
	}

	monitor := monitoring.NewHealthMonitor(Version)
	monitor.SetModel(model)
	var serveErr chan error
	if addr := viper.GetString("forward.metrics_addr"); addr != "" {
		serveErr = make(chan error, 1)
		go func() { serveErr <- monitor.Start(addr) }()
	}

	target, tf := [][]int(nil), cfg.TeacherForcing
	if len(targetFlags) > 0 {
		if target, err = parseBatch(targetFlags); err != nil {
			return fmt.Errorf("--target: %w", err)
		}
	} else {
		target, tf = seq2seq.Placeholder(viper.GetInt("forward.length"), len(sourceFlags), viper.GetInt("forward.sos")), 0
	}

	start := time.Now()
	rollout, err := model.Rollout(source, target, seq2seq.Bernoulli(model.Context(), tf))
	nonFinite := 0
	if err == nil {
		stats := cpu.ComputeStats(rollout.Logits.Data())
		nonFinite = stats.NaNs + stats.Infs
	}
	monitor.RecordForward(len(target)-1, time.Since(start), nonFinite, err)
	if err != nil {
		return err
	}

	if err := report(cmd.OutOrStdout(), rollout, target, len(targetFlags) > 0); err != nil {
		return err
	}
	if path := viper.GetString("forward.checkpoint_out"); path != "" {
		if err := checkpoint.Save(path, model); err != nil {
			return err
		}
		logger.Log.Info("Checkpoint saved", "path", path)
	}

	if serveErr != nil {
		select {
		case <-ctx.Done():
			logger.Log.Info("Interrupt received, shutting down")
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			return monitor.Stop(shutdownCtx)
		case err := <-serveErr:
			return err
		}
	}
	return nil
}

// checkpointConfig reads the architecture stored in the checkpoint at path and keeps the
// run-time settings (forcing, seed, threads, debug switches) of flags.
func checkpointConfig(path string, flags config.Config) (config.Config, *checkpoint.Summary, error) {
	s, err := checkpoint.InspectFile(path)
	if err != nil {
		return flags, nil, err
	}
	cfg, err := s.Config()
	if err != nil {
		return flags, nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.TeacherForcing = flags.TeacherForcing
	cfg.Seed = flags.Seed
	cfg.NumThreads = flags.NumThreads
	cfg.DebugLogits = flags.DebugLogits
	cfg.DebugAttention = flags.DebugAttention
	logger.Log.Info("Using checkpoint architecture",
		"path", path,
		"topology", cfg.Topology.String(),
		"scoring", cfg.Scoring.String(),
		"rnn_units", cfg.RNNUnits,
		"layers", cfg.Layers)
	return cfg, s, nil
}

// tableShape sizes a random embedding table after the stored one when a checkpoint is loaded.
func tableShape(s *checkpoint.Summary, name string, rows, cols int) (int, int) {
	if s == nil {
		return rows, cols
	}
	if e, ok := s.Entry(name); ok {
		return e.Rows, e.Cols
	}
	return rows, cols
}

func report(w io.Writer, r *seq2seq.Rollout, target [][]int, scored bool) error {
	dims := r.Logits.Dims()
	fmt.Fprintf(w, "logits shape: (%d, %d, %d)\n", dims[0], dims[1], dims[2])

	forced := 0
	for _, f := range r.Forced {
		if f {
			forced++
		}
	}
	fmt.Fprintf(w, "forced steps: %d/%d\n", forced, len(r.Forced))

	predictions := seq2seq.Predictions(r.Logits)
	for b := 0; b < dims[1]; b++ {
		ids := make([]string, len(predictions))
		for t, row := range predictions {
			ids[t] = strconv.Itoa(row[b])
		}
		fmt.Fprintf(w, "batch %d predictions: %s\n", b, strings.Join(ids, ","))
	}

	if scored {
		loss, err := seq2seq.CrossEntropy(r.Logits, target, viper.GetInt("forward.ignore_index"))
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "loss: %.6f (perplexity %.3f)\n", loss, math.Exp(loss))
	}
	return nil
}

// parseBatch turns one comma separated id list per batch element into a (length, batch) grid.
func parseBatch(sequences []string) ([][]int, error) {
	if len(sequences) == 0 {
		return nil, errors.New("at least one sequence is required")
	}
	var grid [][]int
	for b, seq := range sequences {
		fields := strings.Split(seq, ",")
		if b == 0 {
			grid = make([][]int, len(fields))
			for t := range grid {
				grid[t] = make([]int, len(sequences))
			}
		} else if len(fields) != len(grid) {
			return nil, fmt.Errorf("sequence %d has %d ids, want %d (sequences in a batch share one length)", b, len(fields), len(grid))
		}
		for t, f := range fields {
			id, err := strconv.Atoi(strings.TrimSpace(f))
			if err != nil {
				return nil, fmt.Errorf("sequence %d position %d: %w", b, t, err)
			}
			grid[t][b] = id
		}
	}
	return grid, nil
}

func randomTable(seed int64, rows, cols int) *mat.Dense {
	ctx := cpu.NewContext(seed)
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = ctx.Uniform(1)
	}
	return mat.NewDense(rows, cols, data)
}

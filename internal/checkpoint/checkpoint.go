// Package checkpoint stores model parameters as an Arrow IPC stream: one row per named weight
// matrix with its shape and row-major values, and the model hyperparameters in the schema
// metadata.
package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-cleartext/internal/config"
	"github.com/23skdu/longbow-cleartext/internal/logger"
	"github.com/23skdu/longbow-cleartext/internal/nn"
	"github.com/23skdu/longbow-cleartext/internal/seq2seq"
)

const FormatVersion = "1"

const (
	keyFormat    = "cleartext.format"
	keyTopology  = "cleartext.topology"
	keyScoring   = "cleartext.scoring"
	keyRNNUnits  = "cleartext.rnn_units"
	keyAttnUnits = "cleartext.attn_units"
	keyLayers    = "cleartext.layers"
	keyDropout   = "cleartext.dropout"
)

// ErrMismatch is returned when a checkpoint does not fit the model it is loaded into.
var ErrMismatch = errors.New("checkpoint does not match model")

var schemaFields = []arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "trainable", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "rows", Type: arrow.PrimitiveTypes.Int64},
	{Name: "cols", Type: arrow.PrimitiveTypes.Int64},
	{Name: "values", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
}

// Entry is one stored weight matrix.
type Entry struct {
	Name      string
	Trainable bool
	Rows      int
	Cols      int
	Values    []float64
}

// Summary describes a checkpoint without a model to load it into.
type Summary struct {
	Metadata map[string]string
	Entries  []Entry
}

// Config rebuilds the hyperparameters recorded at write time. Seed, threads and debug
// switches are not stored and come from config.Default.
func (s *Summary) Config() (config.Config, error) {
	cfg := config.Default()
	var err error
	if cfg.Topology, err = config.ParseTopology(s.Metadata[keyTopology]); err != nil {
		return cfg, err
	}
	if cfg.Scoring, err = config.ParseScoring(s.Metadata[keyScoring]); err != nil {
		return cfg, err
	}
	ints := map[string]*int{keyRNNUnits: &cfg.RNNUnits, keyAttnUnits: &cfg.AttnUnits, keyLayers: &cfg.Layers}
	for key, dst := range ints {
		if *dst, err = strconv.Atoi(s.Metadata[key]); err != nil {
			return cfg, fmt.Errorf("%w: %s: %v", config.ErrInvalid, key, err)
		}
	}
	if cfg.Dropout, err = strconv.ParseFloat(s.Metadata[keyDropout], 64); err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", config.ErrInvalid, keyDropout, err)
	}
	return cfg, cfg.Validate()
}

func metadata(cfg config.Config) arrow.Metadata {
	return arrow.NewMetadata(
		[]string{keyFormat, keyTopology, keyScoring, keyRNNUnits, keyAttnUnits, keyLayers, keyDropout},
		[]string{
			FormatVersion,
			cfg.Topology.String(),
			cfg.Scoring.String(),
			strconv.Itoa(cfg.RNNUnits),
			strconv.Itoa(cfg.AttnUnits),
			strconv.Itoa(cfg.Layers),
			strconv.FormatFloat(cfg.Dropout, 'g', -1, 64),
		},
	)
}

// Write serialises every parameter of m, frozen embeddings included.
func Write(w io.Writer, m *seq2seq.Model) error {
	md := metadata(m.Config())
	return WriteParams(w, m.Parameters(), &md)
}

// WriteParams serialises params in order under the given schema metadata.
func WriteParams(w io.Writer, params []nn.Param, md *arrow.Metadata) error {
	mem := memory.NewGoAllocator()
	schema := arrow.NewSchema(schemaFields, md)
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	names := b.Field(0).(*array.StringBuilder)
	trainable := b.Field(1).(*array.BooleanBuilder)
	rows := b.Field(2).(*array.Int64Builder)
	cols := b.Field(3).(*array.Int64Builder)
	values := b.Field(4).(*array.ListBuilder)
	floats := values.ValueBuilder().(*array.Float64Builder)
	for _, p := range params {
		r, c := p.Value.Dims()
		names.Append(p.Name)
		trainable.Append(p.Trainable)
		rows.Append(int64(r))
		cols.Append(int64(c))
		values.Append(true)
		for i := 0; i < r; i++ {
			floats.AppendValues(p.Value.RawRowView(i), nil)
		}
	}
	rec := b.NewRecord()
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return fmt.Errorf("checkpoint: write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("checkpoint: close: %w", err)
	}
	logger.Log.Debug("Checkpoint written", "params", len(params))
	return nil
}

// Inspect decodes a checkpoint stream.
func Inspect(r io.Reader) (*Summary, error) {
	reader, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open: %w", err)
	}
	defer reader.Release()

	schema := reader.Schema()
	if schema.NumFields() != len(schemaFields) {
		return nil, fmt.Errorf("checkpoint: %w: unexpected schema %s", ErrMismatch, schema)
	}
	for i, f := range schemaFields {
		if got := schema.Field(i); got.Name != f.Name || !arrow.TypeEqual(got.Type, f.Type) {
			return nil, fmt.Errorf("checkpoint: %w: column %d is %s, want %s", ErrMismatch, i, got, f)
		}
	}
	md := schema.Metadata()
	s := &Summary{Metadata: make(map[string]string, md.Len())}
	for i, k := range md.Keys() {
		s.Metadata[k] = md.Values()[i]
	}
	if v := s.Metadata[keyFormat]; v != FormatVersion {
		return nil, fmt.Errorf("checkpoint: %w: format version %q, want %q", ErrMismatch, v, FormatVersion)
	}

	for reader.Next() {
		rec := reader.Record()
		names := rec.Column(0).(*array.String)
		trainable := rec.Column(1).(*array.Boolean)
		rows := rec.Column(2).(*array.Int64)
		cols := rec.Column(3).(*array.Int64)
		values := rec.Column(4).(*array.List)
		floats := values.ListValues().(*array.Float64).Float64Values()
		for i := 0; i < int(rec.NumRows()); i++ {
			start, end := values.ValueOffsets(i)
			e := Entry{
				Name:      names.Value(i),
				Trainable: trainable.Value(i),
				Rows:      int(rows.Value(i)),
				Cols:      int(cols.Value(i)),
				Values:    append([]float64(nil), floats[start:end]...),
			}
			if e.Rows*e.Cols != len(e.Values) {
				return nil, fmt.Errorf("checkpoint: %w: %s holds %d values for shape (%d, %d)",
					ErrMismatch, e.Name, len(e.Values), e.Rows, e.Cols)
			}
			s.Entries = append(s.Entries, e)
		}
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint: read: %w", err)
	}
	return s, nil
}

// Check compares the stored architecture hyperparameters with cfg.
func (s *Summary) Check(cfg config.Config) error {
	want := metadata(cfg)
	for i, key := range want.Keys() {
		if got := s.Metadata[key]; got != want.Values()[i] {
			return fmt.Errorf("checkpoint: %w: %s is %q, model has %q", ErrMismatch, key, got, want.Values()[i])
		}
	}
	return nil
}

// Entry returns the stored matrix called name.
func (s *Summary) Entry(name string) (Entry, bool) {
	for _, e := range s.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Read loads a checkpoint into m.
func Read(r io.Reader, m *seq2seq.Model) error {
	s, err := Inspect(r)
	if err != nil {
		return err
	}
	return Restore(s, m)
}

// Restore copies the weights of a decoded checkpoint into m. The stored hyperparameters and
// parameter set must match the model exactly. Trainable parameters are restored by name; frozen
// embedding tables are only checked for shape since the model owns immutable copies.
func Restore(s *Summary, m *seq2seq.Model) error {
	if err := s.Check(m.Config()); err != nil {
		return err
	}
	stored := make(map[string]Entry, len(s.Entries))
	for _, e := range s.Entries {
		stored[e.Name] = e
	}

	params := m.Parameters()
	for _, p := range params {
		e, ok := stored[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint: %w: missing %s", ErrMismatch, p.Name)
		}
		rows, cols := p.Value.Dims()
		if e.Rows != rows || e.Cols != cols {
			return fmt.Errorf("checkpoint: %w: %s is (%d, %d), model has (%d, %d)",
				ErrMismatch, p.Name, e.Rows, e.Cols, rows, cols)
		}
		if e.Trainable != p.Trainable {
			return fmt.Errorf("checkpoint: %w: %s trainable=%v, model has %v", ErrMismatch, p.Name, e.Trainable, p.Trainable)
		}
	}
	if len(stored) != len(params) {
		known := make(map[string]bool, len(params))
		for _, p := range params {
			known[p.Name] = true
		}
		for _, e := range s.Entries {
			if !known[e.Name] {
				return fmt.Errorf("checkpoint: %w: model has no parameter %s", ErrMismatch, e.Name)
			}
		}
	}

	restored := 0
	for _, p := range params {
		if p.Trainable {
			copy(p.Value.RawMatrix().Data, stored[p.Name].Values)
			restored++
		}
	}
	logger.Log.Info("Checkpoint loaded", "params", len(s.Entries), "restored", restored)
	return nil
}

func Save(path string, m *seq2seq.Model) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, m); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func Load(path string, m *seq2seq.Model) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Read(f, m)
}

func InspectFile(path string) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Inspect(f)
}

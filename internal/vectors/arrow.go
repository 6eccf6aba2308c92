package vectors

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"gonum.org/v1/gonum/mat"
)

const (
	FieldWord   = "word"
	FieldVector = "vector"
)

// Schema is the Arrow layout of a vector table of the given dimension.
func Schema(dim int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: FieldWord, Type: arrow.BinaryTypes.String},
		{Name: FieldVector, Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float64)},
	}, nil)
}

// Record converts t into a single Arrow record. The caller releases it.
func (t *Table) Record(mem memory.Allocator) arrow.Record {
	b := array.NewRecordBuilder(mem, Schema(t.Dim()))
	defer b.Release()

	words := b.Field(0).(*array.StringBuilder)
	vectors := b.Field(1).(*array.FixedSizeListBuilder)
	values := vectors.ValueBuilder().(*array.Float64Builder)
	words.Reserve(t.Len())
	vectors.Reserve(t.Len())
	values.Reserve(t.Len() * t.Dim())
	for i, w := range t.Words {
		words.Append(w)
		vectors.Append(true)
		values.AppendValues(t.Vectors.RawRowView(i), nil)
	}
	return b.NewRecord()
}

// WriteArrow writes t as an Arrow IPC stream.
func WriteArrow(w io.Writer, t *Table) error {
	mem := memory.NewGoAllocator()
	rec := t.Record(mem)
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return fmt.Errorf("arrow: write vectors: %w", err)
	}
	return writer.Close()
}

// ReadArrow reads an Arrow IPC stream written by WriteArrow (or any producer using Schema).
func ReadArrow(r io.Reader) (*Table, error) {
	reader, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("arrow: open stream: %w", err)
	}
	defer reader.Release()
	return readRecords(reader)
}

type recordStream interface {
	Schema() *arrow.Schema
	Next() bool
	Record() arrow.Record
	Err() error
}

func readRecords(stream recordStream) (*Table, error) {
	schema := stream.Schema()
	wordIdx := schema.FieldIndices(FieldWord)
	vecIdx := schema.FieldIndices(FieldVector)
	if len(wordIdx) != 1 || len(vecIdx) != 1 {
		return nil, fmt.Errorf("arrow: %w: schema %s lacks %q or %q", ErrFormat, schema, FieldWord, FieldVector)
	}
	listType, ok := schema.Field(vecIdx[0]).Type.(*arrow.FixedSizeListType)
	if !ok || listType.Elem().ID() != arrow.FLOAT64 {
		return nil, fmt.Errorf("arrow: %w: %q must be fixed_size_list<float64>", ErrFormat, FieldVector)
	}
	dim := int(listType.Len())

	var (
		words []string
		data  []float64
	)
	for stream.Next() {
		rec := stream.Record()
		wordCol, ok := rec.Column(wordIdx[0]).(*array.String)
		if !ok {
			return nil, fmt.Errorf("arrow: %w: %q is not a string column", ErrFormat, FieldWord)
		}
		vecCol := rec.Column(vecIdx[0]).(*array.FixedSizeList)
		values := vecCol.ListValues().(*array.Float64)
		for i := 0; i < int(rec.NumRows()); i++ {
			if wordCol.IsNull(i) || vecCol.IsNull(i) {
				return nil, fmt.Errorf("arrow: %w: null entry at row %d", ErrFormat, len(words))
			}
			words = append(words, wordCol.Value(i))
			start, end := vecCol.ValueOffsets(i)
			data = append(data, values.Float64Values()[start:end]...)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("arrow: read vectors: %w", err)
	}
	if len(words) == 0 || dim == 0 {
		return nil, fmt.Errorf("arrow: %w: empty table", ErrFormat)
	}
	return NewTable(words, mat.NewDense(len(words), dim, data))
}

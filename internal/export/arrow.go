// Package export writes worlds in columnar formats for analysis tools.
package export

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"

	"github.com/nvandessel/heatstep/internal/grid"
)

// DefaultBatchRows is the number of grid rows per Arrow record batch.
const DefaultBatchRows = 256

// Schema metadata keys.
const (
	MetaWidth  = "heatstep.width"
	MetaHeight = "heatstep.height"
	MetaAlpha  = "heatstep.alpha"
	MetaClock  = "heatstep.clock"
)

// Schema returns the Arrow schema for a world: one row per cell with its
// coordinates, temperature and property bits. The world's scalars are
// carried as schema metadata.
func Schema(g *grid.Grid) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{MetaWidth, MetaHeight, MetaAlpha, MetaClock},
		[]string{
			strconv.Itoa(g.Width),
			strconv.Itoa(g.Height),
			strconv.FormatFloat(float64(g.Alpha), 'g', -1, 32),
			strconv.FormatFloat(float64(g.Clock), 'g', -1, 32),
		},
	)
	return arrow.NewSchema([]arrow.Field{
		{Name: "x", Type: arrow.PrimitiveTypes.Int32},
		{Name: "y", Type: arrow.PrimitiveTypes.Int32},
		{Name: "state", Type: arrow.PrimitiveTypes.Float32},
		{Name: "properties", Type: arrow.PrimitiveTypes.Uint32},
	}, &md)
}

// WriteArrow writes g to w as an Arrow IPC stream, batchRows grid rows per
// record batch (<= 0 uses DefaultBatchRows).
func WriteArrow(w io.Writer, g *grid.Grid, batchRows int) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if batchRows <= 0 {
		batchRows = DefaultBatchRows
	}

	mem := memory.NewGoAllocator()
	schema := Schema(g)
	writer := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	xs := b.Field(0).(*array.Int32Builder)
	ys := b.Field(1).(*array.Int32Builder)
	states := b.Field(2).(*array.Float32Builder)
	props := b.Field(3).(*array.Uint32Builder)

	for y0 := 0; y0 < g.Height; y0 += batchRows {
		y1 := min(y0+batchRows, g.Height)
		n := (y1 - y0) * g.Width
		xs.Reserve(n)
		ys.Reserve(n)
		for y := y0; y < y1; y++ {
			for x := 0; x < g.Width; x++ {
				xs.UnsafeAppend(int32(x))
				ys.UnsafeAppend(int32(y))
			}
		}
		lo, hi := g.Index(0, y0), g.Index(0, y1-1)+g.Width
		states.AppendValues(g.State[lo:hi], nil)
		props.AppendValues(g.Properties[lo:hi], nil)

		rec := b.NewRecord()
		err := writer.Write(rec)
		rec.Release()
		if err != nil {
			writer.Close()
			return fmt.Errorf("writing record batch at row %d: %w", y0, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing arrow stream: %w", err)
	}
	return nil
}

// ReadArrow rebuilds a world from a stream written by WriteArrow.
func ReadArrow(r io.Reader) (*grid.Grid, error) {
	mem := memory.NewGoAllocator()
	reader, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("opening arrow stream: %w", err)
	}
	defer reader.Release()

	g, err := gridFromSchema(reader.Schema())
	if err != nil {
		return nil, err
	}

	seen := 0
	for reader.Next() {
		rec := reader.Record()
		if rec.NumCols() != 4 {
			return nil, fmt.Errorf("record has %d columns, want 4", rec.NumCols())
		}
		xs, ok1 := rec.Column(0).(*array.Int32)
		ys, ok2 := rec.Column(1).(*array.Int32)
		states, ok3 := rec.Column(2).(*array.Float32)
		props, ok4 := rec.Column(3).(*array.Uint32)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return nil, errors.New("unexpected column types")
		}
		for i := 0; i < int(rec.NumRows()); i++ {
			x, y := int(xs.Value(i)), int(ys.Value(i))
			if x < 0 || x >= g.Width || y < 0 || y >= g.Height {
				return nil, fmt.Errorf("cell (%d,%d) outside %dx%d world", x, y, g.Width, g.Height)
			}
			idx := g.Index(x, y)
			g.State[idx] = states.Value(i)
			g.Properties[idx] = props.Value(i)
			seen++
		}
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("reading arrow stream: %w", err)
	}
	if seen != g.Cells() {
		return nil, fmt.Errorf("stream has %d cells, want %d", seen, g.Cells())
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func gridFromSchema(schema *arrow.Schema) (*grid.Grid, error) {
	md := schema.Metadata()
	value := func(key string) (string, error) {
		i := md.FindKey(key)
		if i < 0 {
			return "", fmt.Errorf("schema metadata missing %s", key)
		}
		return md.Values()[i], nil
	}

	var dims [2]int
	for i, key := range []string{MetaWidth, MetaHeight} {
		s, err := value(key)
		if err != nil {
			return nil, err
		}
		if dims[i], err = strconv.Atoi(s); err != nil || dims[i] <= 0 {
			return nil, fmt.Errorf("bad %s %q", key, s)
		}
	}
	var scalars [2]float32
	for i, key := range []string{MetaAlpha, MetaClock} {
		s, err := value(key)
		if err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return nil, fmt.Errorf("bad %s %q: %w", key, s, err)
		}
		scalars[i] = float32(f)
	}

	g := grid.New(dims[0], dims[1], scalars[0])
	g.Clock = scalars[1]
	return g, nil
}

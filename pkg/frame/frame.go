// Package frame implements the time-indexed data container used by every
// load path: an Arrow RecordBatch with a designated monotonic timestamp
// column (the epoch column). Frames are caller-owned; every constructor
// returns a frame the caller must Release.
package frame

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// DefaultEpochCol is the conventional name of the timestamp column.
const DefaultEpochCol = "epoch"

// ErrNoEpoch is returned when a record lacks the designated epoch column.
var ErrNoEpoch = errors.New("frame: epoch column not found")

// ErrNotMonotonic is returned by Validate when epoch values decrease.
var ErrNotMonotonic = errors.New("frame: epoch column is not monotonic non-decreasing")

// Frame wraps an Arrow RecordBatch whose rows are indexed by a monotonic
// non-decreasing timestamp column.
type Frame struct {
	rec      arrow.Record
	epochCol string
	epochIdx int
}

// New wraps a record in a Frame. The record must contain epochCol with
// Arrow TIMESTAMP type. New takes over the caller's reference to rec.
func New(rec arrow.Record, epochCol string) (*Frame, error) {
	if epochCol == "" {
		epochCol = DefaultEpochCol
	}
	indices := rec.Schema().FieldIndices(epochCol)
	if len(indices) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoEpoch, epochCol)
	}
	idx := indices[0]
	if rec.Schema().Field(idx).Type.ID() != arrow.TIMESTAMP {
		return nil, fmt.Errorf("frame: column %q has type %s, want timestamp",
			epochCol, rec.Schema().Field(idx).Type)
	}
	return &Frame{rec: rec, epochCol: epochCol, epochIdx: idx}, nil
}

// Empty returns a zero-row frame with the given schema.
func Empty(alloc memory.Allocator, schema *arrow.Schema, epochCol string) (*Frame, error) {
	cols := make([]arrow.Array, schema.NumFields())
	for i := 0; i < schema.NumFields(); i++ {
		bldr := array.NewBuilder(alloc, schema.Field(i).Type)
		cols[i] = bldr.NewArray()
		bldr.Release()
	}
	rec := array.NewRecord(schema, cols, 0)
	for _, c := range cols {
		c.Release()
	}
	return New(rec, epochCol)
}

// Record exposes the underlying Arrow record. The frame retains ownership.
func (f *Frame) Record() arrow.Record { return f.rec }

// SwapRecord replaces the frame's record, releasing the old one. The new
// record must carry the same epoch column; cleaning routines use this to
// rewrite a frame after dropping rows. SwapRecord takes over the caller's
// reference to rec.
func (f *Frame) SwapRecord(rec arrow.Record) error {
	indices := rec.Schema().FieldIndices(f.epochCol)
	if len(indices) == 0 {
		rec.Release()
		return fmt.Errorf("%w: %q", ErrNoEpoch, f.epochCol)
	}
	f.rec.Release()
	f.rec = rec
	f.epochIdx = indices[0]
	return nil
}

// Schema returns the record's schema.
func (f *Frame) Schema() *arrow.Schema { return f.rec.Schema() }

// EpochCol returns the name of the designated timestamp column.
func (f *Frame) EpochCol() string { return f.epochCol }

// NumRows returns the number of rows.
func (f *Frame) NumRows() int { return int(f.rec.NumRows()) }

// Empty reports whether the frame has no rows.
func (f *Frame) Empty() bool { return f.rec.NumRows() == 0 }

// Retain increments the underlying record's reference count.
func (f *Frame) Retain() { f.rec.Retain() }

// Release decrements the underlying record's reference count.
func (f *Frame) Release() { f.rec.Release() }

func (f *Frame) epochs() *array.Timestamp {
	return f.rec.Column(f.epochIdx).(*array.Timestamp)
}

func (f *Frame) epochUnit() arrow.TimeUnit {
	return f.rec.Schema().Field(f.epochIdx).Type.(*arrow.TimestampType).Unit
}

// TimeAt returns the timestamp of row i in UTC.
func (f *Frame) TimeAt(i int) time.Time {
	ts := f.epochs().Value(i)
	return ts.ToTime(f.epochUnit()).UTC()
}

// FirstTime returns the timestamp of the first row.
// The frame must be non-empty.
func (f *Frame) FirstTime() time.Time { return f.TimeAt(0) }

// LastTime returns the timestamp of the last row.
// The frame must be non-empty.
func (f *Frame) LastTime() time.Time { return f.TimeAt(f.NumRows() - 1) }

// SearchTime returns the index of the first row with timestamp >= t,
// or NumRows() if every row is earlier. Epochs must be monotonic.
func (f *Frame) SearchTime(t time.Time) int {
	n := f.NumRows()
	return sort.Search(n, func(i int) bool {
		return !f.TimeAt(i).Before(t)
	})
}

// Slice returns the rows with start <= epoch < stop as a new frame
// sharing the underlying buffers. The caller must Release the result.
func (f *Frame) Slice(start, stop time.Time) (*Frame, error) {
	lo := f.SearchTime(start)
	hi := f.SearchTime(stop)
	if hi < lo {
		hi = lo
	}
	rec := f.rec.NewSlice(int64(lo), int64(hi))
	return New(rec, f.epochCol)
}

// Column returns the named column, or an error if not found.
// The frame retains ownership of the returned array.
func (f *Frame) Column(name string) (arrow.Array, error) {
	indices := f.rec.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return nil, fmt.Errorf("frame: column %q not found in schema", name)
	}
	return f.rec.Column(indices[0]), nil
}

// ColumnNames returns the names of all columns in schema order.
func (f *Frame) ColumnNames() []string {
	schema := f.rec.Schema()
	names := make([]string, schema.NumFields())
	for i := 0; i < schema.NumFields(); i++ {
		names[i] = schema.Field(i).Name
	}
	return names
}

// WithColumn returns a new frame with the named column appended, or
// replaced if a column of that name already exists. The array length must
// match the frame's row count. The caller must Release the result; the
// input array remains caller-owned.
func (f *Frame) WithColumn(name string, col arrow.Array) (*Frame, error) {
	if col.Len() != f.NumRows() {
		return nil, fmt.Errorf("frame: column %q has %d rows, frame has %d",
			name, col.Len(), f.NumRows())
	}

	schema := f.rec.Schema()
	existing := schema.FieldIndices(name)

	fields := make([]arrow.Field, 0, schema.NumFields()+1)
	arrays := make([]arrow.Array, 0, schema.NumFields()+1)
	for i := 0; i < schema.NumFields(); i++ {
		if len(existing) > 0 && i == existing[0] {
			fields = append(fields, arrow.Field{Name: name, Type: col.DataType(), Nullable: true})
			arrays = append(arrays, col)
			continue
		}
		fields = append(fields, schema.Field(i))
		arrays = append(arrays, f.rec.Column(i))
	}
	if len(existing) == 0 {
		fields = append(fields, arrow.Field{Name: name, Type: col.DataType(), Nullable: true})
		arrays = append(arrays, col)
	}

	rec := array.NewRecord(arrow.NewSchema(fields, nil), arrays, f.rec.NumRows())
	return New(rec, f.epochCol)
}

// Validate checks that the epoch column is monotonic non-decreasing and
// contains no nulls.
func (f *Frame) Validate() error {
	ep := f.epochs()
	for i := 0; i < ep.Len(); i++ {
		if ep.IsNull(i) {
			return fmt.Errorf("frame: null epoch at row %d", i)
		}
		if i > 0 && ep.Value(i) < ep.Value(i-1) {
			return fmt.Errorf("%w: row %d", ErrNotMonotonic, i)
		}
	}
	return nil
}

// Concat merges frames into one, ordered by first timestamp. Schemas must
// be identical. Input frames remain caller-owned; the caller must Release
// the result. Zero-row inputs are skipped.
func Concat(alloc memory.Allocator, frames ...*Frame) (*Frame, error) {
	nonEmpty := make([]*Frame, 0, len(frames))
	for _, f := range frames {
		if f != nil && !f.Empty() {
			nonEmpty = append(nonEmpty, f)
		}
	}
	if len(nonEmpty) == 0 {
		if len(frames) == 0 {
			return nil, errors.New("frame: concat of zero frames")
		}
		first := frames[0]
		return Empty(alloc, first.Schema(), first.epochCol)
	}
	if len(nonEmpty) == 1 {
		nonEmpty[0].Retain()
		return New(nonEmpty[0].rec, nonEmpty[0].epochCol)
	}

	sort.SliceStable(nonEmpty, func(i, j int) bool {
		return nonEmpty[i].FirstTime().Before(nonEmpty[j].FirstTime())
	})

	schema := nonEmpty[0].Schema()
	for _, f := range nonEmpty[1:] {
		if !schema.Equal(f.Schema()) {
			return nil, fmt.Errorf("frame: concat schema mismatch: %s vs %s", schema, f.Schema())
		}
	}

	numCols := schema.NumFields()
	var totalRows int64
	cols := make([]arrow.Array, numCols)
	for c := 0; c < numCols; c++ {
		parts := make([]arrow.Array, len(nonEmpty))
		for i, f := range nonEmpty {
			parts[i] = f.rec.Column(c)
		}
		merged, err := array.Concatenate(parts, alloc)
		if err != nil {
			for j := 0; j < c; j++ {
				cols[j].Release()
			}
			return nil, fmt.Errorf("frame: concat column %q: %w", schema.Field(c).Name, err)
		}
		cols[c] = merged
	}
	for _, f := range nonEmpty {
		totalRows += f.rec.NumRows()
	}

	rec := array.NewRecord(schema, cols, totalRows)
	for _, c := range cols {
		c.Release()
	}
	return New(rec, nonEmpty[0].epochCol)
}

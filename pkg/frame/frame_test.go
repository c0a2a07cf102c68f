package frame

import (
	"errors"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ── Test helpers ────────────────────────────────────────────────────

var testSchema = arrow.NewSchema([]arrow.Field{
	{Name: DefaultEpochCol, Type: &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}},
	{Name: "value", Type: arrow.PrimitiveTypes.Float64},
}, nil)

func makeFrame(t *testing.T, alloc memory.Allocator, times []time.Time, values []float64) *Frame {
	t.Helper()
	bldr := array.NewRecordBuilder(alloc, testSchema)
	defer bldr.Release()
	for i, ts := range times {
		v, err := arrow.TimestampFromTime(ts, arrow.Microsecond)
		if err != nil {
			t.Fatal(err)
		}
		bldr.Field(0).(*array.TimestampBuilder).Append(v)
		bldr.Field(1).(*array.Float64Builder).Append(values[i])
	}
	rec := bldr.NewRecord()
	f, err := New(rec, DefaultEpochCol)
	if err != nil {
		rec.Release()
		t.Fatal(err)
	}
	return f
}

func minuteTimes(start time.Time, n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = start.Add(time.Duration(i) * time.Minute)
	}
	return out
}

func seq(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)
	}
	return out
}

var t0 = time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC)

// ── Construction ────────────────────────────────────────────────────

func TestNewRejectsMissingEpoch(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "value", Type: arrow.PrimitiveTypes.Float64},
	}, nil)
	bldr := array.NewRecordBuilder(alloc, schema)
	rec := bldr.NewRecord()
	bldr.Release()

	_, err := New(rec, DefaultEpochCol)
	if !errors.Is(err, ErrNoEpoch) {
		t.Fatalf("expected ErrNoEpoch, got %v", err)
	}
	rec.Release()
}

func TestNewRejectsNonTimestampEpoch(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	schema := arrow.NewSchema([]arrow.Field{
		{Name: DefaultEpochCol, Type: arrow.PrimitiveTypes.Int64},
	}, nil)
	bldr := array.NewRecordBuilder(alloc, schema)
	rec := bldr.NewRecord()
	bldr.Release()

	if _, err := New(rec, DefaultEpochCol); err == nil {
		t.Fatal("expected error for int64 epoch column")
	}
	rec.Release()
}

func TestEmptyFrame(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	f, err := Empty(alloc, testSchema, DefaultEpochCol)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Release()

	if !f.Empty() || f.NumRows() != 0 {
		t.Fatalf("expected empty frame, got %d rows", f.NumRows())
	}
}

// ── Time access and search ──────────────────────────────────────────

func TestTimeAccess(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	f := makeFrame(t, alloc, minuteTimes(t0, 5), seq(5))
	defer f.Release()

	if !f.FirstTime().Equal(t0) {
		t.Errorf("FirstTime = %v, want %v", f.FirstTime(), t0)
	}
	want := t0.Add(4 * time.Minute)
	if !f.LastTime().Equal(want) {
		t.Errorf("LastTime = %v, want %v", f.LastTime(), want)
	}
	if got := f.TimeAt(2); !got.Equal(t0.Add(2 * time.Minute)) {
		t.Errorf("TimeAt(2) = %v", got)
	}
}

func TestSearchTime(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	f := makeFrame(t, alloc, minuteTimes(t0, 5), seq(5))
	defer f.Release()

	cases := []struct {
		at   time.Time
		want int
	}{
		{t0, 0},
		{t0.Add(90 * time.Second), 2},
		{t0.Add(2 * time.Minute), 2},
		{t0.Add(time.Hour), 5},
		{t0.Add(-time.Hour), 0},
	}
	for _, c := range cases {
		if got := f.SearchTime(c.at); got != c.want {
			t.Errorf("SearchTime(%v) = %d, want %d", c.at, got, c.want)
		}
	}
}

// ── Slice ───────────────────────────────────────────────────────────

func TestSliceHalfOpen(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	f := makeFrame(t, alloc, minuteTimes(t0, 10), seq(10))
	defer f.Release()

	s, err := f.Slice(t0.Add(2*time.Minute), t0.Add(5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Release()

	if s.NumRows() != 3 {
		t.Fatalf("slice rows = %d, want 3", s.NumRows())
	}
	if !s.FirstTime().Equal(t0.Add(2 * time.Minute)) {
		t.Errorf("slice first = %v", s.FirstTime())
	}
	// Stop is exclusive.
	if !s.LastTime().Equal(t0.Add(4 * time.Minute)) {
		t.Errorf("slice last = %v", s.LastTime())
	}
}

func TestSliceOutsideRangeIsEmpty(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	f := makeFrame(t, alloc, minuteTimes(t0, 3), seq(3))
	defer f.Release()

	s, err := f.Slice(t0.Add(time.Hour), t0.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Release()
	if !s.Empty() {
		t.Fatalf("expected empty slice, got %d rows", s.NumRows())
	}
}

// ── Columns ─────────────────────────────────────────────────────────

func TestWithColumnAppendsAndReplaces(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	f := makeFrame(t, alloc, minuteTimes(t0, 3), seq(3))
	defer f.Release()

	bldr := array.NewFloat64Builder(alloc)
	bldr.AppendValues([]float64{10, 20, 30}, nil)
	col := bldr.NewArray()
	bldr.Release()

	f2, err := f.WithColumn("extra", col)
	col.Release()
	if err != nil {
		t.Fatal(err)
	}
	defer f2.Release()

	if got := f2.Schema().NumFields(); got != 3 {
		t.Fatalf("expected 3 columns, got %d", got)
	}
	extra, err := f2.Column("extra")
	if err != nil {
		t.Fatal(err)
	}
	if extra.(*array.Float64).Value(1) != 20 {
		t.Errorf("extra[1] = %v", extra.(*array.Float64).Value(1))
	}

	// Replacing an existing column keeps the column count.
	bldr = array.NewFloat64Builder(alloc)
	bldr.AppendValues([]float64{-1, -2, -3}, nil)
	repl := bldr.NewArray()
	bldr.Release()

	f3, err := f2.WithColumn("value", repl)
	repl.Release()
	if err != nil {
		t.Fatal(err)
	}
	defer f3.Release()
	if got := f3.Schema().NumFields(); got != 3 {
		t.Fatalf("expected 3 columns after replace, got %d", got)
	}
	v, _ := f3.Column("value")
	if v.(*array.Float64).Value(0) != -1 {
		t.Errorf("value[0] = %v after replace", v.(*array.Float64).Value(0))
	}
}

func TestSwapRecord(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	f := makeFrame(t, alloc, minuteTimes(t0, 3), seq(3))
	defer f.Release()

	f2 := makeFrame(t, alloc, minuteTimes(t0, 5), seq(5))
	rec := f2.Record()
	rec.Retain()
	f2.Release()

	if err := f.SwapRecord(rec); err != nil {
		t.Fatal(err)
	}
	if f.NumRows() != 5 {
		t.Fatalf("rows after swap = %d, want 5", f.NumRows())
	}
}

// ── Validate ────────────────────────────────────────────────────────

func TestValidateRejectsUnordered(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	times := []time.Time{t0, t0.Add(2 * time.Minute), t0.Add(time.Minute)}
	f := makeFrame(t, alloc, times, seq(3))
	defer f.Release()

	if err := f.Validate(); !errors.Is(err, ErrNotMonotonic) {
		t.Fatalf("expected ErrNotMonotonic, got %v", err)
	}
}

// ── Concat ──────────────────────────────────────────────────────────

func TestConcatOrdersByFirstTime(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	late := makeFrame(t, alloc, minuteTimes(t0.Add(time.Hour), 3), seq(3))
	defer late.Release()
	early := makeFrame(t, alloc, minuteTimes(t0, 3), seq(3))
	defer early.Release()

	out, err := Concat(alloc, late, early)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Release()

	if out.NumRows() != 6 {
		t.Fatalf("rows = %d, want 6", out.NumRows())
	}
	if !out.FirstTime().Equal(t0) {
		t.Errorf("first = %v, want %v", out.FirstTime(), t0)
	}
	if err := out.Validate(); err != nil {
		t.Errorf("concat result not monotonic: %v", err)
	}
}

func TestConcatSkipsEmpty(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	empty, err := Empty(alloc, testSchema, DefaultEpochCol)
	if err != nil {
		t.Fatal(err)
	}
	defer empty.Release()
	f := makeFrame(t, alloc, minuteTimes(t0, 2), seq(2))
	defer f.Release()

	out, err := Concat(alloc, empty, f)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Release()
	if out.NumRows() != 2 {
		t.Fatalf("rows = %d, want 2", out.NumRows())
	}
}

func TestConcatAllEmptyYieldsEmpty(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	a, err := Empty(alloc, testSchema, DefaultEpochCol)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Release()

	out, err := Concat(alloc, a)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Release()
	if !out.Empty() {
		t.Fatalf("expected empty result, got %d rows", out.NumRows())
	}
}

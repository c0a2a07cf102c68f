package orbit

import (
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/perigee-space/perigee/pkg/frame"
)

// ── Test helpers ────────────────────────────────────────────────────

var detectSchema = arrow.NewSchema([]arrow.Field{
	{Name: frame.DefaultEpochCol, Type: &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}},
	{Name: "idx", Type: arrow.PrimitiveTypes.Float64},
}, nil)

var detectT0 = time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC)

func makeIndexFrame(t *testing.T, alloc memory.Allocator, times []time.Time, vals []float64) *frame.Frame {
	t.Helper()
	bldr := array.NewRecordBuilder(alloc, detectSchema)
	defer bldr.Release()
	for i, at := range times {
		ts, err := arrow.TimestampFromTime(at, arrow.Microsecond)
		if err != nil {
			t.Fatal(err)
		}
		bldr.Field(0).(*array.TimestampBuilder).Append(ts)
		bldr.Field(1).(*array.Float64Builder).Append(vals[i])
	}
	rec := bldr.NewRecord()
	f, err := frame.New(rec, frame.DefaultEpochCol)
	if err != nil {
		rec.Release()
		t.Fatal(err)
	}
	return f
}

func evenTimes(n int, step time.Duration) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = detectT0.Add(time.Duration(i) * step)
	}
	return out
}

func spanStarts(spans []span) []time.Time {
	out := make([]time.Time, len(spans))
	for i, s := range spans {
		out[i] = s.Start
	}
	return out
}

// ── Rules ───────────────────────────────────────────────────────────

func TestValueChangeRule(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	// Orbit counter: 8 samples per orbit at 1min cadence, 8min period.
	n := 24
	vals := make([]float64, n)
	for i := range vals {
		vals[i] = float64(i / 8)
	}
	f := makeIndexFrame(t, alloc, evenTimes(n, time.Minute), vals)
	defer f.Release()

	spans, err := detect(f, Settings{Index: "idx", Kind: ValueChange, Period: 8 * time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	starts := spanStarts(spans)
	want := []time.Time{detectT0, detectT0.Add(8 * time.Minute), detectT0.Add(16 * time.Minute)}
	if len(starts) != len(want) {
		t.Fatalf("got %d spans, want %d", len(starts), len(want))
	}
	for i := range want {
		if !starts[i].Equal(want[i]) {
			t.Errorf("span %d starts %v, want %v", i, starts[i], want[i])
		}
	}
	// The trailing span is open past the last sample.
	last := spans[len(spans)-1]
	if !last.Stop.After(f.LastTime()) {
		t.Errorf("trailing span stop %v not after last sample %v", last.Stop, f.LastTime())
	}
}

func TestSignChangeRule(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	// Latitude-like: 8min period, positive half then negative half.
	n := 24
	vals := make([]float64, n)
	for i := range vals {
		if (i/4)%2 == 0 {
			vals[i] = 10
		} else {
			vals[i] = -10
		}
	}
	f := makeIndexFrame(t, alloc, evenTimes(n, time.Minute), vals)
	defer f.Release()

	spans, err := detect(f, Settings{Index: "idx", Kind: SignChange, Period: 8 * time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	// First flip at 4min is accepted; later flips at 8min spacing pass the
	// period gate, the 4min-later flips are rejected as too soon.
	starts := spanStarts(spans)
	want := []time.Time{
		detectT0,
		detectT0.Add(4 * time.Minute),
		detectT0.Add(12 * time.Minute),
		detectT0.Add(20 * time.Minute),
	}
	if len(starts) != len(want) {
		t.Fatalf("starts = %v, want %v", starts, want)
	}
	for i := range want {
		if !starts[i].Equal(want[i]) {
			t.Errorf("span %d starts %v, want %v", i, starts[i], want[i])
		}
	}
}

func TestGradientSignRule(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	// Sawtooth ramp wrapping every 8 samples.
	n := 24
	vals := make([]float64, n)
	for i := range vals {
		vals[i] = float64(i % 8)
	}
	f := makeIndexFrame(t, alloc, evenTimes(n, time.Minute), vals)
	defer f.Release()

	spans, err := detect(f, Settings{Index: "idx", Kind: GradientSign, Period: 8 * time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	starts := spanStarts(spans)
	want := []time.Time{detectT0, detectT0.Add(8 * time.Minute), detectT0.Add(16 * time.Minute)}
	if len(starts) != len(want) {
		t.Fatalf("starts = %v, want %v", starts, want)
	}
	for i := range want {
		if !starts[i].Equal(want[i]) {
			t.Errorf("span %d starts %v, want %v", i, starts[i], want[i])
		}
	}
}

// ── Period gating ───────────────────────────────────────────────────

func TestCandidateTooSoonRejected(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	// Counter glitches 2min after a real boundary; the gate (period -
	// period/4 = 6min) must reject it.
	n := 20
	vals := make([]float64, n)
	for i := range vals {
		vals[i] = float64(i / 8)
	}
	vals[10] = 99
	f := makeIndexFrame(t, alloc, evenTimes(n, time.Minute), vals)
	defer f.Release()

	spans, err := detect(f, Settings{Index: "idx", Kind: ValueChange, Period: 8 * time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range spans {
		if s.Start.Equal(detectT0.Add(10 * time.Minute)) {
			t.Fatal("glitch 2min after a boundary must be gated out")
		}
	}
}

func TestGapForcesBoundary(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	// Constant column, but a 5min hole (period/4 = 2min tolerance) in
	// otherwise 1min-cadence data.
	times := evenTimes(10, time.Minute)
	for i := 5; i < 10; i++ {
		times[i] = times[i].Add(5 * time.Minute)
	}
	vals := make([]float64, 10)
	f := makeIndexFrame(t, alloc, times, vals)
	defer f.Release()

	spans, err := detect(f, Settings{Index: "idx", Kind: ValueChange, Period: 8 * time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2 (gap must split)", len(spans))
	}
	if !spans[1].Start.Equal(times[5]) {
		t.Errorf("second span starts %v, want %v", spans[1].Start, times[5])
	}
}

func TestDegradedWholeSpanIsOneOrbit(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	vals := make([]float64, 20)
	f := makeIndexFrame(t, alloc, evenTimes(20, time.Minute), vals)
	defer f.Release()

	spans, err := detect(f, Settings{Index: "idx", Kind: ValueChange, Period: 8 * time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1 degraded span", len(spans))
	}
	if !spans[0].Start.Equal(detectT0) || !spans[0].Stop.After(f.LastTime()) {
		t.Errorf("degraded span %v..%v must cover everything", spans[0].Start, spans[0].Stop)
	}
}

func TestUnknownIndexColumn(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	f := makeIndexFrame(t, alloc, evenTimes(3, time.Minute), []float64{1, 2, 3})
	defer f.Release()

	if _, err := detect(f, Settings{Index: "missing", Kind: ValueChange, Period: time.Hour}); err == nil {
		t.Fatal("expected error for unknown index column")
	}
}

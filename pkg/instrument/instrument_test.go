package instrument

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/perigee-space/perigee/pkg/bounds"
	"github.com/perigee-space/perigee/pkg/catalog"
	"github.com/perigee-space/perigee/pkg/custom"
	"github.com/perigee-space/perigee/pkg/frame"
	"github.com/perigee-space/perigee/pkg/platform"
	"github.com/perigee-space/perigee/pkg/platforms/testmodel"
)

// ── Test helpers ────────────────────────────────────────────────────

var (
	firstDay = time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC)
	cadence  = 5 * time.Minute
)

const rowsPerDay = 288 // 24h at 5min cadence

func newTestInstrument(t *testing.T, alloc memory.Allocator, days int, failFiles ...string) *Instrument {
	t.Helper()
	adapter, err := testmodel.New(testmodel.Config{
		First:     firstDay,
		Last:      firstDay.AddDate(0, 0, days-1),
		Cadence:   cadence,
		FailFiles: failFiles,
	})
	if err != nil {
		t.Fatal(err)
	}
	inst, err := New(context.Background(), Config{
		Platform:     adapter,
		PlatformName: "testmodel",
		Tag:          "clean",
		Alloc:        alloc,
	})
	if err != nil {
		t.Fatal(err)
	}
	return inst
}

func dateBounds(start, stop time.Time, step, width int) bounds.Spec {
	return bounds.Spec{Segments: []bounds.Segment{bounds.DateRange(start, stop, step, width)}}
}

// ── Cursor iteration ────────────────────────────────────────────────

func TestNextWalksDaysInOrder(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	inst := newTestInstrument(t, alloc, 3)
	defer inst.Close()
	ctx := context.Background()

	var starts []time.Time
	totalRows := 0
	for {
		err := inst.Next(ctx)
		if errors.Is(err, ErrExhausted) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		p, ok := inst.Current()
		if !ok {
			t.Fatal("Current not ok while running")
		}
		f := inst.Data()
		if f.Empty() {
			t.Fatalf("day %s loaded empty", p.Label)
		}
		if !f.FirstTime().Equal(p.Start) {
			t.Errorf("day %s first row %v, want %v", p.Label, f.FirstTime(), p.Start)
		}
		if !f.LastTime().Before(p.Stop) {
			t.Errorf("day %s last row %v not before %v", p.Label, f.LastTime(), p.Stop)
		}
		starts = append(starts, p.Start)
		totalRows += f.NumRows()
	}

	if len(starts) != 3 {
		t.Fatalf("visited %d periods, want 3", len(starts))
	}
	for i, want := 0, firstDay; i < 3; i, want = i+1, want.AddDate(0, 0, 1) {
		if !starts[i].Equal(want) {
			t.Errorf("period %d starts %v, want %v", i, starts[i], want)
		}
	}
	if totalRows != 3*rowsPerDay {
		t.Errorf("total rows %d, want %d: steps must neither drop nor duplicate", totalRows, 3*rowsPerDay)
	}

	if _, ok := inst.Current(); ok {
		t.Error("Current should not be ok after exhaustion")
	}
	// The call after exhaustion restarts from the first period.
	if err := inst.Next(ctx); err != nil {
		t.Fatal(err)
	}
	p, _ := inst.Current()
	if !p.Start.Equal(firstDay) {
		t.Errorf("post-exhaustion Next starts %v, want %v", p.Start, firstDay)
	}
}

func TestRestartReproducesSequence(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	inst := newTestInstrument(t, alloc, 3)
	defer inst.Close()
	ctx := context.Background()

	walk := func() []string {
		var labels []string
		for {
			if err := inst.Next(ctx); err != nil {
				if errors.Is(err, ErrExhausted) {
					return labels
				}
				t.Fatal(err)
			}
			p, _ := inst.Current()
			labels = append(labels, p.Label)
		}
	}

	first := walk()
	inst.Restart()
	second := walk()

	if len(first) != len(second) {
		t.Fatalf("restart produced %d periods, first pass had %d", len(second), len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("period %d: %q vs %q after restart", i, first[i], second[i])
		}
	}
}

func TestDateStepWidthWindows(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	inst := newTestInstrument(t, alloc, 5)
	defer inst.Close()
	ctx := context.Background()

	spec := dateBounds(firstDay, firstDay.AddDate(0, 0, 4), 2, 2)
	if err := inst.SetBounds(spec); err != nil {
		t.Fatal(err)
	}

	type window struct {
		start time.Time
		rows  int
	}
	var got []window
	for {
		if err := inst.Next(ctx); err != nil {
			if errors.Is(err, ErrExhausted) {
				break
			}
			t.Fatal(err)
		}
		p, _ := inst.Current()
		got = append(got, window{p.Start, inst.Data().NumRows()})
	}

	want := []window{
		{firstDay, 2 * rowsPerDay},
		{firstDay.AddDate(0, 0, 2), 2 * rowsPerDay},
		// The final window is truncated at the inclusive stop day.
		{firstDay.AddDate(0, 0, 4), rowsPerDay},
	}
	if len(got) != len(want) {
		t.Fatalf("visited %d windows, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].start.Equal(want[i].start) || got[i].rows != want[i].rows {
			t.Errorf("window %d = (%v, %d rows), want (%v, %d rows)",
				i, got[i].start, got[i].rows, want[i].start, want[i].rows)
		}
	}
}

func TestFileStepWidthWindows(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	inst := newTestInstrument(t, alloc, 5)
	defer inst.Close()
	ctx := context.Background()

	f := func(day int) string { return testmodel.FileID(firstDay.AddDate(0, 0, day)) }
	spec := bounds.Spec{Segments: []bounds.Segment{bounds.FileRange(f(0), f(4), 2, 2)}}
	if err := inst.SetBounds(spec); err != nil {
		t.Fatal(err)
	}

	var got [][]string
	for {
		if err := inst.Next(ctx); err != nil {
			if errors.Is(err, ErrExhausted) {
				break
			}
			t.Fatal(err)
		}
		p, _ := inst.Current()
		got = append(got, p.Files)
	}

	want := [][]string{
		{f(0), f(1)},
		{f(2), f(3)},
		{f(4)},
	}
	if len(got) != len(want) {
		t.Fatalf("visited %d file windows, want %d", len(got), len(want))
	}
	for i := range want {
		if len(got[i]) != len(want[i]) {
			t.Fatalf("window %d = %v, want %v", i, got[i], want[i])
		}
		for j := range want[i] {
			if got[i][j] != want[i][j] {
				t.Errorf("window %d = %v, want %v", i, got[i], want[i])
			}
		}
	}
}

// ── Padding ─────────────────────────────────────────────────────────

func TestPaddingTrimsToRequestedRange(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	inst := newTestInstrument(t, alloc, 5)
	defer inst.Close()
	ctx := context.Background()
	day := firstDay.AddDate(0, 0, 2)

	if err := inst.LoadDay(ctx, day); err != nil {
		t.Fatal(err)
	}
	plain := inst.Data()
	plainRows, plainFirst, plainLast := plain.NumRows(), plain.FirstTime(), plain.LastTime()

	if err := inst.SetPadding(Padding{Before: 30 * time.Minute, After: 30 * time.Minute}); err != nil {
		t.Fatal(err)
	}
	if err := inst.LoadDay(ctx, day); err != nil {
		t.Fatal(err)
	}
	padded := inst.Data()

	// The padded rows exist only during custom processing; the returned
	// frame must be indistinguishable from an unpadded load.
	if padded.NumRows() != plainRows {
		t.Errorf("padded load has %d rows, unpadded %d", padded.NumRows(), plainRows)
	}
	if !padded.FirstTime().Equal(plainFirst) || !padded.LastTime().Equal(plainLast) {
		t.Errorf("padded span %v..%v, unpadded %v..%v",
			padded.FirstTime(), padded.LastTime(), plainFirst, plainLast)
	}
}

func TestCustomSeesPaddedRows(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	inst := newTestInstrument(t, alloc, 5)
	defer inst.Close()
	ctx := context.Background()

	var seen int
	inst.AttachCustom(custom.Mutating("count", func(_ custom.Owner, f *frame.Frame, _ custom.Args) error {
		seen = f.NumRows()
		return nil
	}, custom.Args{}))

	if err := inst.SetPadding(Padding{Before: time.Hour, After: time.Hour}); err != nil {
		t.Fatal(err)
	}
	day := firstDay.AddDate(0, 0, 2)
	if err := inst.LoadDay(ctx, day); err != nil {
		t.Fatal(err)
	}

	// Padding resolves at day granularity against the catalog, so the
	// pipeline sees three whole days while the caller gets one.
	if seen != 3*rowsPerDay {
		t.Errorf("pipeline saw %d rows, want %d", seen, 3*rowsPerDay)
	}
	if inst.Data().NumRows() != rowsPerDay {
		t.Errorf("returned %d rows, want %d", inst.Data().NumRows(), rowsPerDay)
	}
}

func TestNegativePaddingRejected(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	inst := newTestInstrument(t, alloc, 2)
	defer inst.Close()
	if err := inst.SetPadding(Padding{Before: -time.Minute}); err == nil {
		t.Fatal("expected error for negative padding")
	}
}

// ── Failure handling ────────────────────────────────────────────────

func TestLoadFailureKeepsCursorPosition(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	badFile := testmodel.FileID(firstDay.AddDate(0, 0, 1))
	inst := newTestInstrument(t, alloc, 3, badFile)
	defer inst.Close()
	ctx := context.Background()

	if err := inst.Next(ctx); err != nil {
		t.Fatal(err)
	}
	p1, _ := inst.Current()
	day1Rows := inst.Data().NumRows()

	err := inst.Next(ctx)
	if err == nil || errors.Is(err, ErrExhausted) {
		t.Fatalf("expected load failure, got %v", err)
	}
	var le *platform.LoadError
	if !errors.As(err, &le) {
		t.Fatalf("expected LoadError, got %T: %v", err, err)
	}
	if len(le.Files) != 1 || le.Files[0] != badFile {
		t.Errorf("LoadError.Files = %v, want [%s]", le.Files, badFile)
	}

	// Commit-on-success: the failed advance leaves the cursor and the
	// loaded frame exactly where they were.
	cur, ok := inst.Current()
	if !ok || !cur.Start.Equal(p1.Start) {
		t.Errorf("cursor moved on failure: %v ok=%v", cur.Start, ok)
	}
	if inst.Data().NumRows() != day1Rows {
		t.Errorf("data replaced on failure")
	}

	// Retrying hits the same failing period again.
	if err := inst.Next(ctx); err == nil {
		t.Fatal("retry should fail on the same period")
	}
}

// ── Empty periods ───────────────────────────────────────────────────

func TestEmptyPeriodShortCircuits(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	inst := newTestInstrument(t, alloc, 3)
	defer inst.Close()
	ctx := context.Background()

	pipelineRan := false
	inst.AttachCustom(custom.Mutating("observe", func(_ custom.Owner, _ *frame.Frame, _ custom.Args) error {
		pipelineRan = true
		return nil
	}, custom.Args{}))

	// A day with no catalog entries is a legitimate empty result.
	before := firstDay.AddDate(0, 0, -10)
	if err := inst.SetBounds(dateBounds(before, before, 1, 1)); err != nil {
		t.Fatal(err)
	}
	if err := inst.Next(ctx); err != nil {
		t.Fatalf("empty period must not error: %v", err)
	}
	if !inst.Data().Empty() {
		t.Fatalf("expected empty frame, got %d rows", inst.Data().NumRows())
	}
	if pipelineRan {
		t.Error("custom pipeline must not run for an empty period")
	}
}

func TestDefaultBoundsEmptyCatalogFailsFast(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	inst, err := New(context.Background(), Config{Platform: emptyAdapter{}, Alloc: alloc})
	if err != nil {
		t.Fatal(err)
	}
	defer inst.Close()

	if err := inst.Next(context.Background()); !errors.Is(err, bounds.ErrEmptyCatalog) {
		t.Fatalf("expected ErrEmptyCatalog, got %v", err)
	}
}

type emptyAdapter struct{}

func (emptyAdapter) List(*platform.Context) ([]catalog.Entry, error) { return nil, nil }

func (emptyAdapter) Load(*platform.Context, []string) (*frame.Frame, platform.Metadata, error) {
	return nil, nil, errors.New("no data")
}

func (emptyAdapter) Clean(*platform.Context, *frame.Frame, platform.CleanLevel) error { return nil }

// ── Bounds changes ──────────────────────────────────────────────────

func TestSetBoundsResetsCursor(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	inst := newTestInstrument(t, alloc, 5)
	defer inst.Close()
	ctx := context.Background()

	if err := inst.Next(ctx); err != nil {
		t.Fatal(err)
	}
	epoch := inst.BoundsEpoch()

	newStart := firstDay.AddDate(0, 0, 3)
	if err := inst.SetBounds(dateBounds(newStart, newStart.AddDate(0, 0, 1), 1, 1)); err != nil {
		t.Fatal(err)
	}
	if inst.BoundsEpoch() == epoch {
		t.Error("BoundsEpoch must change on SetBounds")
	}
	if _, ok := inst.Current(); ok {
		t.Error("cursor must reset on SetBounds")
	}

	if err := inst.Next(ctx); err != nil {
		t.Fatal(err)
	}
	p, _ := inst.Current()
	if !p.Start.Equal(newStart) {
		t.Errorf("first period after rebound starts %v, want %v", p.Start, newStart)
	}
}

func TestSetBoundsRejectsMixedKinds(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	inst := newTestInstrument(t, alloc, 3)
	defer inst.Close()

	spec := bounds.Spec{Segments: []bounds.Segment{
		bounds.DateRange(firstDay, firstDay, 1, 1),
		bounds.FileRange(testmodel.FileID(firstDay), testmodel.FileID(firstDay), 1, 1),
	}}
	if err := inst.SetBounds(spec); !errors.Is(err, bounds.ErrMixedKinds) {
		t.Fatalf("expected ErrMixedKinds, got %v", err)
	}
}

// ── Custom pipeline and attributes ──────────────────────────────────

func TestCustomColumnAttachedOnLoad(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	inst := newTestInstrument(t, alloc, 2)
	defer inst.Close()
	ctx := context.Background()

	inst.AttachCustom(custom.Expr("lat2", "latitude * 2.0"))

	if err := inst.LoadDay(ctx, firstDay); err != nil {
		t.Fatal(err)
	}
	f := inst.Data()

	lat, err := f.Column("latitude")
	if err != nil {
		t.Fatal(err)
	}
	lat2, err := f.Column("lat2")
	if err != nil {
		t.Fatal(err)
	}
	for _, i := range []int{0, 7, 100} {
		want := lat.(*array.Float64).Value(i) * 2
		if got := lat2.(*array.Float64).Value(i); got != want {
			t.Fatalf("lat2[%d] = %v, want %v", i, got, want)
		}
	}
}

func TestAttrsPersistAcrossLoads(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	inst := newTestInstrument(t, alloc, 3)
	defer inst.Close()
	ctx := context.Background()

	inst.AttachCustom(custom.Mutating("tally", func(o custom.Owner, _ *frame.Frame, _ custom.Args) error {
		n := 0
		if v, ok := o.Attr("loads"); ok {
			n = v.(int)
		}
		o.SetAttr("loads", n+1)
		return nil
	}, custom.Args{}))

	for i := 0; i < 2; i++ {
		if err := inst.Next(ctx); err != nil {
			t.Fatal(err)
		}
	}
	v, ok := inst.Attr("loads")
	if !ok || v.(int) != 2 {
		t.Fatalf("loads attr = %v ok=%v, want 2", v, ok)
	}
}

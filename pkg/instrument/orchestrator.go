package instrument

import (
	"context"
	"fmt"
	"time"

	"github.com/perigee-space/perigee/pkg/bounds"
	"github.com/perigee-space/perigee/pkg/catalog"
	"github.com/perigee-space/perigee/pkg/frame"
	"github.com/perigee-space/perigee/pkg/metrics"
	"github.com/perigee-space/perigee/pkg/platform"
)

// farFuture is the open upper trim bound for file steps with no
// following catalog entry.
var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// LoadDay loads one UTC day into the handle's container through the full
// orchestration: file resolution, per-file adapter loads, concatenation,
// cleaning, padding, custom functions, and trim. On failure the previous
// container is left untouched.
func (i *Instrument) LoadDay(ctx context.Context, day time.Time) error {
	day = bounds.Day(day)
	return i.LoadRange(ctx, day, day.Add(24*time.Hour))
}

// LoadRange loads the half-open time range [start, stop).
func (i *Instrument) LoadRange(ctx context.Context, start, stop time.Time) error {
	f, meta, err := i.assembleRange(ctx, start, stop)
	if err != nil {
		return err
	}
	i.setData(f, meta)
	return nil
}

// LoadFiles loads the named catalog files as one step.
func (i *Instrument) LoadFiles(ctx context.Context, files []string) error {
	entries := make([]catalog.Entry, 0, len(files))
	for _, name := range files {
		idx, err := i.cat.IndexOfFile(name)
		if err != nil {
			return err
		}
		entries = append(entries, i.cat.All()[idx])
	}
	f, meta, err := i.assembleFiles(ctx, entries)
	if err != nil {
		return err
	}
	i.setData(f, meta)
	return nil
}

// PeekDay assembles one UTC day without replacing the handle's container.
// The caller owns the returned frame. The orbit segmenter uses this to
// materialize neighboring days.
func (i *Instrument) PeekDay(ctx context.Context, day time.Time) (*frame.Frame, error) {
	day = bounds.Day(day)
	f, _, err := i.assembleRange(ctx, day, day.Add(24*time.Hour))
	return f, err
}

// assembleRange resolves [start, stop) to files, loads and assembles
// them, and trims back to exactly the requested range. The trim always
// uses the original requested bounds, never bounds a custom function may
// have seen or altered.
func (i *Instrument) assembleRange(ctx context.Context, start, stop time.Time) (*frame.Frame, platform.Metadata, error) {
	loadStart, loadStop := start, stop
	if i.pad.Enabled() {
		loadStart = bounds.Day(start.Add(-i.pad.Before))
		loadStop = dayCeil(stop.Add(i.pad.After))
	}
	entries := i.cat.EntriesBetween(loadStart, loadStop)
	return i.assemble(ctx, entries, start, stop)
}

// assembleFiles loads a file step. With padding configured, one file of
// context is added on each side and trimmed back to the step's own time
// span; the span's upper edge is the following entry's timestamp, open
// when the step ends the catalog.
func (i *Instrument) assembleFiles(ctx context.Context, entries []catalog.Entry) (*frame.Frame, platform.Metadata, error) {
	if len(entries) == 0 {
		f, err := i.emptyFrame()
		return f, platform.Metadata{}, err
	}

	start := entries[0].Time
	stop := farFuture
	all := i.cat.All()
	lastIdx, err := i.cat.IndexOfFile(entries[len(entries)-1].File)
	if err != nil {
		return nil, nil, err
	}
	if lastIdx+1 < len(all) {
		stop = all[lastIdx+1].Time
	}

	loadSet := entries
	if i.pad.Enabled() {
		firstIdx, err := i.cat.IndexOfFile(entries[0].File)
		if err != nil {
			return nil, nil, err
		}
		padded := make([]catalog.Entry, 0, len(entries)+2)
		if firstIdx > 0 {
			padded = append(padded, all[firstIdx-1])
		}
		padded = append(padded, entries...)
		if lastIdx+1 < len(all) {
			padded = append(padded, all[lastIdx+1])
		}
		loadSet = padded
	}

	return i.assemble(ctx, loadSet, start, stop)
}

// assemble is the orchestration core shared by date and file steps: one
// adapter Load call per file, concatenation in timestamp order, clean,
// custom pipeline over the padded union, then trim to [start, stop).
func (i *Instrument) assemble(ctx context.Context, entries []catalog.Entry, start, stop time.Time) (*frame.Frame, platform.Metadata, error) {
	began := time.Now()
	metrics.LoadsTotal.WithLabelValues(i.cfg.PlatformName, i.cfg.Tag).Inc()

	fail := func(err error) (*frame.Frame, platform.Metadata, error) {
		metrics.LoadFailures.WithLabelValues(i.cfg.PlatformName, i.cfg.Tag).Inc()
		return nil, nil, err
	}

	if len(entries) == 0 {
		f, err := i.emptyFrame()
		if err != nil {
			return fail(err)
		}
		return f, platform.Metadata{}, nil
	}

	files := make([]string, len(entries))
	for n, e := range entries {
		files[n] = e.File
	}

	actx := i.adapterCtx(ctx)
	meta := platform.Metadata{}
	parts := make([]*frame.Frame, 0, len(files))
	releaseParts := func() {
		for _, p := range parts {
			p.Release()
		}
	}

	for _, file := range files {
		part, m, err := i.cfg.Platform.Load(actx, []string{file})
		if err != nil {
			releaseParts()
			return fail(&platform.LoadError{Files: []string{file}, Err: err})
		}
		meta.Merge(m)
		parts = append(parts, part)
	}

	assembled, err := frame.Concat(i.alloc, parts...)
	releaseParts()
	if err != nil {
		return fail(err)
	}

	// A legitimately empty period short-circuits clean and the pipeline.
	if assembled.Empty() {
		assembled.Release()
		f, err := i.emptyFrame()
		if err != nil {
			return fail(err)
		}
		return f, platform.Metadata{}, nil
	}

	if i.cfg.CleanLevel != platform.CleanNone {
		if err := i.cfg.Platform.Clean(actx, assembled, i.cfg.CleanLevel); err != nil {
			assembled.Release()
			return fail(&platform.LoadError{Files: files, Err: fmt.Errorf("clean: %w", err)})
		}
	}

	processed, err := i.pipe.Run(i, assembled, meta)
	if err != nil {
		// The partially transformed frame was discarded by the pipeline.
		return fail(err)
	}

	paddedRows := processed.NumRows()
	trimmed, err := processed.Slice(start, stop)
	processed.Release()
	if err != nil {
		return fail(err)
	}

	metrics.PaddingRowsTrimmed.WithLabelValues(i.cfg.PlatformName, i.cfg.Tag).
		Add(float64(paddedRows - trimmed.NumRows()))
	metrics.RowsLoaded.WithLabelValues(i.cfg.PlatformName, i.cfg.Tag).
		Add(float64(trimmed.NumRows()))
	metrics.LoadLatency.WithLabelValues(i.cfg.PlatformName, i.cfg.Tag).
		Observe(time.Since(began).Seconds())

	i.log.Debug("load step assembled",
		"files", len(files),
		"rows", trimmed.NumRows(),
		"padded_rows", paddedRows,
		"start", start,
		"stop", stop,
	)
	return trimmed, meta, nil
}

// dayCeil rounds t up to the next UTC midnight; midnights round to
// themselves.
func dayCeil(t time.Time) time.Time {
	d := bounds.Day(t)
	if d.Equal(t.UTC()) {
		return d
	}
	return d.Add(24 * time.Hour)
}

package instrument

import (
	"context"
	"fmt"
	"time"

	"github.com/perigee-space/perigee/pkg/bounds"
	"github.com/perigee-space/perigee/pkg/catalog"
)

// cursorState tracks the iteration state machine: UNSTARTED until the
// first advance, RUNNING while periods remain, EXHAUSTED once every
// segment is consumed. A further advance from EXHAUSTED restarts.
type cursorState int

const (
	cursorUnstarted cursorState = iota
	cursorRunning
	cursorExhausted
)

// Period is one cursor step: the resolved half-open time range and the
// concrete files behind it.
type Period struct {
	Kind  bounds.Kind
	Start time.Time
	Stop  time.Time
	Files []string
	Label string
}

// Next advances the cursor one step and loads the new period through the
// orchestrator. Periods with no matching files load as empty frames and
// still count as visited. Once all segments are consumed Next returns
// ErrExhausted; the call after that restarts from the first segment.
//
// On a load or custom-function error the cursor position is left
// unchanged so the caller may retry or skip.
func (i *Instrument) Next(ctx context.Context) error {
	if err := i.ensureBounds(); err != nil {
		return err
	}

	prevState, prevPos, prevSeg := i.state, i.pos, i.bm.Index()

	var pos int
	switch i.state {
	case cursorUnstarted, cursorExhausted:
		i.bm.Reset()
		pos = 0
	case cursorRunning:
		pos = i.pos + 1
	}

	for {
		if i.bm.Exhausted() {
			i.state = cursorExhausted
			i.period = Period{}
			return ErrExhausted
		}

		seg := i.bm.Current()
		p, ok := i.periodAt(seg, pos)
		if !ok {
			if !i.bm.Advance() {
				i.state = cursorExhausted
				i.period = Period{}
				return ErrExhausted
			}
			pos = 0
			continue
		}

		if err := i.loadPeriod(ctx, p); err != nil {
			i.state, i.pos = prevState, prevPos
			i.bm.Seek(prevSeg)
			return err
		}

		i.state, i.pos, i.period = cursorRunning, pos, p
		return nil
	}
}

// Current returns the period the cursor is on. ok is false before the
// first advance and after exhaustion.
func (i *Instrument) Current() (Period, bool) {
	return i.period, i.state == cursorRunning
}

// Restart rewinds the cursor to UNSTARTED; the next advance reproduces
// the first pass's sequence of periods.
func (i *Instrument) Restart() {
	i.resetCursor()
}

func (i *Instrument) resetCursor() {
	i.state = cursorUnstarted
	i.pos = 0
	i.period = Period{}
	if i.bm != nil {
		i.bm.Reset()
	}
}

// periodAt resolves step pos of a segment, truncating the final step to
// the available range. ok is false when pos is past the segment's end.
func (i *Instrument) periodAt(seg bounds.Segment, pos int) (Period, bool) {
	switch seg.Kind {
	case bounds.ByFile:
		return i.filePeriodAt(seg, pos)
	default:
		return datePeriodAt(seg, pos)
	}
}

func datePeriodAt(seg bounds.Segment, pos int) (Period, bool) {
	start := seg.StartDay.AddDate(0, 0, pos*seg.Step)
	if start.After(seg.StopDay) {
		return Period{}, false
	}
	stop := start.AddDate(0, 0, seg.Width)
	segEnd := seg.StopDay.AddDate(0, 0, 1)
	if stop.After(segEnd) {
		stop = segEnd
	}
	return Period{
		Kind:  bounds.ByDate,
		Start: start,
		Stop:  stop,
		Label: start.Format("2006-01-02"),
	}, true
}

func (i *Instrument) filePeriodAt(seg bounds.Segment, pos int) (Period, bool) {
	segStart, err := i.cat.IndexOfFile(seg.StartFile)
	if err != nil {
		return Period{}, false
	}
	segStop, err := i.cat.IndexOfFile(seg.StopFile)
	if err != nil {
		return Period{}, false
	}

	lo := segStart + pos*seg.Step
	if lo > segStop {
		return Period{}, false
	}
	entries := i.cat.Slice(lo, seg.Width, segStop)
	if len(entries) == 0 {
		return Period{}, false
	}

	files := make([]string, len(entries))
	for n, e := range entries {
		files[n] = e.File
	}

	stop := farFuture
	all := i.cat.All()
	if lastIdx, err := i.cat.IndexOfFile(files[len(files)-1]); err == nil && lastIdx+1 < len(all) {
		stop = all[lastIdx+1].Time
	}

	label := files[0]
	if len(files) > 1 {
		label = fmt.Sprintf("%s..%s", files[0], files[len(files)-1])
	}
	return Period{
		Kind:  bounds.ByFile,
		Start: entries[0].Time,
		Stop:  stop,
		Files: files,
		Label: label,
	}, true
}

func (i *Instrument) loadPeriod(ctx context.Context, p Period) error {
	switch p.Kind {
	case bounds.ByFile:
		entries := make([]catalog.Entry, 0, len(p.Files))
		all := i.cat.All()
		for _, name := range p.Files {
			idx, err := i.cat.IndexOfFile(name)
			if err != nil {
				return err
			}
			entries = append(entries, all[idx])
		}
		f, meta, err := i.assembleFiles(ctx, entries)
		if err != nil {
			return err
		}
		i.setData(f, meta)
		return nil
	default:
		return i.LoadRange(ctx, p.Start, p.Stop)
	}
}

// Package orbit partitions an instrument's daily data stream into
// physically meaningful orbit segments that may straddle day boundaries.
// The segmenter materializes the anchor day together with both
// neighbors, detects boundaries with a configurable rule gated by the
// nominal orbit period, and exposes a 1-based index / next / prev
// cursor. Segmentation is best-effort consistent with the declared
// period: real periods drift, so exactness is not guaranteed, but the
// orbit count per day is always observable.
package orbit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/perigee-space/perigee/pkg/bounds"
	"github.com/perigee-space/perigee/pkg/frame"
	"github.com/perigee-space/perigee/pkg/instrument"
	"github.com/perigee-space/perigee/pkg/metrics"
)

// ErrExhausted is returned by Next once all orbits across all bound
// segments are consumed; iteration restarts on the following call.
var ErrExhausted = errors.New("orbit: iteration exhausted")

// ErrNoData is returned when the materialized day holds no samples.
var ErrNoData = errors.New("orbit: no data in day")

// Segmenter walks orbits over an instrument's bounded data. It is
// single-threaded, like the handle it wraps.
type Segmenter struct {
	inst *instrument.Instrument
	set  Settings
	log  *slog.Logger

	cache       dayCache
	boundsEpoch uint64

	started bool
	day     time.Time
	ext     *frame.Frame
	spans   []span
	dayLo   int
	dayHi   int
	cur     int
}

// New builds a segmenter over an instrument handle.
func New(inst *instrument.Instrument, set Settings) (*Segmenter, error) {
	if set.Index == "" {
		return nil, errors.New("orbit: no index column configured")
	}
	if set.Period <= 0 {
		return nil, fmt.Errorf("orbit: nominal period %v must be positive", set.Period)
	}
	return &Segmenter{
		inst: inst,
		set:  set,
		log:  slog.Default().With("orbit_index", set.Index, "orbit_kind", set.Kind.String()),
		cur:  -1,
	}, nil
}

// Settings returns the segmenter's configuration.
func (s *Segmenter) Settings() Settings { return s.set }

// Count returns the number of orbits found in the current day, 0 before
// the first materialization. A count of 1 on a day with data flags
// degraded segmentation.
func (s *Segmenter) Count() int { return s.dayHi - s.dayLo }

// Current returns the current orbit's day-relative ordinal and time
// range. ok is false when no orbit is loaded.
func (s *Segmenter) Current() (ordinal int, start, stop time.Time, ok bool) {
	if !s.started || s.cur < 0 {
		return 0, time.Time{}, time.Time{}, false
	}
	sp := s.spans[s.cur]
	return s.cur - s.dayLo + 1, sp.Start, sp.Stop, true
}

// Restart rewinds orbit iteration; the instrument cursor restarts too.
func (s *Segmenter) Restart() {
	s.started = false
	s.cur = -1
	s.inst.Restart()
}

// Close releases the materialized buffer and the day cache.
func (s *Segmenter) Close() {
	if s.ext != nil {
		s.ext.Release()
		s.ext = nil
	}
	s.cache.clear()
	s.spans = nil
	s.started = false
	s.cur = -1
}

// syncBounds drops all buffers when the instrument's bounds changed.
func (s *Segmenter) syncBounds() {
	if s.boundsEpoch == s.inst.BoundsEpoch() {
		return
	}
	s.boundsEpoch = s.inst.BoundsEpoch()
	s.cache.clear()
	if s.ext != nil {
		s.ext.Release()
		s.ext = nil
	}
	s.spans = nil
	s.started = false
	s.cur = -1
}

// peek returns the orchestrated frame for a day, cached. The cache owns
// the returned frame.
func (s *Segmenter) peek(ctx context.Context, day time.Time) (*frame.Frame, error) {
	if f, ok := s.cache.get(day); ok {
		return f, nil
	}
	f, err := s.inst.PeekDay(ctx, day)
	if err != nil {
		return nil, err
	}
	s.cache.put(day, f)
	return f, nil
}

// materialize builds the extended buffer for an anchor day: the day plus
// both neighbors, so orbit 1 can reach back before midnight and the last
// orbit can run past it.
func (s *Segmenter) materialize(ctx context.Context, day time.Time) error {
	day = bounds.Day(day)
	if s.ext != nil && s.started && s.day.Equal(day) {
		return nil
	}

	prev, err := s.peek(ctx, day.AddDate(0, 0, -1))
	if err != nil {
		return err
	}
	cur, err := s.peek(ctx, day)
	if err != nil {
		return err
	}
	next, err := s.peek(ctx, day.AddDate(0, 0, 1))
	if err != nil {
		return err
	}

	ext, err := frame.Concat(s.inst.Alloc(), prev, cur, next)
	if err != nil {
		return err
	}

	var spans []span
	if !ext.Empty() {
		spans, err = detect(ext, s.set)
		if err != nil {
			ext.Release()
			return err
		}
	}

	dayStart, dayEnd := day, day.AddDate(0, 0, 1)
	lo, hi := 0, 0
	for idx, sp := range spans {
		if sp.Stop.After(dayStart) && sp.Start.Before(dayEnd) {
			if hi == 0 {
				lo = idx
			}
			hi = idx + 1
		}
	}

	if s.ext != nil {
		s.ext.Release()
	}
	s.ext = ext
	s.spans = spans
	s.day = day
	s.dayLo, s.dayHi = lo, hi
	s.cur = -1
	s.started = true

	found := hi - lo
	metrics.OrbitsFound.Observe(float64(found))
	if found == 1 && !ext.Empty() {
		s.log.Warn("degraded segmentation: whole span treated as one orbit",
			"day", day.Format("2006-01-02"))
	}
	s.log.Debug("orbits materialized", "day", day.Format("2006-01-02"), "orbits", found)
	return nil
}

// anchor ensures the instrument cursor has a current period and the
// segmenter a materialized day.
func (s *Segmenter) anchor(ctx context.Context) error {
	if s.started {
		return s.materialize(ctx, s.day)
	}
	p, ok := s.inst.Current()
	if !ok {
		if err := s.inst.Next(ctx); err != nil {
			if errors.Is(err, instrument.ErrExhausted) {
				return ErrExhausted
			}
			return err
		}
		p, _ = s.inst.Current()
	}
	return s.materialize(ctx, bounds.Day(p.Start))
}

// slice cuts the orbit at spans[idx] out of the extended buffer. The
// caller owns the returned frame.
func (s *Segmenter) slice(idx int) (*frame.Frame, error) {
	return s.ext.Slice(s.spans[idx].Start, s.spans[idx].Stop)
}

func (s *Segmenter) findStart(t time.Time) int {
	for idx, sp := range s.spans {
		if sp.Start.Equal(t) {
			return idx
		}
	}
	return -1
}

func (s *Segmenter) findContaining(t time.Time) int {
	for idx, sp := range s.spans {
		if sp.contains(t) {
			return idx
		}
	}
	return -1
}

// Index loads orbit n (1-based) of the current day, materializing
// neighboring days as needed. Index(-1) returns the last complete orbit
// of the bounded period; when the true boundary falls exactly at the day
// junction this is the orbit beginning there — the same data the
// following day labels orbit 1. The same aliasing holds for straddling
// orbits: one physical orbit can carry two ordinals depending on which
// day is current. Downstream code relies on this; do not "fix" it.
func (s *Segmenter) Index(ctx context.Context, n int) (*frame.Frame, error) {
	s.syncBounds()
	if err := s.anchor(ctx); err != nil {
		return nil, err
	}

	if s.dayHi == s.dayLo {
		return nil, fmt.Errorf("%w: %s", ErrNoData, s.day.Format("2006-01-02"))
	}

	if n == -1 {
		dayEnd := s.day.AddDate(0, 0, 1)
		if idx := s.findStart(dayEnd); idx >= 0 {
			s.cur = idx
			return s.slice(idx)
		}
		s.cur = s.dayHi - 1
		return s.slice(s.cur)
	}

	if n < 1 {
		return nil, fmt.Errorf("orbit: index %d out of range (1-based, -1 for last)", n)
	}
	if n > s.dayHi-s.dayLo {
		return nil, fmt.Errorf("orbit: index %d out of range: %d orbits found on %s",
			n, s.dayHi-s.dayLo, s.day.Format("2006-01-02"))
	}
	s.cur = s.dayLo + n - 1
	return s.slice(s.cur)
}

// Next moves to the orbit after the current one, transparently crossing
// day boundaries by advancing the instrument cursor. Without a current
// orbit it behaves as Index(1). Exhausting all orbits across all bound
// segments returns ErrExhausted; the following call restarts.
func (s *Segmenter) Next(ctx context.Context) (*frame.Frame, error) {
	s.syncBounds()
	if !s.started || s.cur < 0 {
		return s.Index(ctx, 1)
	}

	nextIdx := s.cur + 1
	dayEnd := s.day.AddDate(0, 0, 1)
	if nextIdx < len(s.spans) && s.spans[nextIdx].Start.Before(dayEnd) {
		s.cur = nextIdx
		return s.slice(nextIdx)
	}

	var target time.Time
	if nextIdx < len(s.spans) {
		target = s.spans[nextIdx].Start
	}

	for {
		if err := s.inst.Next(ctx); err != nil {
			if errors.Is(err, instrument.ErrExhausted) {
				s.started = false
				s.cur = -1
				return nil, ErrExhausted
			}
			return nil, err
		}
		p, _ := s.inst.Current()
		if err := s.materialize(ctx, bounds.Day(p.Start)); err != nil {
			return nil, err
		}
		if s.dayHi == s.dayLo {
			continue
		}

		idx := -1
		if !target.IsZero() {
			idx = s.findStart(target)
		}
		if idx < 0 {
			idx = s.dayLo
		}
		s.cur = idx
		return s.slice(idx)
	}
}

// Prev moves to the orbit before the current one, re-anchoring to the
// previous day when needed. Moving before the first day of the bounds
// returns ErrExhausted. Without a current orbit it behaves as Index(1).
func (s *Segmenter) Prev(ctx context.Context) (*frame.Frame, error) {
	s.syncBounds()
	if !s.started || s.cur < 0 {
		return s.Index(ctx, 1)
	}

	prevIdx := s.cur - 1
	if prevIdx >= 0 && !s.spans[prevIdx].Start.Before(s.day) {
		s.cur = prevIdx
		return s.slice(prevIdx)
	}

	var target time.Time
	if prevIdx >= 0 {
		target = s.spans[prevIdx].Start
	}

	firstDay, ok := s.inst.FirstDay()
	if !ok {
		return nil, errors.New("orbit: bounds unresolved")
	}

	day := s.day
	for {
		day = day.AddDate(0, 0, -1)
		if day.Before(firstDay) {
			return nil, ErrExhausted
		}
		if err := s.materialize(ctx, day); err != nil {
			return nil, err
		}
		if s.dayHi == s.dayLo {
			continue
		}

		idx := -1
		if !target.IsZero() {
			idx = s.findStart(target)
			if idx < 0 {
				idx = s.findContaining(target)
			}
		}
		if idx < 0 {
			idx = s.dayHi - 1
		}
		s.cur = idx
		return s.slice(idx)
	}
}

// Package bounds normalizes and stores the user's requested iteration
// ranges and their step/width parameters. Validation happens at
// assignment time; iteration never sees an invalid segment.
package bounds

import (
	"errors"
	"fmt"
	"time"

	"github.com/perigee-space/perigee/pkg/catalog"
)

// Configuration errors, reported at assignment time per the fail-fast
// contract.
var (
	ErrEmptyCatalog = errors.New("bounds: catalog is empty, default bounds undefined")
	ErrInverted     = errors.New("bounds: start is after stop")
	ErrMixedKinds   = errors.New("bounds: date and file segments mixed in one spec")
	ErrBadStep      = errors.New("bounds: step must be at least 1")
	ErrBadWidth     = errors.New("bounds: width must be at least 1")
)

// Kind discriminates date segments from file segments.
type Kind int

const (
	ByDate Kind = iota
	ByFile
)

// String returns the kind's name.
func (k Kind) String() string {
	if k == ByFile {
		return "file"
	}
	return "date"
}

// Segment is one (start, stop) pair with its step and width. For date
// segments, StartDay/StopDay are UTC midnights and Step/Width count days;
// the stop day is included in iteration. For file segments, StartFile/
// StopFile are inclusive file identifiers and Step/Width count files.
type Segment struct {
	Kind Kind

	StartDay time.Time
	StopDay  time.Time

	StartFile string
	StopFile  string

	Step  int
	Width int
}

// DateRange builds a date segment spanning start through stop (both
// inclusive days), stepping step days and loading width days per step.
func DateRange(start, stop time.Time, step, width int) Segment {
	return Segment{
		Kind:     ByDate,
		StartDay: Day(start),
		StopDay:  Day(stop),
		Step:     step,
		Width:    width,
	}
}

// FileRange builds a file segment spanning startFile through stopFile
// inclusive, stepping step files and loading width files per step.
func FileRange(startFile, stopFile string, step, width int) Segment {
	return Segment{
		Kind:      ByFile,
		StartFile: startFile,
		StopFile:  stopFile,
		Step:      step,
		Width:     width,
	}
}

// Day truncates t to UTC midnight.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Spec is an ordered list of segments. Segments are evaluated in
// declaration order and never merged or sorted. An empty spec means
// "the full extent of the catalog".
type Spec struct {
	Segments []Segment
}

// Validate checks every segment and rejects mixed kinds. Inverted date
// pairs fail here; inverted file pairs fail when resolved against a
// catalog, since file order is a catalog property.
func (s Spec) Validate() error {
	var kind Kind
	for i, seg := range s.Segments {
		if i == 0 {
			kind = seg.Kind
		} else if seg.Kind != kind {
			return ErrMixedKinds
		}
		if seg.Step < 1 {
			return fmt.Errorf("%w: segment %d has step %d", ErrBadStep, i, seg.Step)
		}
		if seg.Width < 1 {
			return fmt.Errorf("%w: segment %d has width %d", ErrBadWidth, i, seg.Width)
		}
		if seg.Kind == ByDate && seg.StartDay.After(seg.StopDay) {
			return fmt.Errorf("%w: segment %d: %s > %s", ErrInverted, i,
				seg.StartDay.Format("2006-01-02"), seg.StopDay.Format("2006-01-02"))
		}
	}
	return nil
}

// Manager holds a validated spec and tracks which segment the cursor is
// currently walking.
type Manager struct {
	segments []Segment
	cur      int
}

// NewManager validates the spec and resolves an empty spec to the full
// extent of the catalog. An empty catalog with default bounds is a
// configuration error, never a silent zero-iteration.
func NewManager(spec Spec, cat *catalog.Catalog) (*Manager, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	segments := spec.Segments
	if len(segments) == 0 {
		first, ok := cat.First()
		if !ok {
			return nil, ErrEmptyCatalog
		}
		last, _ := cat.Last()
		segments = []Segment{DateRange(first.Time, last.Time, 1, 1)}
	}

	if segments[0].Kind == ByFile {
		// Inverted file pairs are detectable only against the catalog order.
		for i, seg := range segments {
			if _, err := cat.FilesBetween(seg.StartFile, seg.StopFile); err != nil {
				return nil, fmt.Errorf("bounds: segment %d: %w", i, err)
			}
		}
	}

	out := make([]Segment, len(segments))
	copy(out, segments)
	return &Manager{segments: out}, nil
}

// Kind returns the kind shared by every segment.
func (m *Manager) Kind() Kind { return m.segments[0].Kind }

// Segments returns a copy of the normalized segments.
func (m *Manager) Segments() []Segment {
	out := make([]Segment, len(m.segments))
	copy(out, m.segments)
	return out
}

// Current returns the segment the cursor is on.
func (m *Manager) Current() Segment { return m.segments[m.cur] }

// Advance moves to the next segment. It returns false once all segments
// are consumed.
func (m *Manager) Advance() bool {
	if m.cur+1 >= len(m.segments) {
		m.cur = len(m.segments)
		return false
	}
	m.cur++
	return true
}

// Exhausted reports whether every segment has been consumed.
func (m *Manager) Exhausted() bool { return m.cur >= len(m.segments) }

// Index returns the current segment position, len(segments) once
// exhausted.
func (m *Manager) Index() int { return m.cur }

// Seek restores the cursor to a previously observed Index.
func (m *Manager) Seek(idx int) {
	if idx < 0 {
		idx = 0
	}
	if idx > len(m.segments) {
		idx = len(m.segments)
	}
	m.cur = idx
}

// Reset returns the cursor to the first segment.
func (m *Manager) Reset() { m.cur = 0 }

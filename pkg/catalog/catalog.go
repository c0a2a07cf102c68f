// Package catalog implements the ordered, time-indexed registry of source
// files available for one platform/product combination. A catalog is
// immutable once built; a fresh discovery pass builds a new one.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrFileNotFound is returned when a file identifier is not in the catalog.
var ErrFileNotFound = errors.New("catalog: file not found")

// Entry associates a timestamp with a file identifier. Multiple entries
// may share a timestamp (multi-file-per-period instruments).
type Entry struct {
	Time time.Time
	File string
}

// Catalog is a sorted, immutable list of entries.
type Catalog struct {
	entries []Entry
}

// Build sorts the entries by timestamp and checks for corruption: the same
// file identifier listed twice, whether at the same or different
// timestamps. Entries sharing a timestamp with distinct files are valid.
func Build(entries []Entry) (*Catalog, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time.Before(sorted[j].Time)
	})

	seen := make(map[string]time.Time, len(sorted))
	for _, e := range sorted {
		if prev, ok := seen[e.File]; ok {
			return nil, fmt.Errorf("catalog: file %q listed at both %s and %s",
				e.File, prev.Format(time.RFC3339), e.Time.Format(time.RFC3339))
		}
		seen[e.File] = e.Time
	}
	return &Catalog{entries: sorted}, nil
}

// Len returns the number of entries.
func (c *Catalog) Len() int { return len(c.entries) }

// Empty reports whether the catalog holds no entries.
func (c *Catalog) Empty() bool { return len(c.entries) == 0 }

// All returns a copy of every entry in timestamp order.
func (c *Catalog) All() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// First returns the earliest entry. ok is false for an empty catalog.
func (c *Catalog) First() (Entry, bool) {
	if len(c.entries) == 0 {
		return Entry{}, false
	}
	return c.entries[0], true
}

// Last returns the latest entry. ok is false for an empty catalog.
func (c *Catalog) Last() (Entry, bool) {
	if len(c.entries) == 0 {
		return Entry{}, false
	}
	return c.entries[len(c.entries)-1], true
}

// EntriesBetween returns entries with start <= time < stop. The exclusive
// stop is the date-bounds contract; file bounds use FilesBetween, which is
// inclusive of its stop. No match yields an empty slice, never an error.
func (c *Catalog) EntriesBetween(start, stop time.Time) []Entry {
	lo := sort.Search(len(c.entries), func(i int) bool {
		return !c.entries[i].Time.Before(start)
	})
	hi := sort.Search(len(c.entries), func(i int) bool {
		return !c.entries[i].Time.Before(stop)
	})
	if hi < lo {
		hi = lo
	}
	out := make([]Entry, hi-lo)
	copy(out, c.entries[lo:hi])
	return out
}

// IndexOfFile returns the position of a file identifier in the catalog.
func (c *Catalog) IndexOfFile(file string) (int, error) {
	for i, e := range c.entries {
		if e.File == file {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrFileNotFound, file)
}

// FilesBetween returns entries from startFile through stopFile, both
// inclusive — the file-bounds contract, unlike the exclusive stop of
// EntriesBetween.
func (c *Catalog) FilesBetween(startFile, stopFile string) ([]Entry, error) {
	lo, err := c.IndexOfFile(startFile)
	if err != nil {
		return nil, err
	}
	hi, err := c.IndexOfFile(stopFile)
	if err != nil {
		return nil, err
	}
	if hi < lo {
		return nil, fmt.Errorf("catalog: file range %q..%q is inverted", startFile, stopFile)
	}
	out := make([]Entry, hi-lo+1)
	copy(out, c.entries[lo:hi+1])
	return out, nil
}

// Slice returns up to count entries starting at index lo, truncated to the
// available range. hi is capped at stop (inclusive index).
func (c *Catalog) Slice(lo, count, stop int) []Entry {
	if lo < 0 || lo >= len(c.entries) || count <= 0 {
		return nil
	}
	hi := lo + count
	if stop+1 < hi {
		hi = stop + 1
	}
	if hi > len(c.entries) {
		hi = len(c.entries)
	}
	if hi <= lo {
		return nil
	}
	out := make([]Entry, hi-lo)
	copy(out, c.entries[lo:hi])
	return out
}

// NearestAtOrBefore returns the latest entry with time <= t, supporting
// the padding look-back. ok is false when no entry is early enough.
func (c *Catalog) NearestAtOrBefore(t time.Time) (Entry, bool) {
	idx := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].Time.After(t)
	})
	if idx == 0 {
		return Entry{}, false
	}
	return c.entries[idx-1], true
}

// NearestAtOrAfter returns the earliest entry with time >= t, supporting
// the padding look-ahead. ok is false when no entry is late enough.
func (c *Catalog) NearestAtOrAfter(t time.Time) (Entry, bool) {
	idx := sort.Search(len(c.entries), func(i int) bool {
		return !c.entries[i].Time.Before(t)
	})
	if idx == len(c.entries) {
		return Entry{}, false
	}
	return c.entries[idx], true
}

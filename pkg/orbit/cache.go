package orbit

import (
	"time"

	"github.com/perigee-space/perigee/pkg/frame"
	"github.com/perigee-space/perigee/pkg/metrics"
)

// dayCacheSize covers one materialization: the anchor day and both
// neighbors.
const dayCacheSize = 3

// dayCache is a small LRU ring of orchestrated day frames keyed by UTC
// day. It avoids redundant adapter loads while the segmenter walks
// adjacent days, and is cleared whenever the instrument's bounds change.
type dayCache struct {
	entries [dayCacheSize]dayEntry
	seq     uint64
}

type dayEntry struct {
	day  time.Time
	f    *frame.Frame
	used uint64
}

// get returns the cached frame for a day. The cache keeps ownership.
func (c *dayCache) get(day time.Time) (*frame.Frame, bool) {
	for idx := range c.entries {
		e := &c.entries[idx]
		if e.f != nil && e.day.Equal(day) {
			c.seq++
			e.used = c.seq
			metrics.DayCacheHits.Inc()
			return e.f, true
		}
	}
	metrics.DayCacheMisses.Inc()
	return nil, false
}

// put stores a frame, taking ownership and evicting the least recently
// used entry.
func (c *dayCache) put(day time.Time, f *frame.Frame) {
	victim := 0
	for idx := range c.entries {
		if c.entries[idx].f == nil {
			victim = idx
			break
		}
		if c.entries[idx].used < c.entries[victim].used {
			victim = idx
		}
	}
	if c.entries[victim].f != nil {
		c.entries[victim].f.Release()
	}
	c.seq++
	c.entries[victim] = dayEntry{day: day, f: f, used: c.seq}
}

// clear releases every cached frame.
func (c *dayCache) clear() {
	for idx := range c.entries {
		if c.entries[idx].f != nil {
			c.entries[idx].f.Release()
			c.entries[idx] = dayEntry{}
		}
	}
}

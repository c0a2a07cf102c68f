package orbit

import (
	"fmt"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/perigee-space/perigee/pkg/frame"
)

// Kind selects the boundary-detection rule applied to the designated
// index column.
type Kind int

const (
	// GradientSign declares a boundary where the column's first
	// difference turns from non-negative to negative — local-time or
	// longitude-like indices that ramp up and wrap.
	GradientSign Kind = iota

	// SignChange declares a boundary wherever the column changes
	// algebraic sign — polar-crossing indices such as latitude.
	SignChange

	// ValueChange declares a boundary at any discontinuity in the
	// column — generic orbit-number style indices.
	ValueChange
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case GradientSign:
		return "gradient-sign"
	case SignChange:
		return "sign-change"
	case ValueChange:
		return "value-change"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind converts a rule name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "gradient-sign", "orbit", "lt", "longitude":
		return GradientSign, nil
	case "sign-change", "polar":
		return SignChange, nil
	case "value-change":
		return ValueChange, nil
	default:
		return GradientSign, fmt.Errorf("orbit: unknown boundary rule %q", s)
	}
}

// Settings configures a segmenter: the boundary column, the rule applied
// to it, and the nominal orbit period used to gate candidates.
type Settings struct {
	Index  string
	Kind   Kind
	Period time.Duration
}

// span is one orbit: a half-open [Start, Stop) time range.
type span struct {
	Start time.Time
	Stop  time.Time
}

func (s span) contains(t time.Time) bool {
	return !t.Before(s.Start) && t.Before(s.Stop)
}

// columnValues extracts the designated index column as float64 values.
func columnValues(f *frame.Frame, name string) ([]float64, error) {
	col, err := f.Column(name)
	if err != nil {
		return nil, err
	}
	out := make([]float64, col.Len())
	for i := range out {
		switch a := col.(type) {
		case *array.Float64:
			out[i] = a.Value(i)
		case *array.Float32:
			out[i] = float64(a.Value(i))
		case *array.Int64:
			out[i] = float64(a.Value(i))
		case *array.Int32:
			out[i] = float64(a.Value(i))
		default:
			return nil, fmt.Errorf("orbit: index column %q has unsupported type %s", name, col.DataType())
		}
	}
	return out, nil
}

// candidateAt applies the column rule at row i (i >= 1).
func candidateAt(k Kind, vals []float64, i int) bool {
	switch k {
	case GradientSign:
		if vals[i]-vals[i-1] >= 0 {
			return false
		}
		// Require the ramp to have been rising (or flat) beforehand so a
		// noisy monotonic descent does not spray boundaries.
		if i >= 2 && vals[i-1]-vals[i-2] < 0 {
			return false
		}
		return true
	case SignChange:
		return signOf(vals[i]) != signOf(vals[i-1])
	case ValueChange:
		return vals[i] != vals[i-1]
	default:
		return false
	}
}

func signOf(v float64) int {
	if v < 0 {
		return -1
	}
	return 1
}

// detect finds the orbit spans in f. Boundary candidates from the column
// rule are gated by the nominal period: candidates arriving sooner than
// period - period/4 after the previous boundary are rejected as
// inconsistent with the declared period, while sample gaps exceeding
// period/4 force a boundary regardless of the rule. When no boundary
// survives, the whole available range is one span — the degraded case,
// observable through the returned count.
func detect(f *frame.Frame, set Settings) ([]span, error) {
	n := f.NumRows()
	if n == 0 {
		return nil, nil
	}

	vals, err := columnValues(f, set.Index)
	if err != nil {
		return nil, err
	}

	tol := set.Period / 4
	starts := []time.Time{f.FirstTime()}
	var lastBoundary time.Time
	haveBoundary := false

	for i := 1; i < n; i++ {
		t := f.TimeAt(i)
		gap := t.Sub(f.TimeAt(i - 1))

		if gap > tol {
			// A data gap inconsistent with the period forces a boundary.
			starts = append(starts, t)
			lastBoundary = t
			haveBoundary = true
			continue
		}
		if !candidateAt(set.Kind, vals, i) {
			continue
		}
		if haveBoundary && t.Sub(lastBoundary) < set.Period-tol {
			continue
		}
		starts = append(starts, t)
		lastBoundary = t
		haveBoundary = true
	}

	spans := make([]span, len(starts))
	for i, s := range starts {
		stop := f.LastTime().Add(time.Microsecond)
		if i+1 < len(starts) {
			stop = starts[i+1]
		}
		spans[i] = span{Start: s, Stop: stop}
	}
	return spans, nil
}

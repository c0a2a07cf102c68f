// Package custom maintains the ordered registry of user transformation
// functions applied to every freshly loaded frame, before padding is
// trimmed away. The two calling conventions are a tagged variant so the
// orchestrator can dispatch deterministically:
//
//   - Mutating functions receive the live frame and a back-reference to
//     the owning handle; they may swap the frame's record and set
//     attributes on the handle that persist across loads.
//   - Additive functions receive the frame read-only and return a named
//     column plus optional metadata; the orchestrator inserts the column.
//
// Execution order is strictly the attachment order. The framework does
// not verify that functions are safe to reorder.
package custom

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/perigee-space/perigee/pkg/expr"
	"github.com/perigee-space/perigee/pkg/frame"
	"github.com/perigee-space/perigee/pkg/platform"
)

// Owner is the surface of the instrument handle a custom function may
// touch. Attributes set here persist across future loads.
type Owner interface {
	SetAttr(key string, value any)
	Attr(key string) (any, bool)
}

// Args carries the positional and keyword arguments declared at
// attachment time. Entries are fixed once attached.
type Args struct {
	Pos []any
	KW  map[string]any
}

// MutatingFunc modifies the frame in place (by replacing its record) and
// returns nothing on success.
type MutatingFunc func(o Owner, f *frame.Frame, args Args) error

// Result is the payload an additive function returns. Values becomes a
// column named Name; Meta keys are merged into the handle's metadata.
type Result struct {
	Name   string
	Values arrow.Array
	Meta   platform.Metadata
}

// AdditiveFunc computes a derived column from a read-only frame.
type AdditiveFunc func(o Owner, f *frame.Frame, args Args) (*Result, error)

// Kind tags the calling convention of a registered function.
type Kind int

const (
	KindMutating Kind = iota
	KindAdditive
)

// Func is one registry entry: a tagged callable with its declared
// arguments. Build one with Mutating or Additive.
type Func struct {
	name string
	kind Kind
	mut  MutatingFunc
	add  AdditiveFunc
	args Args
}

// Mutating wraps fn as a mutating registry entry.
func Mutating(name string, fn MutatingFunc, args Args) Func {
	return Func{name: name, kind: KindMutating, mut: fn, args: args}
}

// Additive wraps fn as an additive registry entry.
func Additive(name string, fn AdditiveFunc, args Args) Func {
	return Func{name: name, kind: KindAdditive, add: fn, args: args}
}

// Name returns the entry's display name.
func (f Func) Name() string { return f.name }

// Kind returns the entry's calling convention.
func (f Func) Kind() Kind { return f.kind }

// Pipeline is the ordered function list. The zero value is ready to use.
type Pipeline struct {
	funcs []Func
}

// Attach appends fn to the end of the pipeline.
func (p *Pipeline) Attach(fn Func) {
	p.funcs = append(p.funcs, fn)
}

// AttachAt inserts fn at the given position; positions past the end
// append. Position determines execution order and nothing else.
func (p *Pipeline) AttachAt(pos int, fn Func) {
	if pos < 0 || pos >= len(p.funcs) {
		p.funcs = append(p.funcs, fn)
		return
	}
	p.funcs = append(p.funcs[:pos], append([]Func{fn}, p.funcs[pos:]...)...)
}

// List returns the attached function names in execution order.
func (p *Pipeline) List() []string {
	names := make([]string, len(p.funcs))
	for i, f := range p.funcs {
		names[i] = f.name
	}
	return names
}

// Len returns the number of attached functions.
func (p *Pipeline) Len() int { return len(p.funcs) }

// Clear replaces the whole list with an empty one.
func (p *Pipeline) Clear() { p.funcs = nil }

// Run executes every function in order against f. Additive results are
// inserted into the frame under their name and their metadata is merged
// into meta. The frame passed in is consumed; on success the (possibly
// replaced) frame is returned. On error the partially transformed frame
// is released and the error reported with the failing function named —
// the remaining functions are neither run nor retried.
func (p *Pipeline) Run(o Owner, f *frame.Frame, meta platform.Metadata) (*frame.Frame, error) {
	cur := f
	for i, fn := range p.funcs {
		switch fn.kind {
		case KindMutating:
			if err := fn.mut(o, cur, fn.args); err != nil {
				cur.Release()
				return nil, fmt.Errorf("custom function %d (%s): %w", i, fn.name, err)
			}
		case KindAdditive:
			res, err := fn.add(o, cur, fn.args)
			if err != nil {
				cur.Release()
				return nil, fmt.Errorf("custom function %d (%s): %w", i, fn.name, err)
			}
			if res == nil || res.Values == nil {
				continue
			}
			next, err := cur.WithColumn(res.Name, res.Values)
			res.Values.Release()
			if err != nil {
				cur.Release()
				return nil, fmt.Errorf("custom function %d (%s): insert %q: %w", i, fn.name, res.Name, err)
			}
			cur.Release()
			cur = next
			if meta != nil {
				meta.Merge(res.Meta)
			}
		}
	}
	return cur, nil
}

// Expr returns an additive function that evaluates a SQL scalar
// expression over the frame's columns and stores the result as a column
// named name.
func Expr(name, exprSQL string) Func {
	return Additive("expr:"+name, func(_ Owner, f *frame.Frame, _ Args) (*Result, error) {
		ev := expr.NewEvaluator(memory.DefaultAllocator)
		arr, err := ev.Eval(context.Background(), f.Record(), exprSQL)
		if err != nil {
			return nil, err
		}
		return &Result{Name: name, Values: arr}, nil
	}, Args{})
}

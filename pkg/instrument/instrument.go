// Package instrument implements the instrument handle: the load
// orchestrator that turns a requested period into one assembled,
// cleaned, custom-processed, padding-trimmed frame, and the iteration
// cursor that walks the bounds one step at a time.
//
// A handle is single-threaded by contract. Every load, custom-function
// execution, and trim runs to completion on the caller's goroutine;
// handles must not be shared across goroutines. Two independent handles
// may run concurrently as long as they do not share a catalog that is
// being mutated.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/perigee-space/perigee/pkg/bounds"
	"github.com/perigee-space/perigee/pkg/catalog"
	"github.com/perigee-space/perigee/pkg/custom"
	"github.com/perigee-space/perigee/pkg/frame"
	"github.com/perigee-space/perigee/pkg/platform"
)

// ErrExhausted is returned by Next once all bound segments are consumed.
// A subsequent Next restarts iteration from the first segment.
var ErrExhausted = errors.New("instrument: iteration exhausted")

// ErrNotConfigured is returned when a handle is built without an adapter.
var ErrNotConfigured = errors.New("instrument: no platform adapter configured")

// Config describes one instrument handle.
type Config struct {
	// Platform is the adapter supplying list/load/clean. Required.
	Platform platform.Adapter

	// PlatformName labels logs and metrics.
	PlatformName string

	// Tag and InstID select the data product and instrument variant.
	Tag    string
	InstID string

	// DataPath is the storage root handed to the adapter.
	DataPath string

	// CleanLevel is applied after every load, before custom functions.
	CleanLevel platform.CleanLevel

	// Alloc defaults to memory.DefaultAllocator.
	Alloc memory.Allocator

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Padding is the spin-up/spin-down window loaded around each requested
// period and trimmed away before the frame is returned.
type Padding struct {
	Before time.Duration
	After  time.Duration
}

// Enabled reports whether any padding is configured.
func (p Padding) Enabled() bool { return p.Before > 0 || p.After > 0 }

// Instrument is one platform/product handle. It owns its loaded frame
// exclusively; each load replaces the previous frame wholesale.
type Instrument struct {
	cfg   Config
	log   *slog.Logger
	alloc memory.Allocator

	cat  *catalog.Catalog
	spec bounds.Spec
	bm   *bounds.Manager
	pipe custom.Pipeline
	pad  Padding

	attrs map[string]any
	meta  platform.Metadata
	data  *frame.Frame

	// lastSchema remembers the most recent non-empty load so that empty
	// periods can be represented as zero-row frames of the same shape.
	lastSchema *arrow.Schema
	epochCol   string

	// boundsEpoch increments whenever bounds change, so layered cursors
	// (the orbit segmenter) can drop stale day buffers.
	boundsEpoch uint64

	state  cursorState
	pos    int
	period Period
}

// New builds a handle and runs one file-discovery pass through the
// adapter. Bounds default to the catalog's full extent; the default is
// resolved lazily so an empty catalog only fails once iteration (or an
// explicit default) actually needs bounds.
func New(ctx context.Context, cfg Config) (*Instrument, error) {
	if cfg.Platform == nil {
		return nil, ErrNotConfigured
	}
	if cfg.Alloc == nil {
		cfg.Alloc = memory.DefaultAllocator
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	i := &Instrument{
		cfg:      cfg,
		alloc:    cfg.Alloc,
		attrs:    make(map[string]any),
		meta:     platform.Metadata{},
		epochCol: frame.DefaultEpochCol,
		log: cfg.Logger.With(
			"platform", cfg.PlatformName,
			"tag", cfg.Tag,
			"inst_id", cfg.InstID,
		),
	}
	if err := i.RefreshFiles(ctx); err != nil {
		return nil, err
	}
	return i, nil
}

// RefreshFiles re-runs the adapter's discovery pass and rebuilds the
// catalog. Existing bounds are re-resolved on the next iteration step.
func (i *Instrument) RefreshFiles(ctx context.Context) error {
	entries, err := i.cfg.Platform.List(i.adapterCtx(ctx))
	if err != nil {
		return fmt.Errorf("instrument: list files: %w", err)
	}
	cat, err := catalog.Build(entries)
	if err != nil {
		return err
	}
	i.cat = cat
	i.bm = nil
	i.log.Debug("file catalog rebuilt", "entries", cat.Len())
	return nil
}

// Catalog returns the current file catalog.
func (i *Instrument) Catalog() *catalog.Catalog { return i.cat }

// Alloc returns the handle's Arrow allocator.
func (i *Instrument) Alloc() memory.Allocator { return i.alloc }

// FirstDay resolves the first day of the configured bounds. ok is false
// while bounds cannot be resolved (empty catalog under default bounds).
func (i *Instrument) FirstDay() (time.Time, bool) {
	if err := i.ensureBounds(); err != nil {
		return time.Time{}, false
	}
	seg := i.bm.Segments()[0]
	if seg.Kind == bounds.ByFile {
		idx, err := i.cat.IndexOfFile(seg.StartFile)
		if err != nil {
			return time.Time{}, false
		}
		return bounds.Day(i.cat.All()[idx].Time), true
	}
	return seg.StartDay, true
}

func (i *Instrument) adapterCtx(ctx context.Context) *platform.Context {
	return &platform.Context{
		Ctx:      ctx,
		Logger:   i.log,
		Alloc:    i.alloc,
		DataPath: i.cfg.DataPath,
		Tag:      i.cfg.Tag,
		InstID:   i.cfg.InstID,
	}
}

// SetBounds validates and stores the iteration bounds. Validation
// happens here, at assignment time: inverted pairs, mixed kinds, and an
// empty catalog under default bounds all fail immediately. Setting
// bounds resets the cursor and invalidates layered day buffers.
func (i *Instrument) SetBounds(spec bounds.Spec) error {
	bm, err := bounds.NewManager(spec, i.cat)
	if err != nil {
		return err
	}
	i.spec = spec
	i.bm = bm
	i.boundsEpoch++
	i.resetCursor()
	return nil
}

// Bounds returns the bounds spec as declared (empty means full catalog).
func (i *Instrument) Bounds() bounds.Spec { return i.spec }

// BoundsEpoch identifies the current bounds configuration; it changes on
// every SetBounds.
func (i *Instrument) BoundsEpoch() uint64 { return i.boundsEpoch }

// ensureBounds resolves default bounds on first use.
func (i *Instrument) ensureBounds() error {
	if i.bm != nil {
		return nil
	}
	bm, err := bounds.NewManager(i.spec, i.cat)
	if err != nil {
		return err
	}
	i.bm = bm
	return nil
}

// SetPadding configures the spin-up/spin-down window.
func (i *Instrument) SetPadding(p Padding) error {
	if p.Before < 0 || p.After < 0 {
		return fmt.Errorf("instrument: negative padding %v/%v", p.Before, p.After)
	}
	i.pad = p
	return nil
}

// Padding returns the configured padding window.
func (i *Instrument) Padding() Padding { return i.pad }

// AttachCustom appends fn to the custom function pipeline.
func (i *Instrument) AttachCustom(fn custom.Func) { i.pipe.Attach(fn) }

// AttachCustomAt inserts fn at the given pipeline position.
func (i *Instrument) AttachCustomAt(pos int, fn custom.Func) { i.pipe.AttachAt(pos, fn) }

// ListCustom returns attached function names in execution order.
func (i *Instrument) ListCustom() []string { return i.pipe.List() }

// ClearCustom replaces the pipeline with an empty one.
func (i *Instrument) ClearCustom() { i.pipe.Clear() }

// SetAttr stores an attribute on the handle. Attributes set by mutating
// custom functions persist across loads.
func (i *Instrument) SetAttr(key string, value any) { i.attrs[key] = value }

// Attr retrieves an attribute set on the handle.
func (i *Instrument) Attr(key string) (any, bool) {
	v, ok := i.attrs[key]
	return v, ok
}

// Data returns the currently loaded frame, or nil before the first load.
// The handle owns the frame; it is replaced wholesale on the next load.
func (i *Instrument) Data() *frame.Frame { return i.data }

// Meta returns the metadata from the current load, merged with any
// additive custom-function metadata.
func (i *Instrument) Meta() platform.Metadata { return i.meta }

// Close releases the loaded frame.
func (i *Instrument) Close() {
	if i.data != nil {
		i.data.Release()
		i.data = nil
	}
}

func (i *Instrument) setData(f *frame.Frame, meta platform.Metadata) {
	if i.data != nil {
		i.data.Release()
	}
	i.data = f
	if meta == nil {
		meta = platform.Metadata{}
	}
	i.meta = meta
	if f != nil && !f.Empty() {
		i.lastSchema = f.Schema()
	}
}

// emptyFrame builds a zero-row frame shaped like the last non-empty load,
// falling back to an epoch-only schema before any data has been seen.
func (i *Instrument) emptyFrame() (*frame.Frame, error) {
	schema := i.lastSchema
	if schema == nil {
		schema = arrow.NewSchema([]arrow.Field{
			{Name: i.epochCol, Type: arrow.FixedWidthTypes.Timestamp_us},
		}, nil)
	}
	return frame.Empty(i.alloc, schema, i.epochCol)
}

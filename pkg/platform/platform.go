// Package platform defines the narrow contract a measurement platform
// adapter implements, plus the execution context handed to adapter calls.
// The loading core depends only on these interfaces; discovery, download,
// decoding, and cleaning rules live in the adapters.
package platform

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/perigee-space/perigee/pkg/catalog"
	"github.com/perigee-space/perigee/pkg/frame"
)

// CleanLevel selects how aggressively an adapter's Clean scrubs data.
type CleanLevel int

const (
	CleanNone CleanLevel = iota
	CleanMinimal
	CleanLight
	CleanStrict
)

// String returns the level's name.
func (l CleanLevel) String() string {
	switch l {
	case CleanNone:
		return "none"
	case CleanMinimal:
		return "minimal"
	case CleanLight:
		return "light"
	case CleanStrict:
		return "strict"
	default:
		return fmt.Sprintf("CleanLevel(%d)", int(l))
	}
}

// ParseCleanLevel converts a level name to a CleanLevel.
func ParseCleanLevel(s string) (CleanLevel, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return CleanNone, nil
	case "minimal":
		return CleanMinimal, nil
	case "light":
		return CleanLight, nil
	case "strict":
		return CleanStrict, nil
	default:
		return CleanNone, fmt.Errorf("platform: unknown clean level %q", s)
	}
}

// Metadata carries descriptive key/value pairs returned by a load and
// merged from additive custom functions.
type Metadata map[string]any

// Merge copies entries of other into m, overwriting existing keys.
func (m Metadata) Merge(other Metadata) {
	for k, v := range other {
		m[k] = v
	}
}

// Context is the execution environment passed to every adapter call.
type Context struct {
	// Ctx is the caller's context. Adapters performing blocking I/O
	// should honor its cancellation; the core itself never cancels.
	Ctx context.Context

	// Logger scoped to the owning instrument handle.
	Logger *slog.Logger

	// Alloc is the Arrow allocator adapters must use for frames they build.
	Alloc memory.Allocator

	// DataPath is the storage root for file-backed adapters.
	DataPath string

	// Tag and InstID select the data product and instrument variant.
	Tag    string
	InstID string
}

// NewContext creates an adapter context with defaults.
func NewContext(ctx context.Context, alloc memory.Allocator, dataPath, tag, instID string) *Context {
	return &Context{
		Ctx:      ctx,
		Logger:   slog.Default().With("tag", tag, "inst_id", instID),
		Alloc:    alloc,
		DataPath: dataPath,
		Tag:      tag,
		InstID:   instID,
	}
}

// Adapter is the capability a platform module provides to the core.
//
// List supplies the file catalog entries for the configured product.
// Load reads the given files into one time-indexed frame; it is invoked
// once per load step with the full file set for that step and must return
// a frame ordered by timestamp. An empty frame is a legitimate "no data"
// result, not an error.
// Clean scrubs a loaded frame in place (by replacing its record) per the
// requested level; it runs after Load and before custom functions.
type Adapter interface {
	List(ctx *Context) ([]catalog.Entry, error)
	Load(ctx *Context, files []string) (*frame.Frame, Metadata, error)
	Clean(ctx *Context, f *frame.Frame, level CleanLevel) error
}

// LoadError wraps an adapter failure with the file identifiers that
// triggered it. The core never retries; the error is surfaced unmodified.
type LoadError struct {
	Files []string
	Err   error
}

// Error formats the failure with the offending files attached.
func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", strings.Join(e.Files, ","), e.Err)
}

// Unwrap returns the adapter's original error.
func (e *LoadError) Unwrap() error { return e.Err }

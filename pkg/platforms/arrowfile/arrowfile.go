// Package arrowfile serves daily Arrow IPC stream files from a local
// directory. File names follow "<prefix>_YYYY-MM-DD.arrow"; the catalog
// timestamp is taken from the name, so listing never opens a file.
package arrowfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/perigee-space/perigee/pkg/catalog"
	"github.com/perigee-space/perigee/pkg/frame"
	"github.com/perigee-space/perigee/pkg/platform"
)

const ext = ".arrow"

// ErrNoFiles is returned by List when the data directory holds no
// matching files.
var ErrNoFiles = errors.New("arrowfile: no files found")

// Adapter reads daily Arrow IPC files named "<prefix>_YYYY-MM-DD.arrow"
// under the context's DataPath. Prefix defaults to the instrument tag,
// or "data" when the tag is empty.
type Adapter struct {
	// Prefix overrides the file name prefix.
	Prefix string

	// EpochCol overrides the designated timestamp column name.
	EpochCol string
}

var _ platform.Adapter = (*Adapter)(nil)

func (a *Adapter) prefix(pc *platform.Context) string {
	if a.Prefix != "" {
		return a.Prefix
	}
	if pc.Tag != "" {
		return pc.Tag
	}
	return "data"
}

// FileName returns the on-disk name for a UTC day under the prefix.
func FileName(prefix string, d time.Time) string {
	return prefix + "_" + d.UTC().Format("2006-01-02") + ext
}

// List scans DataPath for files matching the prefix and derives each
// entry's timestamp from the file name.
func (a *Adapter) List(pc *platform.Context) ([]catalog.Entry, error) {
	prefix := a.prefix(pc) + "_"
	names, err := filepath.Glob(filepath.Join(pc.DataPath, prefix+"*"+ext))
	if err != nil {
		return nil, fmt.Errorf("arrowfile: list %s: %w", pc.DataPath, err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w under %s", ErrNoFiles, pc.DataPath)
	}
	entries := make([]catalog.Entry, 0, len(names))
	for _, name := range names {
		base := filepath.Base(name)
		datePart := strings.TrimSuffix(strings.TrimPrefix(base, prefix), ext)
		t, err := time.ParseInLocation("2006-01-02", datePart, time.UTC)
		if err != nil {
			pc.Logger.Warn("skipping file with unparseable date", "file", base)
			continue
		}
		entries = append(entries, catalog.Entry{Time: t, File: base})
	}
	return entries, nil
}

// Load reads the given files and concatenates their batches into one
// frame ordered by timestamp.
func (a *Adapter) Load(pc *platform.Context, files []string) (*frame.Frame, platform.Metadata, error) {
	var parts []*frame.Frame
	defer func() {
		for _, p := range parts {
			p.Release()
		}
	}()

	for _, name := range files {
		f, err := a.readFile(pc, filepath.Join(pc.DataPath, name))
		if err != nil {
			return nil, nil, fmt.Errorf("arrowfile: read %s: %w", name, err)
		}
		parts = append(parts, f)
	}

	out, err := frame.Concat(pc.Alloc, parts...)
	if err != nil {
		return nil, nil, err
	}
	meta := platform.Metadata{
		"platform": "arrowfile",
		"files":    len(files),
	}
	return out, meta, nil
}

func (a *Adapter) readFile(pc *platform.Context, path string) (*frame.Frame, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	rdr, err := ipc.NewReader(fh, ipc.WithAllocator(pc.Alloc))
	if err != nil {
		return nil, err
	}
	defer rdr.Release()

	var recs []arrow.Record
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()
	for rdr.Next() {
		rec := rdr.Record()
		rec.Retain()
		recs = append(recs, rec)
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	parts := make([]*frame.Frame, 0, len(recs))
	defer func() {
		for _, p := range parts {
			p.Release()
		}
	}()
	for _, rec := range recs {
		rec.Retain()
		f, err := frame.New(rec, a.EpochCol)
		if err != nil {
			rec.Release()
			return nil, err
		}
		parts = append(parts, f)
	}
	return frame.Concat(pc.Alloc, parts...)
}

// Clean validates monotonic timestamps on strict cleaning. The files are
// produced by this project's own ingest path, so anything stronger is
// the writer's bug, not recoverable here.
func (a *Adapter) Clean(pc *platform.Context, f *frame.Frame, level platform.CleanLevel) error {
	if level < platform.CleanStrict || f.Empty() {
		return nil
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("arrowfile: %w", err)
	}
	return nil
}

// WriteDay writes one day's record to DataPath using the adapter's file
// naming. Intended for ingest pipelines and tests.
func WriteDay(alloc memory.Allocator, dir, prefix string, d time.Time, rec arrow.Record) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("arrowfile: %w", err)
	}
	name := FileName(prefix, d)
	path := filepath.Join(dir, name)
	fh, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("arrowfile: %w", err)
	}
	w := ipc.NewWriter(fh, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(alloc))
	if err := w.Write(rec); err != nil {
		w.Close()
		fh.Close()
		return "", fmt.Errorf("arrowfile: write %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		fh.Close()
		return "", fmt.Errorf("arrowfile: close %s: %w", name, err)
	}
	if err := fh.Close(); err != nil {
		return "", fmt.Errorf("arrowfile: close %s: %w", name, err)
	}
	return path, nil
}

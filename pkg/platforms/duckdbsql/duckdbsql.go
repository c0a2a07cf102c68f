//go:build duckdb

package duckdbsql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	goduckdb "github.com/marcboeker/go-duckdb"

	"github.com/perigee-space/perigee/pkg/catalog"
	"github.com/perigee-space/perigee/pkg/frame"
	"github.com/perigee-space/perigee/pkg/platform"
)

// Adapter serves daily Parquet files through an embedded DuckDB
// database. File names follow "<prefix>_YYYY-MM-DD.parquet"; loads run
// "SELECT ... FROM read_parquet(...)" and return Arrow records without
// a row-by-row copy.
type Adapter struct {
	// Prefix overrides the file name prefix; defaults to the tag.
	Prefix string

	// EpochCol overrides the designated timestamp column name.
	EpochCol string

	// MemoryLimit caps DuckDB memory. 0 means 256MB.
	MemoryLimit int64

	db   *sql.DB
	conn *sql.Conn
}

var _ platform.Adapter = (*Adapter)(nil)

const parquetExt = ".parquet"

func (a *Adapter) prefix(pc *platform.Context) string {
	if a.Prefix != "" {
		return a.Prefix
	}
	if pc.Tag != "" {
		return pc.Tag
	}
	return "data"
}

func (a *Adapter) epochCol() string {
	if a.EpochCol != "" {
		return a.EpochCol
	}
	return frame.DefaultEpochCol
}

// ensureConn opens the in-memory database on first use.
func (a *Adapter) ensureConn(ctx context.Context) error {
	if a.conn != nil {
		return nil
	}
	connector, err := goduckdb.NewConnector("", nil)
	if err != nil {
		return fmt.Errorf("duckdbsql: create connector: %w", err)
	}
	db := sql.OpenDB(connector)
	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return fmt.Errorf("duckdbsql: get connection: %w", err)
	}
	limit := a.MemoryLimit
	if limit == 0 {
		limit = 256 * 1024 * 1024
	}
	limitMB := limit / (1024 * 1024)
	if limitMB < 1 {
		limitMB = 1
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET memory_limit='%dMB'", limitMB)); err != nil {
		conn.Close()
		db.Close()
		return fmt.Errorf("duckdbsql: set memory_limit: %w", err)
	}
	a.db, a.conn = db, conn
	return nil
}

// Close tears down the embedded database.
func (a *Adapter) Close() error {
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	if a.db != nil {
		err := a.db.Close()
		a.db = nil
		return err
	}
	return nil
}

// List scans DataPath for Parquet files and derives each entry's
// timestamp from the file name.
func (a *Adapter) List(pc *platform.Context) ([]catalog.Entry, error) {
	prefix := a.prefix(pc) + "_"
	names, err := filepath.Glob(filepath.Join(pc.DataPath, prefix+"*"+parquetExt))
	if err != nil {
		return nil, fmt.Errorf("duckdbsql: list %s: %w", pc.DataPath, err)
	}
	entries := make([]catalog.Entry, 0, len(names))
	for _, name := range names {
		base := filepath.Base(name)
		datePart := strings.TrimSuffix(strings.TrimPrefix(base, prefix), parquetExt)
		t, err := time.ParseInLocation("2006-01-02", datePart, time.UTC)
		if err != nil {
			pc.Logger.Warn("skipping file with unparseable date", "file", base)
			continue
		}
		entries = append(entries, catalog.Entry{Time: t, File: base})
	}
	return entries, nil
}

// Load queries the given files, dropping null epochs and ordering by
// the epoch column.
func (a *Adapter) Load(pc *platform.Context, files []string) (*frame.Frame, platform.Metadata, error) {
	if err := a.ensureConn(pc.Ctx); err != nil {
		return nil, nil, err
	}

	paths := make([]string, len(files))
	for i, name := range files {
		paths[i] = "'" + filepath.ToSlash(filepath.Join(pc.DataPath, name)) + "'"
	}
	epoch := quoteIdent(a.epochCol())
	query := fmt.Sprintf("SELECT * FROM read_parquet([%s]) WHERE %s IS NOT NULL ORDER BY %s",
		strings.Join(paths, ", "), epoch, epoch)

	rec, err := a.query(pc.Ctx, pc.Alloc, query)
	if err != nil {
		return nil, nil, err
	}
	f, err := frame.New(rec, a.epochCol())
	if err != nil {
		rec.Release()
		return nil, nil, err
	}
	meta := platform.Metadata{
		"platform": "duckdbsql",
		"files":    len(files),
	}
	return f, meta, nil
}

// Clean validates the frame on strict cleaning; the load query already
// drops null epochs and orders rows.
func (a *Adapter) Clean(_ *platform.Context, f *frame.Frame, level platform.CleanLevel) error {
	if level < platform.CleanStrict || f.Empty() {
		return nil
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("duckdbsql: %w", err)
	}
	return nil
}

// query runs SQL through DuckDB's Arrow interface, concatenating result
// batches with Arrow compute rather than copying values.
func (a *Adapter) query(ctx context.Context, alloc memory.Allocator, querySQL string) (arrow.Record, error) {
	var result arrow.Record
	err := a.conn.Raw(func(driverConn any) error {
		arrowConn, err := goduckdb.NewArrowFromConn(driverConn.(driver.Conn))
		if err != nil {
			return fmt.Errorf("duckdbsql: arrow from conn: %w", err)
		}
		rdr, err := arrowConn.QueryContext(ctx, querySQL)
		if err != nil {
			return fmt.Errorf("duckdbsql: query: %w", err)
		}
		defer rdr.Release()

		var parts []*frame.Frame
		defer func() {
			for _, p := range parts {
				p.Release()
			}
		}()
		for rdr.Next() {
			rec := rdr.Record()
			rec.Retain()
			f, err := frame.New(rec, a.epochCol())
			if err != nil {
				rec.Release()
				return err
			}
			parts = append(parts, f)
		}
		if rdr.Err() != nil {
			return fmt.Errorf("duckdbsql: read results: %w", rdr.Err())
		}
		if len(parts) == 0 {
			result = array.NewRecord(rdr.Schema(), nil, 0)
			return nil
		}

		out, err := frame.Concat(alloc, parts...)
		if err != nil {
			return err
		}
		rec := out.Record()
		rec.Retain()
		out.Release()
		result = rec
		return nil
	})
	return result, err
}

func quoteIdent(name string) string {
	if strings.ContainsAny(name, "\"'; ") {
		name = strings.ReplaceAll(name, "\"", "")
	}
	return "\"" + name + "\""
}

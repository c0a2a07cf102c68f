//go:build !duckdb

// Package duckdbsql serves daily Parquet files through an embedded
// DuckDB database. When compiled without the "duckdb" build tag, all
// methods return errors directing users to rebuild with -tags duckdb.
package duckdbsql

import (
	"errors"

	"github.com/perigee-space/perigee/pkg/catalog"
	"github.com/perigee-space/perigee/pkg/frame"
	"github.com/perigee-space/perigee/pkg/platform"
)

// ErrDuckDBNotAvailable is returned when the adapter is used without
// the duckdb build tag.
var ErrDuckDBNotAvailable = errors.New("duckdbsql platform requires building with -tags duckdb")

// Adapter is a stub; see the duckdb build tag for the real one.
type Adapter struct {
	Prefix      string
	EpochCol    string
	MemoryLimit int64
}

var _ platform.Adapter = (*Adapter)(nil)

// Close is a no-op stub.
func (a *Adapter) Close() error { return nil }

// List is a stub.
func (a *Adapter) List(_ *platform.Context) ([]catalog.Entry, error) {
	return nil, ErrDuckDBNotAvailable
}

// Load is a stub.
func (a *Adapter) Load(_ *platform.Context, _ []string) (*frame.Frame, platform.Metadata, error) {
	return nil, nil, ErrDuckDBNotAvailable
}

// Clean is a stub.
func (a *Adapter) Clean(_ *platform.Context, _ *frame.Frame, _ platform.CleanLevel) error {
	return ErrDuckDBNotAvailable
}

package lake

import (
	"context"
	"errors"
	"time"
)

// ErrCommitConflict is returned by a Backend when the table version moved
// between Load and Commit. Store retries it; callers never see it.
var ErrCommitConflict = errors.New("commit conflict")

// Snapshot is a consistent view of one table. Version 0 means the table does not exist.
type Snapshot struct {
	Table   string
	Version int64
	Schema  Schema
	Rows    []Record
}

// TableInfo describes a table without its rows.
type TableInfo struct {
	Name      string
	Version   int64
	Columns   int
	Rows      int
	UpdatedAt time.Time
}

// Backend persists whole tables with versioned, atomic commits.
type Backend interface {
	// Load returns the latest committed snapshot, or common.ErrStoreNotFound.
	Load(ctx context.Context, table string) (Snapshot, error)
	// Commit replaces the table's schema and rows if its current version equals
	// expected (0 = table must not exist yet) and returns the new version.
	// A version mismatch returns ErrCommitConflict and changes nothing.
	Commit(ctx context.Context, table string, expected int64, schema Schema, rows []Record) (int64, error)
	List(ctx context.Context) ([]TableInfo, error)
	Ping(ctx context.Context) error
	Close() error
}

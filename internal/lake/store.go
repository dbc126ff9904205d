package lake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/joseph-ayodele/underwriting-pipeline/internal/common"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/metrics"
)

// Mode selects how Write combines incoming rows with the table.
type Mode string

const (
	ModeOverwrite Mode = "overwrite"
	ModeAppend    Mode = "append"
	ModeMerge     Mode = "merge"
)

// WriteOptions configures one Write. Keys is the equality predicate for
// ModeMerge; with ModeOverwrite it dedups the incoming rows. Untyped names
// incoming columns that hold only fill values: they take the table's type.
type WriteOptions struct {
	Mode    Mode
	Keys    []string
	Untyped []string
}

// WriteResult summarises a committed write.
type WriteResult struct {
	Table    string
	Mode     Mode // effective mode; merge into a missing table reports overwrite
	Version  int64
	Incoming int
	Written  int
	Skipped  int
	Attempts int
}

// UpdateFunc computes a table's full new contents from its current snapshot.
// The snapshot has Version 0 and no rows when the table does not exist.
type UpdateFunc func(snap Snapshot) (Schema, []Record, error)

// Store runs writes against a Backend with optimistic concurrency: read,
// compute, commit against the read version, and recompute on conflict.
type Store struct {
	backend      Backend
	logger       *slog.Logger
	maxRetries   int
	initialDelay time.Duration
	maxDelay     time.Duration
}

type Option func(*Store)

// WithMaxRetries bounds the number of recomputations after a lost commit race.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

func WithRetryDelays(initial, max time.Duration) Option {
	return func(s *Store) {
		if initial > 0 {
			s.initialDelay = initial
		}
		if max > 0 {
			s.maxDelay = max
		}
	}
}

func NewStore(backend Backend, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		backend:      backend,
		logger:       logger,
		maxRetries:   5,
		initialDelay: 50 * time.Millisecond,
		maxDelay:     2 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Backend exposes the underlying backend for health and listing tools.
func (s *Store) Backend() Backend { return s.backend }

func (s *Store) Close() error { return s.backend.Close() }

// Read returns the latest snapshot of table, or common.ErrStoreNotFound.
func (s *Store) Read(ctx context.Context, table string) (Snapshot, error) {
	return s.backend.Load(ctx, table)
}

// Tables lists the tables in the lake.
func (s *Store) Tables(ctx context.Context) ([]TableInfo, error) {
	return s.backend.List(ctx)
}

// Write commits rows to table in the requested mode. Merge into a missing
// table degenerates to overwrite. Rows are conformed to the resulting schema.
func (s *Store) Write(ctx context.Context, table string, schema Schema, rows []Record, opts WriteOptions) (WriteResult, error) {
	if err := schema.validate(); err != nil {
		return WriteResult{}, err
	}
	switch opts.Mode {
	case ModeOverwrite, ModeAppend:
	case ModeMerge:
		if len(opts.Keys) == 0 {
			return WriteResult{}, fmt.Errorf("%w: merge into %s without key columns", common.ErrMalformedSchema, table)
		}
	default:
		return WriteResult{}, fmt.Errorf("unknown write mode %q", opts.Mode)
	}

	res := WriteResult{Table: table, Incoming: len(rows)}
	attempts, version, err := s.commit(ctx, table, opts.Mode, func(snap Snapshot) (Schema, []Record, error) {
		p, err := plan(snap, schema, rows, opts)
		if err != nil {
			return Schema{}, nil, err
		}
		res.Mode, res.Written, res.Skipped = p.mode, p.written, p.skipped
		return p.schema, p.rows, nil
	})
	res.Attempts = attempts
	if err != nil {
		return res, err
	}
	res.Version = version
	s.logger.Info("lake.write.ok",
		"table", table,
		"mode", res.Mode,
		"version", res.Version,
		"incoming", res.Incoming,
		"written", res.Written,
		"skipped", res.Skipped,
		"attempts", res.Attempts,
	)
	return res, nil
}

// Update is a read-modify-write that commits fn's result as a full overwrite.
// fn may run more than once and must not have side effects.
func (s *Store) Update(ctx context.Context, table string, fn UpdateFunc) (int64, error) {
	_, version, err := s.commit(ctx, table, ModeOverwrite, func(snap Snapshot) (Schema, []Record, error) {
		schema, rows, err := fn(snap)
		if err != nil {
			return Schema{}, nil, err
		}
		if err := schema.validate(); err != nil {
			return Schema{}, nil, err
		}
		conformed := make([]Record, len(rows))
		for i, r := range rows {
			c, err := schema.Conform(r)
			if err != nil {
				return Schema{}, nil, fmt.Errorf("row %d: %w", i, err)
			}
			conformed[i] = c
		}
		return schema, conformed, nil
	})
	return version, err
}

func (s *Store) commit(ctx context.Context, table string, mode Mode, compute UpdateFunc) (int, int64, error) {
	var (
		attempts int
		version  int64
	)
	op := func() error {
		attempts++
		snap, err := s.backend.Load(ctx, table)
		switch {
		case errors.Is(err, common.ErrStoreNotFound):
			snap = Snapshot{Table: table}
		case err != nil:
			return backoff.Permanent(fmt.Errorf("load %s: %w", table, err))
		}

		schema, rows, err := compute(snap)
		if err != nil {
			return backoff.Permanent(err)
		}

		v, err := s.backend.Commit(ctx, table, snap.Version, schema, rows)
		if err != nil {
			if errors.Is(err, ErrCommitConflict) {
				metrics.LakeCommitConflicts.WithLabelValues(table).Inc()
				return err
			}
			return backoff.Permanent(fmt.Errorf("commit %s: %w", table, err))
		}
		version = v
		return nil
	}

	eb := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(s.initialDelay),
		backoff.WithMaxInterval(s.maxDelay),
		backoff.WithMaxElapsedTime(0),
	)
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.maxRetries)), ctx)
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("lake.commit.conflict",
			"table", table,
			"attempt", attempts,
			"retry_in_ms", wait.Milliseconds(),
			"error", err,
		)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if errors.Is(err, ErrCommitConflict) {
			s.logger.Error("lake.commit.exhausted", "table", table, "attempts", attempts)
			return attempts, 0, common.NewAppError(common.CodeStore,
				fmt.Sprintf("%s still conflicting after %d attempts", table, attempts),
				common.ErrConcurrentModification)
		}
		return attempts, 0, err
	}
	metrics.LakeCommits.WithLabelValues(table, string(mode)).Inc()
	return attempts, version, nil
}

type writePlan struct {
	mode    Mode
	schema  Schema
	rows    []Record
	written int
	skipped int
}

func plan(snap Snapshot, schema Schema, incoming []Record, opts WriteOptions) (writePlan, error) {
	exists := snap.Version > 0
	mode := opts.Mode
	if mode == ModeMerge && !exists {
		mode = ModeOverwrite
	}

	target := schema
	existing := snap.Rows
	if exists && mode != ModeOverwrite {
		var tableSchema Schema
		schema, incoming = adoptTableTypes(snap.Schema, schema, incoming, opts.Untyped)
		tableSchema, existing = promoteBlankColumns(snap.Schema, existing, schema)
		u, err := tableSchema.Union(schema)
		if err != nil {
			return writePlan{}, err
		}
		target = u
	}

	var out []Record
	if mode != ModeOverwrite {
		out = make([]Record, 0, len(existing)+len(incoming))
		for i, r := range existing {
			c, err := target.Conform(r)
			if err != nil {
				return writePlan{}, fmt.Errorf("existing row %d: %w", i, err)
			}
			out = append(out, c)
		}
	}

	p := writePlan{mode: mode, schema: target}

	var seen map[string]struct{}
	if len(opts.Keys) > 0 && (mode == ModeMerge || len(incoming) > 0) {
		for _, k := range opts.Keys {
			if _, ok := target.Lookup(k); !ok {
				return writePlan{}, fmt.Errorf("%w: merge key %q not in schema", common.ErrMalformedSchema, k)
			}
		}
		seen = make(map[string]struct{}, len(out)+len(incoming))
		for _, r := range out {
			seen[keyOf(r, opts.Keys)] = struct{}{}
		}
	}

	for i, r := range incoming {
		c, err := target.Conform(r)
		if err != nil {
			return writePlan{}, fmt.Errorf("incoming row %d: %w", i, err)
		}
		if seen != nil {
			k := keyOf(c, opts.Keys)
			if _, dup := seen[k]; dup {
				p.skipped++
				continue
			}
			seen[k] = struct{}{}
		}
		out = append(out, c)
		p.written++
	}
	p.rows = out
	return p, nil
}

// keyOf renders the key tuple of r; nil and "" stay distinct.
func keyOf(r Record, keys []string) string {
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		fmt.Fprintf(&b, "%T:%v", r[k], r[k])
	}
	return b.String()
}

// adoptTableTypes retypes untyped incoming columns to the table's type and
// sets their values to that type's fill value. rows is not modified.
func adoptTableTypes(table, schema Schema, rows []Record, untyped []string) (Schema, []Record) {
	var retyped []Column
	out := NewSchema(schema.Columns...)
	for i, c := range out.Columns {
		if !containsName(untyped, c.Name) {
			continue
		}
		tc, ok := table.Lookup(c.Name)
		if !ok || tc.Type == c.Type {
			continue
		}
		out.Columns[i].Type = tc.Type
		retyped = append(retyped, tc)
	}
	if len(retyped) == 0 {
		return schema, rows
	}
	return out, fill(rows, retyped)
}

// promoteBlankColumns retypes table text columns that hold only blanks to
// the incoming type, filling the existing rows.
func promoteBlankColumns(table Schema, rows []Record, incoming Schema) (Schema, []Record) {
	var promoted []Column
	out := NewSchema(table.Columns...)
	for i, c := range out.Columns {
		ic, ok := incoming.Lookup(c.Name)
		if !ok || c.Type != Text || ic.Type == Text || !allBlank(rows, c.Name) {
			continue
		}
		out.Columns[i].Type = ic.Type
		promoted = append(promoted, out.Columns[i])
	}
	if len(promoted) == 0 {
		return table, rows
	}
	return out, fill(rows, promoted)
}

func fill(rows []Record, cols []Column) []Record {
	out := cloneRows(rows)
	for _, r := range out {
		for _, c := range cols {
			r[c.Name] = fillValue(c.Type)
		}
	}
	return out
}

// fillValue is what a null becomes in a cleaned column of type t.
func fillValue(t ColumnType) any {
	switch t {
	case Numeric:
		return 0.0
	case Text:
		return ""
	}
	return nil
}

func allBlank(rows []Record, col string) bool {
	for _, r := range rows {
		if v := r[col]; v != nil && v != "" {
			return false
		}
	}
	return true
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

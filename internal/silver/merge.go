package silver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/joseph-ayodele/underwriting-pipeline/constants"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/clean"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/common"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/lake"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/metrics"
)

// NaturalKey identifies one transaction row in the canonical table.
var NaturalKey = []string{clean.ColEmail, clean.ColRequestID, clean.ColDate, clean.ColDescription}

// MergeResult reports what a merge did to the silver table.
type MergeResult struct {
	Mode     constants.WriteMode
	Incoming int
	Inserted int
	Skipped  int
	Version  int64
	// Rebuilt is true when the table was replaced, either on request or
	// because it did not exist yet.
	Rebuilt bool
}

// Merger upserts cleaned batches into the silver table. It never updates an
// existing row.
type Merger struct {
	store  *lake.Store
	table  string
	keys   []string
	logger *slog.Logger
}

// NewMerger builds a merger over table. extraKeys widen the natural key.
func NewMerger(store *lake.Store, table string, extraKeys []string, logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	keys := append([]string(nil), NaturalKey...)
	for _, k := range extraKeys {
		k = clean.NormalizeColumn(k)
		if k != "" && !contains(keys, k) {
			keys = append(keys, k)
		}
	}
	return &Merger{store: store, table: table, keys: keys, logger: logger}
}

// Keys returns the key columns used for dedup.
func (m *Merger) Keys() []string { return append([]string(nil), m.keys...) }

// Merge writes a cleaned batch. In merge mode only rows whose key is not yet
// in the table are inserted; in overwrite mode the table is rebuilt from the
// batch. Either way at most one row per key is kept.
func (m *Merger) Merge(ctx context.Context, batch clean.Batch, mode constants.WriteMode) (MergeResult, error) {
	opts := lake.WriteOptions{Mode: lake.ModeMerge, Keys: m.keys, Untyped: batch.Untyped}
	switch mode {
	case constants.WriteModeMerge:
	case constants.WriteModeOverwrite:
		// a rebuild still keeps the first row per key
		opts = lake.WriteOptions{Mode: lake.ModeOverwrite, Keys: m.keys}
	default:
		return MergeResult{}, fmt.Errorf("%w: unknown write mode %q", common.ErrValidation, mode)
	}
	for _, k := range m.keys {
		if _, ok := batch.Schema.Lookup(k); !ok && len(batch.Rows) > 0 {
			return MergeResult{}, fmt.Errorf("%w: key column %q missing from batch", common.ErrMalformedSchema, k)
		}
	}
	m.warnKeyCollisions(batch)

	res, err := m.store.Write(ctx, m.table, batch.Schema, batch.Rows, opts)
	if err != nil {
		m.logger.Error("silver.merge.failed", "table", m.table, "mode", mode, "error", err)
		return MergeResult{}, fmt.Errorf("merge into silver: %w", err)
	}

	out := MergeResult{
		Mode:     mode,
		Incoming: res.Incoming,
		Inserted: res.Written,
		Skipped:  res.Skipped,
		Version:  res.Version,
		Rebuilt:  res.Mode == lake.ModeOverwrite,
	}
	metrics.SilverRows.WithLabelValues("inserted").Add(float64(out.Inserted))
	metrics.SilverRows.WithLabelValues("skipped").Add(float64(out.Skipped))
	m.logger.Info("silver.merge.ok",
		"table", m.table,
		"mode", mode,
		"rebuilt", out.Rebuilt,
		"incoming", out.Incoming,
		"inserted", out.Inserted,
		"skipped", out.Skipped,
		"version", out.Version,
	)
	return out, nil
}

// warnKeyCollisions logs rows that share a key but differ elsewhere; the
// merge keeps only the first of them.
func (m *Merger) warnKeyCollisions(batch clean.Batch) {
	first := map[string]lake.Record{}
	collisions := 0
	for _, r := range batch.Rows {
		k := fmt.Sprint(project(r, m.keys))
		if prev, ok := first[k]; ok {
			if fmt.Sprint(project(prev, batch.Schema.Names())) != fmt.Sprint(project(r, batch.Schema.Names())) {
				collisions++
			}
			continue
		}
		first[k] = r
	}
	if collisions > 0 {
		m.logger.Warn("silver.merge.key_collision",
			"table", m.table,
			"rows_dropped", collisions,
			"keys", m.keys,
		)
	}
}

// Rows returns the silver rows of one application.
func (m *Merger) Rows(ctx context.Context, email, requestID string) ([]lake.Record, error) {
	snap, err := m.store.Read(ctx, m.table)
	if errors.Is(err, common.ErrStoreNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read silver: %w", err)
	}
	var out []lake.Record
	for _, r := range snap.Rows {
		if r[clean.ColEmail] == email && r[clean.ColRequestID] == requestID {
			out = append(out, r)
		}
	}
	return out, nil
}

func project(r lake.Record, cols []string) []any {
	out := make([]any, len(cols))
	for i, c := range cols {
		out[i] = r[c]
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

package lake

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/underwriting-pipeline/internal/common"
)

//go:embed schema.sql
var schemaSQL string

const (
	catalogTable = "lake_tables"
	rowsTable    = "lake_rows"
	insertChunk  = 500
)

// SQLBackend stores tables as JSON rows in a relational database through the
// ent SQL driver. Works for SQLite and Postgres.
type SQLBackend struct {
	drv     *entsql.Driver
	logger  *slog.Logger
	readTx  *entsql.TxOptions
	closeFn func()
}

// NewSQLBackend wraps an ent driver and applies the lake DDL.
func NewSQLBackend(ctx context.Context, drv *entsql.Driver, logger *slog.Logger) (*SQLBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &SQLBackend{drv: drv, logger: logger}
	if drv.Dialect() == dialect.Postgres {
		b.readTx = &entsql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	if err := b.migrate(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *SQLBackend) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if err := b.drv.Exec(ctx, stmt, []any{}, nil); err != nil {
			return fmt.Errorf("apply lake schema: %w", err)
		}
	}
	b.logger.Debug("lake.sql.migrated", "dialect", b.drv.Dialect())
	return nil
}

func (b *SQLBackend) builder() *entsql.DialectBuilder {
	return entsql.Dialect(b.drv.Dialect())
}

func (b *SQLBackend) Load(ctx context.Context, table string) (snap Snapshot, err error) {
	tx, err := b.drv.BeginTx(ctx, b.readTx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("begin read: %w", err)
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && err == nil && !errors.Is(rerr, sql.ErrTxDone) {
			b.logger.Warn("lake.sql.read_rollback_error", "table", table, "error", rerr)
		}
	}()

	version, schema, err := b.loadCatalog(ctx, tx, table)
	if err != nil {
		return Snapshot{}, err
	}

	query, args := b.builder().
		Select("payload").
		From(b.builder().Table(rowsTable)).
		Where(entsql.EQ("table_name", table)).
		OrderBy("ordinal").
		Query()
	rows := &entsql.Rows{}
	if err := tx.Query(ctx, query, args, rows); err != nil {
		return Snapshot{}, fmt.Errorf("query rows of %s: %w", table, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return Snapshot{}, fmt.Errorf("scan row of %s: %w", table, err)
		}
		rec, err := decodeRecord(schema, payload)
		if err != nil {
			return Snapshot{}, fmt.Errorf("decode row of %s: %w", table, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterate rows of %s: %w", table, err)
	}
	return Snapshot{Table: table, Version: version, Schema: schema, Rows: out}, nil
}

func (b *SQLBackend) loadCatalog(ctx context.Context, q dialect.ExecQuerier, table string) (int64, Schema, error) {
	query, args := b.builder().
		Select("version", "schema_json").
		From(b.builder().Table(catalogTable)).
		Where(entsql.EQ("name", table)).
		Query()
	rows := &entsql.Rows{}
	if err := q.Query(ctx, query, args, rows); err != nil {
		return 0, Schema{}, fmt.Errorf("query catalog for %s: %w", table, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, Schema{}, fmt.Errorf("query catalog for %s: %w", table, err)
		}
		return 0, Schema{}, fmt.Errorf("%w: %s", common.ErrStoreNotFound, table)
	}
	var (
		version int64
		raw     string
		schema  Schema
	)
	if err := rows.Scan(&version, &raw); err != nil {
		return 0, Schema{}, fmt.Errorf("scan catalog for %s: %w", table, err)
	}
	if err := json.Unmarshal([]byte(raw), &schema); err != nil {
		return 0, Schema{}, fmt.Errorf("%w: stored schema of %s: %v", common.ErrMalformedSchema, table, err)
	}
	return version, schema, nil
}

func (b *SQLBackend) Commit(ctx context.Context, table string, expected int64, schema Schema, rows []Record) (version int64, err error) {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return 0, fmt.Errorf("encode schema: %w", err)
	}
	payloads := make([]string, len(rows))
	for i, r := range rows {
		bs, err := json.Marshal(r)
		if err != nil {
			return 0, fmt.Errorf("%w: encode row %d: %v", common.ErrMalformedSchema, i, err)
		}
		payloads[i] = string(bs)
	}

	tx, err := b.drv.Tx(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin commit: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rerr := tx.Rollback(); rerr != nil {
			b.logger.Warn("lake.sql.rollback_error", "table", table, "error", rerr)
		}
	}()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	next := expected + 1

	var query string
	var args []any
	if expected == 0 {
		query, args = b.builder().
			Insert(catalogTable).
			Columns("name", "version", "schema_json", "row_count", "updated_at").
			Values(table, next, string(schemaJSON), len(rows), now).
			OnConflict(entsql.ConflictColumns("name"), entsql.DoNothing()).
			Query()
	} else {
		query, args = b.builder().
			Update(catalogTable).
			Set("version", next).
			Set("schema_json", string(schemaJSON)).
			Set("row_count", len(rows)).
			Set("updated_at", now).
			Where(entsql.And(entsql.EQ("name", table), entsql.EQ("version", expected))).
			Query()
	}
	var res entsql.Result
	if err := tx.Exec(ctx, query, args, &res); err != nil {
		return 0, fmt.Errorf("bump version of %s: %w", table, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("bump version of %s: %w", table, err)
	}
	if affected == 0 {
		return 0, fmt.Errorf("%w: %s moved past version %d", ErrCommitConflict, table, expected)
	}

	query, args = b.builder().Delete(rowsTable).Where(entsql.EQ("table_name", table)).Query()
	if err := tx.Exec(ctx, query, args, nil); err != nil {
		return 0, fmt.Errorf("clear rows of %s: %w", table, err)
	}

	for start := 0; start < len(payloads); start += insertChunk {
		end := min(start+insertChunk, len(payloads))
		ins := b.builder().Insert(rowsTable).Columns("table_name", "ordinal", "payload")
		for i := start; i < end; i++ {
			ins.Values(table, i, payloads[i])
		}
		query, args = ins.Query()
		if err := tx.Exec(ctx, query, args, nil); err != nil {
			return 0, fmt.Errorf("insert rows of %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit %s: %w", table, err)
	}
	committed = true
	return next, nil
}

func (b *SQLBackend) List(ctx context.Context) ([]TableInfo, error) {
	query, args := b.builder().
		Select("name", "version", "schema_json", "row_count", "updated_at").
		From(b.builder().Table(catalogTable)).
		OrderBy("name").
		Query()
	rows := &entsql.Rows{}
	if err := b.drv.Query(ctx, query, args, rows); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var out []TableInfo
	for rows.Next() {
		var (
			info    TableInfo
			raw     string
			count   int64
			updated string
			schema  Schema
		)
		if err := rows.Scan(&info.Name, &info.Version, &raw, &count, &updated); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &schema); err == nil {
			info.Columns = len(schema.Columns)
		}
		info.Rows = int(count)
		info.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, info)
	}
	return out, rows.Err()
}

func (b *SQLBackend) Ping(ctx context.Context) error {
	return b.drv.DB().PingContext(ctx)
}

func (b *SQLBackend) Close() error {
	err := b.drv.Close()
	if b.closeFn != nil {
		b.closeFn()
	}
	return err
}

func decodeRecord(schema Schema, payload string) (Record, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, err
	}
	out := make(Record, len(schema.Columns))
	for _, c := range schema.Columns {
		v := raw[c.Name]
		if v == nil {
			out[c.Name] = nil
			continue
		}
		if c.Type == Timestamp {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("column %q: expected timestamp string, got %T", c.Name, v)
			}
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", c.Name, err)
			}
			out[c.Name] = t.UTC()
			continue
		}
		out[c.Name] = v
	}
	return out, nil
}

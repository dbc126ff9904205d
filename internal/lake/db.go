package lake

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/joseph-ayodele/underwriting-pipeline/internal/common"
)

const sqliteFile = "lake.db"

// Open builds the Store for a lake root: memory://, postgres:// or a local directory.
func Open(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	backend, err := OpenBackend(ctx, cfg.Lake.Root, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	return NewStore(backend, logger,
		WithMaxRetries(cfg.Lake.MaxCommitRetries),
		WithRetryDelays(cfg.Lake.RetryInitialDelay, cfg.Lake.RetryMaxDelay),
	), nil
}

// OpenBackend picks the backend from the shape of root.
func OpenBackend(ctx context.Context, root string, db common.DatabaseConfig, logger *slog.Logger) (Backend, error) {
	switch {
	case strings.HasPrefix(root, "memory://"):
		logger.Info("lake.open", "backend", "memory")
		return NewMemoryBackend(), nil
	case strings.HasPrefix(root, "postgres://"), strings.HasPrefix(root, "postgresql://"):
		return OpenPostgres(ctx, root, db, logger)
	default:
		dir := filepath.Join(root, "data_lake")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create lake dir: %w", err)
		}
		return OpenSQLite(ctx, filepath.Join(dir, sqliteFile), logger)
	}
}

// OpenSQLite opens (creating if needed) a file-backed lake.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	logger.Info("lake.open", "backend", "sqlite", "path", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		logger.Error("failed to open sqlite lake", "path", path, "error", err)
		return nil, err
	}
	// One writer per process; other processes wait on busy_timeout.
	db.SetMaxOpenConns(1)

	b, err := NewSQLBackend(ctx, entsql.OpenDB(dialect.SQLite, db), logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// OpenPostgres creates a pgx pool, wraps it for the ent driver and applies the lake DDL.
func OpenPostgres(ctx context.Context, dsn string, cfg common.DatabaseConfig, logger *slog.Logger) (*SQLBackend, error) {
	logger.Info("lake.open", "backend", "postgres")
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		logger.Error("failed to parse database url", "error", err)
		return nil, err
	}

	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pc.MinConns = cfg.MinConns
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	pc.ConnConfig.RuntimeParams["application_name"] = "underwriting-pipeline"
	if cfg.StatementTimeout > 0 {
		pc.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprint(cfg.StatementTimeout.Milliseconds())
	}

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, err
	}

	// Wrap pool as *sql.DB for the ent driver
	db := stdlib.OpenDBFromPool(pool)
	b, err := NewSQLBackend(ctx, entsql.OpenDB(dialect.Postgres, db), logger)
	if err != nil {
		_ = db.Close()
		pool.Close()
		return nil, err
	}
	b.closeFn = pool.Close

	logger.Info("successfully connected to database")
	return b, nil
}

// HealthCheck pings the backend within timeout.
func HealthCheck(ctx context.Context, b Backend, timeout time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("pinging lake backend")
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := b.Ping(ctx); err != nil {
		return fmt.Errorf("ping lake: %w", err)
	}
	logger.Debug("lake ping successful")
	return nil
}

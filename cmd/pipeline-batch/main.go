package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/joseph-ayodele/underwriting-pipeline/constants"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/bronze"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/common"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/core"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/decision"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/lake"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/ledger"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/silver"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		writeMode = flag.String("write-mode", string(constants.WriteModeMerge), "silver write mode: merge or overwrite")
		input     = flag.String("input", "", "bronze batch file or directory (default: re-process the bronze table)")
		email     = flag.String("email", "", "fetch the batch for this email from the statement API")
		dispatch  = flag.Bool("dispatch", false, "send PENDING applications to the decision engine")
	)
	flag.Parse()

	mode, ok := constants.ParseWriteMode(*writeMode)
	if !ok {
		printError("Error: --write-mode must be merge or overwrite, got %q\n", *writeMode)
		return 2
	}
	if *input != "" && *email != "" {
		printError("Error: --input and --email are mutually exclusive\n")
		return 2
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return common.ExitCode(err)
	}
	if *dispatch {
		if err := cfg.ValidateDispatch(); err != nil {
			logger.Error("invalid decision engine configuration", "error", err)
			return common.ExitCode(err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store, err := lake.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open data lake", "root", cfg.Lake.Root, "error", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing data lake", "error", err)
		}
	}()

	req := core.RunRequest{WriteMode: mode, Dispatch: *dispatch}
	switch {
	case *input != "":
		rows, err := loadInput(ctx, *input, logger)
		if err != nil {
			logger.Error("failed to load input", "input", *input, "error", err)
			return 1
		}
		req.Batch, req.Source = rows, *input
	case *email != "":
		rows, err := bronze.NewStatementClient(cfg.Statements, logger).Fetch(ctx, *email)
		if err != nil {
			logger.Error("failed to fetch statements", "email", *email, "error", err)
			return 1
		}
		if len(rows) == 0 {
			logger.Warn("statement API returned no rows", "email", *email)
			return 1
		}
		req.Batch, req.Source = rows, "api:"+*email
	}

	var engine decision.Engine
	if *dispatch {
		engine = decision.NewClient(cfg.Decision, logger)
	}
	merger := silver.NewMerger(store, constants.SilverTable, cfg.Silver.ExtraKeyColumns, logger)
	l := ledger.New(store, constants.LedgerTable, logger)
	p := core.NewPipeline(store, merger, l, engine, logger, core.WithResendAfter(cfg.Decision.ResendAfter))

	report, err := p.Run(ctx, req)
	if err != nil {
		return common.ExitCode(err)
	}
	fmt.Printf("run %s: incoming=%d inserted=%d skipped=%d seeded=%d dispatched=%d scored=%d\n",
		report.RunID, report.Incoming, report.Merge.Inserted, report.Merge.Skipped,
		report.Seeded, report.Dispatched, report.Scored)
	return 0
}

func loadInput(ctx context.Context, path string, logger *slog.Logger) ([]lake.Record, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return bronze.ReadFile(path)
	}
	batch, stats, err := bronze.LoadDirectory(ctx, path, true)
	if err != nil {
		return nil, err
	}
	for _, f := range batch.Files {
		if f.Err != "" {
			logger.Warn("skipped unreadable file", "path", f.Path, "error", f.Err)
		}
	}
	logger.Info("loaded input directory",
		"root", path,
		"matched", stats.Matched,
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
		"rows", len(batch.Rows),
	)
	return batch.Rows, nil
}

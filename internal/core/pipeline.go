// Package core sequences one pipeline run: clean, merge into silver, land in
// bronze, seed the scoring ledger and optionally dispatch to the decision engine.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/underwriting-pipeline/constants"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/clean"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/common"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/decision"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/lake"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/ledger"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/metrics"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/silver"
)

// RunRequest is one invocation. An empty Batch re-processes the whole bronze table.
type RunRequest struct {
	Batch     []lake.Record
	WriteMode constants.WriteMode
	Dispatch  bool
	Source    string // file path, email or "bronze"; logged only
}

// RunReport summarises a run. It is returned, partially filled, with errors too.
type RunReport struct {
	RunID      string
	Source     string
	Incoming   int
	Cleaned    int
	Bronze     lake.WriteResult
	Merge      silver.MergeResult
	Seeded     int
	Dispatched int
	Scored     int
	Duration   time.Duration
}

type Pipeline struct {
	store       *lake.Store
	merger      *silver.Merger
	ledger      ledger.Ledger
	engine      decision.Engine
	logger      *slog.Logger
	resendAfter time.Duration
	now         func() time.Time
}

type Option func(*Pipeline)

// WithResendAfter makes SENT entries older than d eligible for another dispatch.
// Zero disables resending.
func WithResendAfter(d time.Duration) Option {
	return func(p *Pipeline) {
		if d >= 0 {
			p.resendAfter = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline wires the stages. engine may be nil when runs never dispatch.
func NewPipeline(store *lake.Store, merger *silver.Merger, l ledger.Ledger, engine decision.Engine, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		store:       store,
		merger:      merger,
		ledger:      l,
		engine:      engine,
		logger:      logger,
		resendAfter: 10 * time.Minute,
		now:         time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run executes the stages in order and stops at the first failure. A batch
// that fails validation writes nothing at all.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (report RunReport, err error) {
	start := time.Now()
	report = RunReport{RunID: uuid.New().String(), Source: req.Source}
	ctx = common.WithRunID(ctx, report.RunID)
	log := p.logger.With("run_id", report.RunID)

	defer func() {
		report.Duration = time.Since(start)
		metrics.RunDuration.Observe(report.Duration.Seconds())
		if err != nil {
			metrics.Runs.WithLabelValues("failed").Inc()
			log.Error("pipeline.run.failed", "source", req.Source, "error", err, "elapsed_ms", report.Duration.Milliseconds())
			return
		}
		metrics.Runs.WithLabelValues("ok").Inc()
		log.Info("pipeline.run.done",
			"source", req.Source,
			"incoming", report.Incoming,
			"inserted", report.Merge.Inserted,
			"skipped", report.Merge.Skipped,
			"seeded", report.Seeded,
			"dispatched", report.Dispatched,
			"scored", report.Scored,
			"elapsed_ms", report.Duration.Milliseconds(),
		)
	}()

	mode := req.WriteMode
	if mode == "" {
		mode = constants.WriteModeMerge
	}
	if _, ok := constants.ParseWriteMode(string(mode)); !ok {
		return report, common.NewAppError(common.CodeConfig, fmt.Sprintf("unknown write mode %q", mode), common.ErrConfiguration)
	}
	if req.Dispatch && p.engine == nil {
		return report, common.NewAppError(common.CodeConfig, "dispatch requested without a decision engine", common.ErrConfiguration)
	}

	batch := req.Batch
	fromBronze := len(batch) == 0
	if fromBronze {
		if batch, err = p.readBronze(ctx); err != nil {
			return report, err
		}
		if report.Source == "" {
			report.Source = "bronze"
		}
	}
	report.Incoming = len(batch)
	log.Info("pipeline.run.start", "source", report.Source, "incoming", report.Incoming, "mode", mode, "dispatch", req.Dispatch)

	cleaned, err := clean.Clean(batch)
	if err != nil {
		return report, common.NewAppError(common.CodeValidation, "clean batch", err)
	}
	report.Cleaned = len(cleaned.Rows)

	if len(cleaned.Rows) > 0 {
		if report.Merge, err = p.merger.Merge(ctx, cleaned, mode); err != nil {
			return report, err
		}
	}

	// Bronze only receives batches silver accepted, so a retried run never
	// lands the same rows twice.
	if !fromBronze {
		raw := clean.Raw(batch)
		report.Bronze, err = p.store.Write(ctx, constants.BronzeTable, raw.Schema, raw.Rows, lake.WriteOptions{Mode: lake.ModeAppend})
		if err != nil {
			return report, fmt.Errorf("land bronze batch: %w", err)
		}
	}

	if len(cleaned.Rows) > 0 {
		if report.Seeded, err = p.ledger.SeedPending(ctx, distinctKeys(cleaned.Rows)); err != nil {
			return report, fmt.Errorf("seed ledger: %w", err)
		}
	}

	if req.Dispatch {
		if err = p.dispatch(ctx, log, &report); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (p *Pipeline) readBronze(ctx context.Context) ([]lake.Record, error) {
	snap, err := p.store.Read(ctx, constants.BronzeTable)
	if errors.Is(err, common.ErrStoreNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read bronze: %w", err)
	}
	return snap.Rows, nil
}

func distinctKeys(rows []lake.Record) []ledger.Key {
	seen := make(map[ledger.Key]struct{}, len(rows))
	var keys []ledger.Key
	for _, r := range rows {
		email, _ := r[clean.ColEmail].(string)
		requestID, _ := r[clean.ColRequestID].(string)
		k := ledger.Key{Email: email, RequestID: requestID}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}

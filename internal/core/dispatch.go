package core

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joseph-ayodele/underwriting-pipeline/constants"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/decision"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/features"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/ledger"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/metrics"
)

// candidates returns PENDING entries plus SENT entries whose send is older
// than resendAfter.
func (p *Pipeline) candidates(ctx context.Context) ([]ledger.Entry, error) {
	all, err := p.ledger.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	cutoff := p.now().Add(-p.resendAfter)
	var out []ledger.Entry
	for _, e := range all {
		switch e.Status {
		case constants.LedgerStatusPending:
			out = append(out, e)
		case constants.LedgerStatusSent:
			if p.resendAfter > 0 && e.SentAt != nil && e.SentAt.Before(cutoff) {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// dispatch scores every candidate. The first engine failure stops the run
// and leaves that entry SENT for a later run.
func (p *Pipeline) dispatch(ctx context.Context, log *slog.Logger, report *RunReport) error {
	entries, err := p.candidates(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := p.merger.Rows(ctx, e.Email, e.RequestID)
		if err != nil {
			return fmt.Errorf("load silver rows for (%s, %s): %w", e.Email, e.RequestID, err)
		}
		data := features.Summarize(e.Email, e.RequestID, rows)
		hash, err := decision.PayloadHash(data)
		if err != nil {
			return err
		}

		if _, err := p.ledger.MarkSent(ctx, e.Email, e.RequestID, ledger.WithPayloadHash(hash)); err != nil {
			return fmt.Errorf("mark sent: %w", err)
		}
		report.Dispatched++
		log.Info("pipeline.dispatch.sent", "email", e.Email, "request_id", e.RequestID, "resend", e.Status == constants.LedgerStatusSent, "payload_hash", hash)

		d, err := p.engine.Decide(ctx, decision.Request{EntityID: e.RequestID, Data: data})
		if err != nil {
			metrics.Dispatches.WithLabelValues("failed").Inc()
			return fmt.Errorf("dispatch (%s, %s): %w", e.Email, e.RequestID, err)
		}
		metrics.Dispatches.WithLabelValues("scored").Inc()

		if _, err := p.ledger.MarkScored(ctx, e.Email, e.RequestID, d.Score, d.Limit); err != nil {
			return fmt.Errorf("mark scored: %w", err)
		}
		report.Scored++
	}
	return nil
}

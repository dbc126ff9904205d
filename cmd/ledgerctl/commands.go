package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/underwriting-pipeline/constants"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/common"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/export"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/lake"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/ledger"
)

// env is what every subcommand opens.
type env struct {
	store  *lake.Store
	ledger ledger.Ledger
	logger *slog.Logger
}

func openEnv(ctx context.Context) (*env, error) {
	// keep stdout for command output
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := lake.Open(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open data lake: %w", err)
	}
	return &env{
		store:  store,
		ledger: ledger.New(store, constants.LedgerTable, logger),
		logger: logger,
	}, nil
}

func (e *env) Close() { _ = e.store.Close() }

func showCmd() *cobra.Command {
	var (
		status string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print ledger entries",
		Long: `Print every ledger entry, optionally filtered by status.

Examples:
  ledgerctl show
  ledgerctl show --status SENT
  ledgerctl show --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			var entries []ledger.Entry
			if status != "" {
				st, ok := constants.ParseLedgerStatus(status)
				if !ok {
					return common.NewAppError(common.CodeConfig, fmt.Sprintf("unknown status %q", status), common.ErrConfiguration)
				}
				entries, err = e.ledger.ListByStatus(ctx, st)
			} else {
				entries, err = e.ledger.List(ctx)
			}
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			return writeTable(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "filter by status (PENDING, SENT, SCORED, ERROR)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func pendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Print applications waiting to be sent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()
			entries, err := e.ledger.GetPending(ctx)
			if err != nil {
				return err
			}
			return writeTable(cmd.OutOrStdout(), entries)
		},
	}
}

func failCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail EMAIL REQUEST_ID",
		Short: "Park an application in ERROR for manual follow-up",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()
			entry, err := e.ledger.MarkError(ctx, args[0], args[1], reason)
			if err != nil {
				return err
			}
			return writeTable(cmd.OutOrStdout(), []ledger.Entry{entry})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual", "why the application was parked")
	return cmd
}

func exportCmd() *cobra.Command {
	var (
		out    string
		status string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the ledger to an XLSX workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			var filter *constants.LedgerStatus
			if status != "" {
				st, ok := constants.ParseLedgerStatus(status)
				if !ok {
					return common.NewAppError(common.CodeConfig, fmt.Sprintf("unknown status %q", status), common.ErrConfiguration)
				}
				filter = &st
			}
			b, err := export.NewService(e.ledger, e.store, e.logger).LedgerXLSX(ctx, filter)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, b, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", out, len(b))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "ledger.xlsx", "output XLSX path")
	cmd.Flags().StringVarP(&status, "status", "s", "", "only export entries with this status")
	return cmd
}

func silverExportCmd() *cobra.Command {
	var (
		out   string
		table string
	)
	cmd := &cobra.Command{
		Use:   "silver-export",
		Short: "Write the silver table to a Parquet file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()
			b, err := export.NewService(e.ledger, e.store, e.logger).TableParquet(ctx, table)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, b, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", out, len(b))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "silver.parquet", "output Parquet path")
	cmd.Flags().StringVar(&table, "table", constants.SilverTable, "lake table to export")
	return cmd
}

type entryView struct {
	Email       string   `json:"email"`
	RequestID   string   `json:"request_id"`
	Status      string   `json:"status"`
	PayloadHash *string  `json:"payload_hash"`
	SentAt      *string  `json:"sent_timestamp"`
	ScoredAt    *string  `json:"scored_timestamp"`
	Score       *float64 `json:"score"`
	Limit       *float64 `json:"limit"`
}

func view(e ledger.Entry) entryView {
	ts := func(t *time.Time) *string {
		if t == nil {
			return nil
		}
		s := t.UTC().Format(time.RFC3339)
		return &s
	}
	return entryView{
		Email:       e.Email,
		RequestID:   e.RequestID,
		Status:      string(e.Status),
		PayloadHash: e.PayloadHash,
		SentAt:      ts(e.SentAt),
		ScoredAt:    ts(e.ScoredAt),
		Score:       e.Score,
		Limit:       e.Limit,
	}
}

func writeJSON(w io.Writer, entries []ledger.Entry) error {
	views := make([]entryView, len(entries))
	for i, e := range entries {
		views[i] = view(e)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(views)
}

func writeTable(w io.Writer, entries []ledger.Entry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "(no entries)")
		return err
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Email", "Request ID", "Status", "Sent", "Scored", "Score", "Limit"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, e := range entries {
		v := view(e)
		table.Append([]string{v.Email, v.RequestID, v.Status, str(v.SentAt), str(v.ScoredAt), num(v.Score), num(v.Limit)})
	}
	table.Render()
	return nil
}

func str(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func num(f *float64) string {
	if f == nil {
		return "-"
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

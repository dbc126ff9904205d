package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LakeCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_lake_commits_total",
		Help: "Committed table writes by table and mode",
	}, []string{"table", "mode"})

	LakeCommitConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_lake_commit_conflicts_total",
		Help: "Commits rejected because the table moved since it was read",
	}, []string{"table"})

	SilverRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_silver_rows_total",
		Help: "Incoming silver rows by merge outcome",
	}, []string{"outcome"})

	LedgerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_ledger_transitions_total",
		Help: "Ledger rows written by resulting status",
	}, []string{"status"})

	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_dispatch_total",
		Help: "Decision engine dispatches by outcome",
	}, []string{"outcome"})

	Runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_runs_total",
		Help: "Pipeline runs by outcome",
	}, []string{"outcome"})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_run_duration_seconds",
		Help:    "Duration of pipeline runs",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})

	DecisionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_decision_request_duration_seconds",
		Help:    "Time from first decision request to final answer, polling included",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
)

package async

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/joseph-ayodele/underwriting-pipeline/constants"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/core"
)

type recordingRunner struct {
	mu   sync.Mutex
	reqs []core.RunRequest
}

func (r *recordingRunner) Run(_ context.Context, req core.RunRequest) (core.RunReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return core.RunReport{RunID: "run-1", Incoming: len(req.Batch)}, nil
}

func TestRunQueueRunsFilesAndDrains(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "batch.csv")
	if err := os.WriteFile(good, []byte("email,request_id\na@b.com,r1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	runner := &recordingRunner{}
	done := make(chan error, 2)
	q := NewRunQueue(runner, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithWorkers(2),
		WithQueueSize(4),
		WithRunTimeout(time.Second),
		WithOnDone(func(_ Job, _ core.RunReport, err error) { done <- err }),
	)

	ctx := context.Background()
	if err := q.Enqueue(ctx, Job{Path: good, WriteMode: constants.WriteModeMerge}); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, Job{Path: filepath.Join(dir, "missing.csv")}); err != nil {
		t.Fatal(err)
	}

	var failures int
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if err != nil {
				failures++
			}
		case <-time.After(5 * time.Second):
			t.Fatal("jobs did not finish")
		}
	}
	if failures != 1 {
		t.Fatalf("want the unreadable file to fail, got %d failures", failures)
	}

	q.Shutdown(ctx)
	if err := q.Enqueue(ctx, Job{Path: good}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("enqueue after shutdown: %v", err)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.reqs) != 1 || runner.reqs[0].Source != good || len(runner.reqs[0].Batch) != 1 {
		t.Fatalf("unexpected runs: %+v", runner.reqs)
	}
}

package async

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joseph-ayodele/underwriting-pipeline/internal/bronze"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/core"
)

// Runner is the part of core.Pipeline the queue drives.
type Runner interface {
	Run(ctx context.Context, req core.RunRequest) (core.RunReport, error)
}

// RunQueue executes jobs on a fixed pool of workers.
type RunQueue struct {
	runner  Runner
	logger  *slog.Logger
	workers int
	timeout time.Duration
	onDone  func(Job, core.RunReport, error)

	ch   chan Job
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.RWMutex
	closed bool
}

var _ Queue = (*RunQueue)(nil)

type Option func(*RunQueue)

func WithWorkers(n int) Option {
	return func(q *RunQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(q *RunQueue) {
		if n > 0 {
			q.ch = make(chan Job, n)
		}
	}
}

func WithRunTimeout(d time.Duration) Option {
	return func(q *RunQueue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// WithOnDone registers a callback invoked by the worker after every job.
func WithOnDone(fn func(Job, core.RunReport, error)) Option {
	return func(q *RunQueue) { q.onDone = fn }
}

func NewRunQueue(runner Runner, logger *slog.Logger, opts ...Option) *RunQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &RunQueue{
		runner:  runner,
		logger:  logger,
		workers: 1,
		timeout: 10 * time.Minute,
		ch:      make(chan Job, 64),
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *RunQueue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Info("worker started", "worker_id", workerID)
				for job := range q.ch {
					q.process(workerID, job)
				}
				q.logger.Info("worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

func (q *RunQueue) process(workerID int, job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	var (
		report core.RunReport
		err    error
	)
	rows, readErr := bronze.ReadFile(job.Path)
	if readErr != nil {
		err = fmt.Errorf("read %s: %w", job.Path, readErr)
	} else {
		report, err = q.runner.Run(ctx, core.RunRequest{
			Batch:     rows,
			WriteMode: job.WriteMode,
			Dispatch:  job.Dispatch,
			Source:    job.Path,
		})
	}

	if err != nil {
		q.logger.Error("run failed", "worker_id", workerID, "path", job.Path, "error", err)
	} else {
		q.logger.Info("run completed", "worker_id", workerID, "path", job.Path, "run_id", report.RunID, "queued_ms", time.Since(job.SubmittedAt).Milliseconds())
	}
	if q.onDone != nil {
		q.onDone(job, report, err)
	}
}

// Enqueue blocks while the queue is full, until ctx is done.
func (q *RunQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.logger.Warn("cannot enqueue: queue is shutting down", "path", job.Path)
		return ErrQueueClosed
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now()
	}
	select {
	case q.ch <- job:
		q.logger.Info("queued run", "path", job.Path)
		return nil
	default:
	}
	q.logger.Warn("queue full, applying backpressure", "path", job.Path)
	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting jobs and waits for queued ones to finish, or for ctx.
func (q *RunQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context")
	case <-done:
		q.logger.Info("queue drained, shutdown complete")
	}
}

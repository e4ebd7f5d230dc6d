package report

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/everesthood/payments/internal/ledger"
)

const (
	defaultWorkers  = 2
	jobAttempts     = 3
	dequeueWait     = time.Second
	retryBackoff    = 100 * time.Millisecond
	maxRetryBackoff = 5 * time.Second
)

// Worker drains the report queue with a small pool, retrying each job with
// exponential backoff and recording a terminal FAILED state when retries are
// exhausted. A report handed to the pool is never left PENDING.
type Worker struct {
	store       ledger.Store
	queue       *redis.Client
	logger      *slog.Logger
	artifactDir string
	workers     int
}

// NewWorker builds a report worker pool. workers <= 0 selects the default.
func NewWorker(store ledger.Store, queue *redis.Client, logger *slog.Logger, artifactDir string, workers int) *Worker {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Worker{store: store, queue: queue, logger: logger, artifactDir: artifactDir, workers: workers}
}

// Run blocks until ctx is cancelled, processing jobs on the pool.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		job, err := dequeue(ctx, w.queue, dequeueWait)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("dequeue report job", "error", err)
			continue
		}
		w.Process(ctx, job)
	}
}

// Process runs one job to a terminal report state.
func (w *Worker) Process(ctx context.Context, job Job) {
	var lastErr error
	for attempt := 1; attempt <= jobAttempts; attempt++ {
		if attempt > 1 {
			if err := backoff(ctx, attempt); err != nil {
				lastErr = err
				break
			}
		}

		totals, err := Build(ctx, w.store, job.OwnerID, job.PeriodType, job.StartDate, job.EndDate)
		if err != nil {
			lastErr = err
			w.logger.Warn("build usage report", "report_id", job.ReportID, "attempt", attempt, "error", err)
			continue
		}
		artifact, err := writeArtifact(w.artifactDir, job.ReportID, totals)
		if err != nil {
			lastErr = err
			w.logger.Warn("write report artifact", "report_id", job.ReportID, "attempt", attempt, "error", err)
			continue
		}
		if err := w.store.FinishReport(ctx, job.ReportID, ledger.ReportCompleted, totals, artifact, ""); err != nil {
			lastErr = err
			w.logger.Warn("finish usage report", "report_id", job.ReportID, "attempt", attempt, "error", err)
			continue
		}
		w.logger.Info("usage report completed", "report_id", job.ReportID, "buckets", len(totals))
		return
	}

	if lastErr == nil {
		lastErr = errors.New("unknown failure")
	}
	if err := w.store.FinishReport(ctx, job.ReportID, ledger.ReportFailed, nil, "", lastErr.Error()); err != nil {
		w.logger.Error("record report failure", "report_id", job.ReportID, "error", err)
	}
	w.logger.Error("usage report failed", "report_id", job.ReportID, "error", lastErr)
}

func backoff(ctx context.Context, attempt int) error {
	d := retryBackoff << uint(attempt-1)
	if d > maxRetryBackoff {
		d = maxRetryBackoff
	}
	d += time.Duration(rand.Int63n(int64(d / 2)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/everesthood/payments/internal/ledger"
)

// queueKey is the Redis list holding queued report jobs. Jobs survive a
// process restart, unlike an in-process timer.
const queueKey = "reports:queue:v1"

// Job is one queued usage-report request.
type Job struct {
	ReportID   uuid.UUID         `json:"report_id"`
	OwnerID    string            `json:"owner_id"`
	PeriodType ledger.PeriodType `json:"period_type"`
	StartDate  time.Time         `json:"start_date"`
	EndDate    time.Time         `json:"end_date"`
}

// Scheduler creates PENDING report rows and queues the matching jobs.
type Scheduler struct {
	store ledger.Store
	queue *redis.Client
}

// NewScheduler builds a report scheduler.
func NewScheduler(store ledger.Store, queue *redis.Client) *Scheduler {
	return &Scheduler{store: store, queue: queue}
}

// Schedule validates the request, persists the PENDING report and enqueues
// the job. The worker pool owns the row from here on.
func (s *Scheduler) Schedule(ctx context.Context, ownerID string, periodType ledger.PeriodType, start, end time.Time) (ledger.UsageReport, error) {
	if ownerID == "" {
		return ledger.UsageReport{}, fmt.Errorf("owner id is required")
	}
	switch periodType {
	case ledger.PeriodDaily, ledger.PeriodWeekly, ledger.PeriodMonthly:
	default:
		return ledger.UsageReport{}, fmt.Errorf("unknown period type %q", periodType)
	}
	if !start.Before(end) {
		return ledger.UsageReport{}, fmt.Errorf("start must be before end")
	}

	r := ledger.UsageReport{
		ID:         uuid.New(),
		OwnerID:    ownerID,
		PeriodType: periodType,
		StartDate:  start.UTC(),
		EndDate:    end.UTC(),
		Status:     ledger.ReportPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateReport(ctx, r); err != nil {
		return ledger.UsageReport{}, err
	}

	payload, err := json.Marshal(Job{
		ReportID:   r.ID,
		OwnerID:    r.OwnerID,
		PeriodType: r.PeriodType,
		StartDate:  r.StartDate,
		EndDate:    r.EndDate,
	})
	if err != nil {
		return ledger.UsageReport{}, err
	}
	if err := s.queue.LPush(ctx, queueKey, payload).Err(); err != nil {
		// Row stays PENDING for the operator to requeue; the push failure
		// is surfaced rather than silently dropped.
		return ledger.UsageReport{}, fmt.Errorf("enqueue report %s: %w", r.ID, err)
	}
	return r, nil
}

// dequeue blocks for one job. Returns redis.Nil when the wait timed out.
func dequeue(ctx context.Context, queue *redis.Client, wait time.Duration) (Job, error) {
	res, err := queue.BRPop(ctx, wait, queueKey).Result()
	if err != nil {
		return Job{}, err
	}
	if len(res) != 2 {
		return Job{}, errors.New("malformed queue reply")
	}
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return Job{}, fmt.Errorf("malformed job payload: %w", err)
	}
	return job, nil
}

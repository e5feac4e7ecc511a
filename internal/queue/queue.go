// Package queue is the durable, tier-partitioned priority queue feeding the
// worker pools. Entries live in Postgres; claims take a lease that must be
// renewed while the job runs, and an expired lease returns the entry to the
// pending set with the miss counted as an attempt.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/metrics"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/models"
	"github.com/Bohar-s-Bit/cypher-ray-backend/pkg/db"
)

var (
	// ErrQueueUnavailable wraps backend failures on the submit path so
	// ingestion can surface a retryable error instead of dropping the job.
	ErrQueueUnavailable = errors.New("queue: backend unavailable")

	// ErrFatal marks a handler error that must not be retried. The entry
	// fails immediately regardless of remaining attempts.
	ErrFatal = errors.New("queue: fatal job error")
)

const (
	leaseDuration = 90 * time.Second
	renewInterval = 30 * time.Second
	sweepInterval = 30 * time.Second
	pollInterval  = time.Second
	gaugeInterval = 15 * time.Second
)

// Handler processes one claimed job end to end. Returning nil completes the
// entry; wrapping ErrFatal fails it immediately; any other error schedules a
// retry until the attempt cap.
type Handler func(ctx context.Context, jobID uuid.UUID, attempt int) error

// Options tune the queue's dispatch behaviour.
type Options struct {
	Tier1Concurrency int
	Tier2Concurrency int
	JobTimeout       time.Duration
	MaxAttempts      int
	BackoffBase      time.Duration
}

func (o *Options) defaults() {
	if o.Tier1Concurrency <= 0 {
		o.Tier1Concurrency = 10
	}
	if o.Tier2Concurrency <= 0 {
		o.Tier2Concurrency = 5
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 10 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 10 * time.Second
	}
}

// Queue coordinates durable entries and the per-tier worker pools.
type Queue struct {
	orm  *gorm.DB
	pool *pgxpool.Pool
	opts Options
	log  zerolog.Logger

	// OnExhausted runs after a transient failure burns the last attempt, so
	// the owning job can be failed and cleaned up.
	OnExhausted func(ctx context.Context, jobID uuid.UUID, lastErr error)
}

// New creates a Queue over the shared database handles.
func New(orm *gorm.DB, pool *pgxpool.Pool, opts Options, log zerolog.Logger) (*Queue, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	opts.defaults()
	return &Queue{orm: orm, pool: pool, opts: opts, log: log}, nil
}

// Submit enqueues a job under its tier. Backend failures surface as
// ErrQueueUnavailable so the caller can report a retryable error.
func (q *Queue) Submit(ctx context.Context, job *models.Job) error {
	if job == nil {
		return errors.New("nil job")
	}

	entry := models.QueueJob{
		ID:          uuid.New(),
		JobID:       job.ID,
		Tier:        job.Tier,
		Priority:    job.Priority,
		State:       models.QueueWaiting,
		MaxAttempts: q.opts.MaxAttempts,
		RunAt:       time.Now().UTC(),
	}
	if err := q.orm.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return nil
}

// Counts are the operator-facing totals by state.
type Counts struct {
	Active    int64 `json:"active"`
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Failed    int64 `json:"failed"`
	Completed int64 `json:"completed"`
}

type stateCount struct {
	State string `db:"state"`
	Tier  string `db:"tier"`
	N     int64  `db:"n"`
}

// Stats returns entry counts by state and refreshes the queue gauges.
func (q *Queue) Stats(ctx context.Context) (Counts, error) {
	var rows []stateCount
	if err := db.Select(ctx, q.pool, &rows,
		`SELECT state, tier, COUNT(*) AS n FROM queue_jobs GROUP BY state, tier`); err != nil {
		return Counts{}, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	metrics.QueueState.Reset()
	var c Counts
	for _, r := range rows {
		metrics.QueueState.WithLabelValues(r.State, r.Tier).Set(float64(r.N))
		switch models.QueueState(r.State) {
		case models.QueueActive:
			c.Active += r.N
		case models.QueueWaiting:
			c.Waiting += r.N
		case models.QueueDelayed:
			c.Delayed += r.N
		case models.QueueFailed:
			c.Failed += r.N
		case models.QueueCompleted:
			c.Completed += r.N
		}
	}
	return c, nil
}

// ClearAll purges every entry, in-flight leases included.
func (q *Queue) ClearAll(ctx context.Context) (int64, error) {
	res := q.orm.WithContext(ctx).Where("1 = 1").Delete(&models.QueueJob{})
	if res.Error != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueueUnavailable, res.Error)
	}
	return res.RowsAffected, nil
}

// PendingAhead reports how many entries of a tier are waiting, delayed or
// running, i.e. ahead of new arrivals. Used for the ingestion wait estimate.
func (q *Queue) PendingAhead(ctx context.Context, tier models.Tier) (int64, error) {
	var n int64
	err := db.Get(ctx, q.pool, &n,
		`SELECT COUNT(*) FROM queue_jobs WHERE tier = $1 AND state IN ('waiting', 'delayed', 'active')`,
		string(tier))
	if err != nil {
		return 0, err
	}
	return n, nil
}

package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/models"
)

func testQueue(t *testing.T) (*Queue, *gorm.DB) {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set")
	}

	orm, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := orm.AutoMigrate(&models.QueueJob{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(pool.Close)

	q, err := New(orm, pool, Options{MaxAttempts: 3, BackoffBase: time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Start from an empty queue so claims are deterministic.
	if _, err := q.ClearAll(context.Background()); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	return q, orm
}

func queuedJob(tier models.Tier) *models.Job {
	return &models.Job{
		ID:       uuid.New(),
		Tier:     tier,
		Priority: tier.Priority(),
		Status:   models.JobQueued,
	}
}

func TestSubmitAndClaimOrder(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	second := queuedJob(models.TierTwo)
	first := queuedJob(models.TierTwo)
	if err := q.Submit(ctx, second); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := q.Submit(ctx, first); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	cl, ok := q.claimNext(ctx, models.TierTwo)
	if !ok {
		t.Fatal("no claim from populated queue")
	}
	if cl.JobID != second.ID {
		t.Fatalf("claimed %s, want FIFO order %s", cl.JobID, second.ID)
	}
	if cl.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 after first claim", cl.Attempts)
	}

	// The claimed entry is leased; the other one is still claimable, and
	// claims never cross tiers.
	if _, ok := q.claimNext(ctx, models.TierOne); ok {
		t.Fatal("tier1 claim returned a tier2 entry")
	}
	if cl2, ok := q.claimNext(ctx, models.TierTwo); !ok || cl2.JobID != first.ID {
		t.Fatalf("second claim = %+v, want %s", cl2, first.ID)
	}
	if _, ok := q.claimNext(ctx, models.TierTwo); ok {
		t.Fatal("claimed an already-active entry")
	}
}

func TestDelayAndRedeliver(t *testing.T) {
	q, orm := testQueue(t)
	ctx := context.Background()

	job := queuedJob(models.TierTwo)
	if err := q.Submit(ctx, job); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	cl, ok := q.claimNext(ctx, models.TierTwo)
	if !ok {
		t.Fatal("claim failed")
	}
	q.delay(ctx, cl, context.DeadlineExceeded)

	var entry models.QueueJob
	if err := orm.First(&entry, "job_id = ?", job.ID).Error; err != nil {
		t.Fatalf("load entry: %v", err)
	}
	if entry.State != models.QueueDelayed {
		t.Fatalf("state = %q, want delayed", entry.State)
	}
	if !entry.RunAt.After(time.Now().UTC().Add(500 * time.Millisecond)) {
		t.Fatalf("run_at = %v, want pushed into the future", entry.RunAt)
	}

	// Not due yet, so no claim.
	if _, ok := q.claimNext(ctx, models.TierTwo); ok {
		t.Fatal("claimed a delayed entry before its run_at")
	}

	// Force it due and reclaim: attempt two of the same job.
	if err := orm.Model(&models.QueueJob{}).Where("id = ?", entry.ID).
		Update("run_at", time.Now().UTC().Add(-time.Second)).Error; err != nil {
		t.Fatalf("force due: %v", err)
	}
	cl2, ok := q.claimNext(ctx, models.TierTwo)
	if !ok || cl2.JobID != job.ID || cl2.Attempts != 2 {
		t.Fatalf("redelivery claim = %+v, want attempt 2 of %s", cl2, job.ID)
	}
}

func TestStallSweepRequeuesAndCountsAttempt(t *testing.T) {
	q, orm := testQueue(t)
	ctx := context.Background()

	job := queuedJob(models.TierTwo)
	if err := q.Submit(ctx, job); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, ok := q.claimNext(ctx, models.TierTwo); !ok {
		t.Fatal("claim failed")
	}

	// Expire the lease behind the dispatcher's back.
	expired := time.Now().UTC().Add(-time.Minute)
	if err := orm.Model(&models.QueueJob{}).Where("job_id = ?", job.ID).
		Update("lease_until", &expired).Error; err != nil {
		t.Fatalf("expire lease: %v", err)
	}

	q.sweepStalled(ctx)

	var entry models.QueueJob
	if err := orm.First(&entry, "job_id = ?", job.ID).Error; err != nil {
		t.Fatalf("load entry: %v", err)
	}
	if entry.State != models.QueueWaiting {
		t.Fatalf("state = %q, want waiting after sweep", entry.State)
	}
	if entry.Attempts != 1 {
		t.Fatalf("attempts = %d, the stalled claim still counts", entry.Attempts)
	}
}

func TestStallSweepFailsExhaustedEntries(t *testing.T) {
	q, orm := testQueue(t)
	ctx := context.Background()

	job := queuedJob(models.TierTwo)
	if err := q.Submit(ctx, job); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	expired := time.Now().UTC().Add(-time.Minute)
	if err := orm.Model(&models.QueueJob{}).Where("job_id = ?", job.ID).Updates(map[string]any{
		"state":       models.QueueActive,
		"attempts":    3,
		"lease_until": &expired,
	}).Error; err != nil {
		t.Fatalf("prepare exhausted entry: %v", err)
	}

	q.sweepStalled(ctx)

	var entry models.QueueJob
	if err := orm.First(&entry, "job_id = ?", job.ID).Error; err != nil {
		t.Fatalf("load entry: %v", err)
	}
	if entry.State != models.QueueFailed {
		t.Fatalf("state = %q, want failed after final attempt stalled", entry.State)
	}
}

func TestStatsAndClearAll(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Submit(ctx, queuedJob(models.TierTwo)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if _, ok := q.claimNext(ctx, models.TierTwo); !ok {
		t.Fatal("claim failed")
	}

	counts, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if counts.Active != 1 || counts.Waiting != 2 {
		t.Fatalf("counts = %+v, want 1 active / 2 waiting", counts)
	}

	removed, err := q.ClearAll(ctx)
	if err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	if removed != 3 {
		t.Fatalf("removed = %d, want 3 including the active lease", removed)
	}
}

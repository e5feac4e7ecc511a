package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/models"
)

// claim is the row a dispatcher pulls out of the queue.
type claim struct {
	ID       uuid.UUID `db:"id"`
	JobID    uuid.UUID `db:"job_id"`
	Attempts int       `db:"attempts"`
	Max      int       `db:"max_attempts"`
}

// claimQuery atomically promotes the next due entry for a tier to active.
// SKIP LOCKED keeps concurrent dispatchers (and processes) from fighting
// over the same row.
const claimQuery = `
UPDATE queue_jobs SET
    state = 'active',
    attempts = attempts + 1,
    lease_until = now() + make_interval(secs => $2),
    updated_at = now()
WHERE id = (
    SELECT id FROM queue_jobs
    WHERE tier = $1 AND state IN ('waiting', 'delayed') AND run_at <= now()
    ORDER BY priority, run_at
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING id, job_id, attempts, max_attempts`

// Run dispatches entries to handler until ctx is cancelled. One pool per
// tier, each bounded by its concurrency cap; tiers never borrow from each
// other, so tier1 load cannot starve tier2.
func (q *Queue) Run(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("nil handler")
	}

	var wg sync.WaitGroup

	tiers := []struct {
		tier models.Tier
		size int
	}{
		{models.TierOne, q.opts.Tier1Concurrency},
		{models.TierTwo, q.opts.Tier2Concurrency},
	}
	for _, t := range tiers {
		wg.Add(1)
		go func(tier models.Tier, size int) {
			defer wg.Done()
			q.dispatchTier(ctx, tier, size, handler)
		}(t.tier, t.size)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		q.sweepLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		q.gaugeLoop(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

// dispatchTier claims and runs entries for one tier under its semaphore.
func (q *Queue) dispatchTier(ctx context.Context, tier models.Tier, size int, handler Handler) {
	sem := make(chan struct{}, size)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Drain everything due right now, up to the free slots.
		for ctx.Err() == nil {
			var acquired bool
			select {
			case sem <- struct{}{}:
				acquired = true
			default:
			}
			if !acquired {
				// Pool saturated; wait for the next tick.
				break
			}

			cl, ok := q.claimNext(ctx, tier)
			if !ok {
				<-sem
				break
			}

			wg.Add(1)
			go func(cl claim) {
				defer wg.Done()
				defer func() { <-sem }()
				q.runClaim(ctx, cl, handler)
			}(cl)
		}
	}
}

func (q *Queue) claimNext(ctx context.Context, tier models.Tier) (claim, bool) {
	var cl claim
	err := pgxscan.Get(ctx, q.pool, &cl, claimQuery, string(tier), leaseDuration.Seconds())
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) && ctx.Err() == nil {
			q.log.Error().Err(err).Str("tier", string(tier)).Msg("queue claim failed")
		}
		return claim{}, false
	}
	return cl, true
}

// runClaim executes the handler for one claimed entry, renewing the lease
// until the handler returns.
func (q *Queue) runClaim(ctx context.Context, cl claim, handler Handler) {
	jobCtx, cancel := context.WithTimeout(ctx, q.opts.JobTimeout)
	defer cancel()

	renewDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(renewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-renewDone:
				return
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				q.renewLease(ctx, cl.ID)
			}
		}
	}()

	err := handler(jobCtx, cl.JobID, cl.Attempts)
	close(renewDone)

	switch {
	case err == nil:
		q.finish(ctx, cl.ID, models.QueueCompleted, "")
	case errors.Is(err, ErrFatal):
		q.finish(ctx, cl.ID, models.QueueFailed, err.Error())
	case cl.Attempts >= cl.Max:
		q.finish(ctx, cl.ID, models.QueueFailed, err.Error())
		if q.OnExhausted != nil {
			q.OnExhausted(ctx, cl.JobID, err)
		}
	default:
		q.delay(ctx, cl, err)
	}
}

func (q *Queue) renewLease(ctx context.Context, id uuid.UUID) {
	until := time.Now().UTC().Add(leaseDuration)
	err := q.orm.WithContext(ctx).Model(&models.QueueJob{}).
		Where("id = ? AND state = ?", id, models.QueueActive).
		Update("lease_until", &until).Error
	if err != nil && ctx.Err() == nil {
		q.log.Warn().Err(err).Str("entry_id", id.String()).Msg("lease renewal failed")
	}
}

func (q *Queue) finish(ctx context.Context, id uuid.UUID, state models.QueueState, lastErr string) {
	updates := map[string]any{
		"state":       state,
		"lease_until": nil,
	}
	if lastErr != "" {
		updates["last_error"] = lastErr
	}
	if err := q.orm.WithContext(ctx).Model(&models.QueueJob{}).
		Where("id = ?", id).
		Updates(updates).Error; err != nil && ctx.Err() == nil {
		q.log.Error().Err(err).Str("entry_id", id.String()).Msg("queue entry finish failed")
	}
}

// delay schedules the next attempt with exponential backoff on the attempt
// count: base, 2*base, 4*base, ...
func (q *Queue) delay(ctx context.Context, cl claim, cause error) {
	backoff := q.opts.BackoffBase << (cl.Attempts - 1)
	runAt := time.Now().UTC().Add(backoff)

	err := q.orm.WithContext(ctx).Model(&models.QueueJob{}).
		Where("id = ?", cl.ID).
		Updates(map[string]any{
			"state":       models.QueueDelayed,
			"run_at":      runAt,
			"lease_until": nil,
			"last_error":  cause.Error(),
		}).Error
	if err != nil && ctx.Err() == nil {
		q.log.Error().Err(err).Str("entry_id", cl.ID.String()).Msg("queue entry delay failed")
	}
}

// sweepLoop returns stalled active entries to the pending set. The attempt
// was counted at claim time, so a stall consumes one attempt; entries out of
// attempts fail instead.
func (q *Queue) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweepStalled(ctx)
		}
	}
}

func (q *Queue) sweepStalled(ctx context.Context) {
	now := time.Now().UTC()

	res := q.orm.WithContext(ctx).Model(&models.QueueJob{}).
		Where("state = ? AND lease_until < ? AND attempts < max_attempts", models.QueueActive, now).
		Updates(map[string]any{
			"state":       models.QueueWaiting,
			"lease_until": nil,
			"run_at":      now,
			"last_error":  "lease expired",
		})
	if res.Error != nil && ctx.Err() == nil {
		q.log.Error().Err(res.Error).Msg("stall sweep failed")
		return
	}
	if res.RowsAffected > 0 {
		q.log.Warn().Int64("entries", res.RowsAffected).Msg("stalled queue entries requeued")
	}

	res = q.orm.WithContext(ctx).Model(&models.QueueJob{}).
		Where("state = ? AND lease_until < ? AND attempts >= max_attempts", models.QueueActive, now).
		Updates(map[string]any{
			"state":       models.QueueFailed,
			"lease_until": nil,
			"last_error":  "lease expired after final attempt",
		})
	if res.Error != nil && ctx.Err() == nil {
		q.log.Error().Err(res.Error).Msg("stall sweep failed")
	}
}

func (q *Queue) gaugeLoop(ctx context.Context) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.Stats(ctx); err != nil && ctx.Err() == nil {
				q.log.Warn().Err(err).Msg("queue stats refresh failed")
			}
		}
	}
}

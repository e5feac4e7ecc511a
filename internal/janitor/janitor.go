// Package janitor prunes stale blobs and terminal job rows on a daily
// wall-clock schedule.
package janitor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// BlobStore is the pruning surface over the object store.
type BlobStore interface {
	ListOlderThan(ctx context.Context, age time.Duration, prefix string, fn func(key string) error) error
	Delete(ctx context.Context, key string) error
}

// JobStore prunes terminal job rows.
type JobStore interface {
	DeleteTerminalOlderThan(ctx context.Context, retention time.Duration) (int64, error)
}

// OTPStore garbage-collects expired one-time codes.
type OTPStore interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Options configure the schedule and retention horizons.
type Options struct {
	Hour          int           // local wall-clock hour to run at
	BlobRetention time.Duration // binaries and reports older than this go
	JobRetention  time.Duration // terminal jobs older than this go
}

func (o *Options) defaults() {
	if o.Hour < 0 || o.Hour > 23 {
		o.Hour = 2
	}
	if o.BlobRetention <= 0 {
		o.BlobRetention = 24 * time.Hour
	}
	if o.JobRetention <= 0 {
		o.JobRetention = 7 * 24 * time.Hour
	}
}

// Janitor runs the pruning passes.
type Janitor struct {
	blobs BlobStore
	jobs  JobStore
	otps  OTPStore
	opts  Options
	log   zerolog.Logger

	running atomic.Bool
}

// New wires a Janitor.
func New(blobs BlobStore, jobs JobStore, otps OTPStore, opts Options, log zerolog.Logger) (*Janitor, error) {
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if jobs == nil {
		return nil, errors.New("job store is required")
	}
	opts.defaults()
	return &Janitor{blobs: blobs, jobs: jobs, otps: otps, opts: opts, log: log}, nil
}

// Run blocks, firing the sweep at the configured hour every day, until ctx
// is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(time.Until(j.nextRun(time.Now())))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			j.RunNow(ctx)
		}
	}
}

// nextRun returns the next occurrence of the configured hour.
func (j *Janitor) nextRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), j.opts.Hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Stats reports what one sweep removed.
type Stats struct {
	BlobsDeleted int64 `json:"blobs_deleted"`
	JobsDeleted  int64 `json:"jobs_deleted"`
	OTPsDeleted  int64 `json:"otps_deleted"`
	Skipped      bool  `json:"skipped"`
}

// RunNow triggers a sweep immediately. A sweep already in flight is not
// stacked; the call reports Skipped instead.
func (j *Janitor) RunNow(ctx context.Context) Stats {
	if !j.running.CompareAndSwap(false, true) {
		j.log.Warn().Msg("janitor sweep already running, skipping")
		return Stats{Skipped: true}
	}
	defer j.running.Store(false)

	var stats Stats
	started := time.Now()

	for _, prefix := range []string{"binaries/", "reports/"} {
		err := j.blobs.ListOlderThan(ctx, j.opts.BlobRetention, prefix, func(key string) error {
			if err := j.blobs.Delete(ctx, key); err != nil {
				j.log.Warn().Err(err).Str("key", key).Msg("janitor blob delete failed")
				return nil
			}
			stats.BlobsDeleted++
			return nil
		})
		if err != nil {
			j.log.Error().Err(err).Str("prefix", prefix).Msg("janitor blob sweep failed")
		}
	}

	deleted, err := j.jobs.DeleteTerminalOlderThan(ctx, j.opts.JobRetention)
	if err != nil {
		j.log.Error().Err(err).Msg("janitor job sweep failed")
	}
	stats.JobsDeleted = deleted

	if j.otps != nil {
		purged, err := j.otps.PurgeExpired(ctx)
		if err != nil {
			j.log.Error().Err(err).Msg("janitor otp sweep failed")
		}
		stats.OTPsDeleted = purged
	}

	j.log.Info().
		Int64("blobs", stats.BlobsDeleted).
		Int64("jobs", stats.JobsDeleted).
		Int64("otps", stats.OTPsDeleted).
		Dur("took", time.Since(started)).
		Msg("janitor sweep finished")
	return stats
}

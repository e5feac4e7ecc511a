// Package events publishes per-job progress notifications. Delivery is
// best-effort: a missed publish never fails the worker.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/models"
	"github.com/Bohar-s-Bit/cypher-ray-backend/pkg/bus"
)

// Event kinds.
const (
	KindProcessing = "job:processing"
	KindProgress   = "job:progress"
	KindCompleted  = "job:completed"
	KindFailed     = "job:failed"
)

// Publisher is the narrow bus surface the event layer needs.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Bus fans job updates out to the job and owner channels.
type Bus struct {
	pub Publisher
	log zerolog.Logger
}

// New creates an event Bus. A nil publisher yields a no-op bus, which keeps
// the worker functional when NATS is not configured.
func New(pub Publisher, log zerolog.Logger) *Bus {
	return &Bus{pub: pub, log: log}
}

// Event is the envelope every notification shares.
type Event struct {
	Kind      string         `json:"kind"`
	JobID     uuid.UUID      `json:"jobId"`
	OwnerID   uuid.UUID      `json:"ownerId"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// JobSubject returns the per-job notification subject.
func JobSubject(jobID uuid.UUID) string {
	return fmt.Sprintf("%s.jobs.%s", bus.SubjectRoot, jobID)
}

// UserSubject returns the per-owner notification subject.
func UserSubject(ownerID uuid.UUID) string {
	return fmt.Sprintf("%s.users.%s", bus.SubjectRoot, ownerID)
}

func (b *Bus) publish(ctx context.Context, kind string, jobID, ownerID uuid.UUID, fields map[string]any) {
	if b == nil || b.pub == nil {
		return
	}

	evt := Event{
		Kind:      kind,
		JobID:     jobID,
		OwnerID:   ownerID,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}

	for _, subj := range []string{JobSubject(jobID), UserSubject(ownerID)} {
		if err := b.pub.Publish(ctx, subj, evt); err != nil {
			b.log.Debug().Err(err).Str("subject", subj).Str("kind", kind).Msg("event publish dropped")
		}
	}
}

// Processing announces first pick-up.
func (b *Bus) Processing(ctx context.Context, jobID, ownerID uuid.UUID, progress int) {
	b.publish(ctx, KindProcessing, jobID, ownerID, map[string]any{"progress": progress})
}

// Progress announces an intermediate progress step.
func (b *Bus) Progress(ctx context.Context, jobID, ownerID uuid.UUID, progress int) {
	b.publish(ctx, KindProgress, jobID, ownerID, map[string]any{"progress": progress})
}

// Completed announces terminal success with the result and charge.
func (b *Bus) Completed(ctx context.Context, jobID, ownerID uuid.UUID, results models.AnalysisResult, creditsCharged int) {
	b.publish(ctx, KindCompleted, jobID, ownerID, map[string]any{
		"results":        results,
		"creditsCharged": creditsCharged,
	})
}

// Failed announces terminal failure.
func (b *Bus) Failed(ctx context.Context, jobID, ownerID uuid.UUID, jobErr models.JobError) {
	b.publish(ctx, KindFailed, jobID, ownerID, map[string]any{"error": jobErr})
}

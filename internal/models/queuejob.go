package models

import (
	"time"

	"github.com/google/uuid"
)

// QueueState tracks a queue entry independently of the job's own status.
type QueueState string

const (
	QueueWaiting   QueueState = "waiting"
	QueueActive    QueueState = "active"
	QueueDelayed   QueueState = "delayed"
	QueueCompleted QueueState = "completed"
	QueueFailed    QueueState = "failed"
)

// QueueJob is the durable queue entry for one job. The dispatcher claims
// waiting rows in (priority, run_at) order per tier; an active row whose
// lease expires is swept back to waiting and the miss counts as an attempt.
type QueueJob struct {
	ID    uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	JobID uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"job_id"`

	Tier     Tier       `gorm:"type:text;not null;index:idx_queue_claim" json:"tier"`
	Priority int        `gorm:"not null;index:idx_queue_claim" json:"priority"`
	State    QueueState `gorm:"type:text;not null;default:'waiting';index:idx_queue_claim" json:"state"`

	Attempts    int `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts int `gorm:"not null" json:"max_attempts"`

	RunAt      time.Time  `gorm:"type:timestamptz;not null;index:idx_queue_claim" json:"run_at"`
	LeaseUntil *time.Time `gorm:"type:timestamptz;index" json:"lease_until,omitempty"`

	LastError string `gorm:"type:text" json:"last_error,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (QueueJob) TableName() string { return "queue_jobs" }

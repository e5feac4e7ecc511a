package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Tier is a user's service class. It controls queue priority and the
// concurrency of the worker pool a job lands in.
type Tier string

const (
	TierOne Tier = "tier1"
	TierTwo Tier = "tier2"
)

// Priority returns the queue priority for the tier. Lower runs sooner.
func (t Tier) Priority() int {
	if t == TierOne {
		return 1
	}
	return 2
}

// JobStatus tracks the lifecycle of an analysis job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is the durable record of one analysis request, from upload to terminal
// state. Once terminal the row is immutable until the janitor deletes it.
type Job struct {
	ID       uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID  uuid.UUID  `gorm:"type:uuid;not null;index:idx_jobs_owner_status;index:idx_jobs_owner_hash" json:"owner_id"`
	APIKeyID *uuid.UUID `gorm:"type:uuid" json:"api_key_id,omitempty"`

	FileName string `gorm:"type:text;not null" json:"file_name"`
	FileSize int64  `gorm:"not null" json:"file_size"`
	SHA256   string `gorm:"type:text;not null;index:idx_jobs_owner_hash" json:"sha256"`
	BlobKey  string `gorm:"type:text;not null" json:"-"`
	BlobURL  string `gorm:"type:text" json:"blob_url,omitempty"`

	Tier     Tier      `gorm:"type:text;not null;index:idx_jobs_dispatch" json:"tier"`
	Priority int       `gorm:"not null" json:"priority"`
	Status   JobStatus `gorm:"type:text;not null;index:idx_jobs_owner_status;index:idx_jobs_dispatch" json:"status"`
	Progress int       `gorm:"not null;default:0" json:"progress"`

	QueuedAt    time.Time  `gorm:"type:timestamptz;not null;index:idx_jobs_dispatch" json:"queued_at"`
	StartedAt   *time.Time `gorm:"type:timestamptz" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"type:timestamptz;index" json:"completed_at,omitempty"`

	ProcessingSeconds float64 `gorm:"not null;default:0" json:"processing_seconds"`
	CreditsCharged    int     `gorm:"not null;default:0" json:"credits_charged"`

	Breakdown *datatypes.JSONType[CreditBreakdown] `gorm:"type:jsonb" json:"credit_breakdown,omitempty"`
	Results   *datatypes.JSONType[AnalysisResult] `gorm:"type:jsonb" json:"results,omitempty"`

	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`
	ErrorCode    string `gorm:"type:text" json:"error_code,omitempty"`
	ErrorStack   string `gorm:"type:text" json:"-"`

	// Source distinguishes where the upload came from ("sdk" or "dashboard");
	// it is echoed into ledger transaction descriptions.
	Source   string            `gorm:"type:text;not null;default:'sdk'" json:"source"`
	Metadata datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
}

func (Job) TableName() string { return "jobs" }

// JobError is the structured error recorded on a failed job.
type JobError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Stack   string `json:"stack,omitempty"`
}

// CreditBreakdown explains how a job's charge was computed.
type CreditBreakdown struct {
	SizeTier    string `json:"size_tier"`
	TimeTier    string `json:"time_tier"`
	SizeCredits int    `json:"size_credits"`
	TimeCredits int    `json:"time_credits"`
	Total       int    `json:"total"`
}

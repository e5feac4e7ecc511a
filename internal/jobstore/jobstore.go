// Package jobstore is the durable record store for analysis jobs.
package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/models"
)

// ErrNotFound is returned when no job matches the lookup.
var ErrNotFound = errors.New("jobstore: job not found")

// Store persists jobs. The worker and the HTTP tier write disjoint fields, so
// row-level updates here never clobber each other.
type Store struct {
	orm *gorm.DB
}

// New creates a Store bound to the provided GORM session.
func New(orm *gorm.DB) (*Store, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Store{orm: orm}, nil
}

// Insert persists a new job row.
func (s *Store) Insert(ctx context.Context, job *models.Job) error {
	if job == nil {
		return errors.New("nil job")
	}
	return s.orm.WithContext(ctx).Create(job).Error
}

// Get loads one job by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var job models.Job
	if err := s.orm.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// MarkProcessing transitions a job to processing on first worker pick-up.
func (s *Store) MarkProcessing(ctx context.Context, id uuid.UUID, progress int) error {
	now := time.Now().UTC()
	return s.update(ctx, id, map[string]any{
		"status":     models.JobProcessing,
		"progress":   progress,
		"started_at": &now,
	})
}

// UpdateStatus moves a job to a terminal or intermediate status. A non-nil
// jobErr is recorded as the job's structured error.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, jobErr *models.JobError) error {
	updates := map[string]any{"status": status}
	if status.Terminal() {
		now := time.Now().UTC()
		updates["completed_at"] = &now
	}
	if status == models.JobCompleted {
		updates["progress"] = 100
	}
	if jobErr != nil {
		updates["error_message"] = jobErr.Message
		updates["error_code"] = jobErr.Code
		updates["error_stack"] = jobErr.Stack
	}
	return s.update(ctx, id, updates)
}

// UpdateProgress records incremental progress (0..100).
func (s *Store) UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error {
	if progress < 0 || progress > 100 {
		return errors.New("jobstore: progress out of range")
	}
	return s.update(ctx, id, map[string]any{"progress": progress})
}

// AttachResults stores the normalized analysis result on the job.
func (s *Store) AttachResults(ctx context.Context, id uuid.UUID, results models.AnalysisResult) error {
	payload := datatypes.NewJSONType(results)
	return s.update(ctx, id, map[string]any{"results": &payload})
}

// SetCreditCharge persists the charge, its breakdown, and the processing
// duration on the job.
func (s *Store) SetCreditCharge(ctx context.Context, id uuid.UUID, amount int, breakdown models.CreditBreakdown, processingSeconds float64) error {
	payload := datatypes.NewJSONType(breakdown)
	return s.update(ctx, id, map[string]any{
		"credits_charged":    amount,
		"breakdown":          &payload,
		"processing_seconds": processingSeconds,
	})
}

// RequeueForRetry returns a job to queued between attempts.
func (s *Store) RequeueForRetry(ctx context.Context, id uuid.UUID) error {
	return s.update(ctx, id, map[string]any{
		"status":   models.JobQueued,
		"progress": 0,
	})
}

// FindByOwnerAndHash returns the most recent completed job for the owner and
// content digest. This is the ingestion cache probe.
func (s *Store) FindByOwnerAndHash(ctx context.Context, ownerID uuid.UUID, sha256 string) (*models.Job, error) {
	var job models.Job
	err := s.orm.WithContext(ctx).
		Where("owner_id = ? AND sha256 = ? AND status = ?", ownerID, sha256, models.JobCompleted).
		Order("completed_at DESC").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// Page is one page of an owner's job history.
type Page struct {
	Jobs       []models.Job `json:"jobs"`
	Page       int          `json:"page"`
	PageSize   int          `json:"pageSize"`
	Total      int64        `json:"totalItems"`
	TotalPages int          `json:"totalPages"`
}

// ListByOwner returns the owner's jobs, newest first, paginated.
func (s *Store) ListByOwner(ctx context.Context, ownerID uuid.UUID, page, pageSize int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	q := s.orm.WithContext(ctx).Model(&models.Job{}).Where("owner_id = ?", ownerID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return Page{}, err
	}

	var jobs []models.Job
	err := q.Order("queued_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&jobs).Error
	if err != nil {
		return Page{}, err
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Page{Jobs: jobs, Page: page, PageSize: pageSize, Total: total, TotalPages: totalPages}, nil
}

// DeleteTerminalOlderThan removes completed and failed jobs whose terminal
// timestamp is older than the retention horizon. Returns the rows removed.
func (s *Store) DeleteTerminalOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res := s.orm.WithContext(ctx).
		Where("status IN ? AND completed_at < ?", []models.JobStatus{models.JobCompleted, models.JobFailed}, cutoff).
		Delete(&models.Job{})
	return res.RowsAffected, res.Error
}

func (s *Store) update(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	res := s.orm.WithContext(ctx).Model(&models.Job{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

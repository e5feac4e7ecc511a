// Package ingest turns uploads into queued jobs: admission gate, blob
// upload, per-hash cache probe, and enqueue under the caller's tier.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/jobstore"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/ledger"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/models"
	"github.com/Bohar-s-Bit/cypher-ray-backend/pkg/blob"
)

var (
	// ErrInvalidHash rejects malformed cache probes.
	ErrInvalidHash = errors.New("ingest: invalid sha256 hash")
	// ErrMissingFile rejects empty uploads.
	ErrMissingFile = errors.New("ingest: missing file")
	// ErrTooManyFiles rejects oversized batches before any upload starts.
	ErrTooManyFiles = errors.New("ingest: too many files in batch")
)

var hashPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// InsufficientCreditsError carries the admission gate verdict back to the
// caller, including how far short the balance fell.
type InsufficientCreditsError struct {
	Required  int `json:"required"`
	Available int `json:"available"`
	Deficit   int `json:"deficit"`
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("ingest: insufficient credits: required %d, available %d", e.Required, e.Available)
}

// JobStore is the persistence surface ingestion needs.
type JobStore interface {
	Insert(ctx context.Context, job *models.Job) error
	FindByOwnerAndHash(ctx context.Context, ownerID uuid.UUID, sha256 string) (*models.Job, error)
}

// BlobStore is the upload surface ingestion needs.
type BlobStore interface {
	Upload(ctx context.Context, ownerID uuid.UUID, filename string, r io.Reader) (blob.Put, error)
	Delete(ctx context.Context, key string) error
}

// Ledger is the admission gate surface.
type Ledger interface {
	HasAtLeast(ctx context.Context, userID uuid.UUID, threshold int) (bool, ledger.Balance, error)
}

// Queue is the enqueue surface.
type Queue interface {
	Submit(ctx context.Context, job *models.Job) error
	PendingAhead(ctx context.Context, tier models.Tier) (int64, error)
}

// Options tune the ingestion path.
type Options struct {
	AdmissionThreshold int
	BatchLimit         int
	// AvgJobSeconds seeds the wait estimate returned with 202 responses.
	AvgJobSeconds float64
}

func (o *Options) defaults() {
	if o.AdmissionThreshold <= 0 {
		o.AdmissionThreshold = 5
	}
	if o.BatchLimit <= 0 {
		o.BatchLimit = 50
	}
	if o.AvgJobSeconds <= 0 {
		o.AvgJobSeconds = 45
	}
}

// Service implements the ingestion use-cases.
type Service struct {
	jobs  JobStore
	blobs BlobStore
	led   Ledger
	queue Queue
	opts  Options
	log   zerolog.Logger
}

// New wires the ingestion service.
func New(jobs JobStore, blobs BlobStore, led Ledger, q Queue, opts Options, log zerolog.Logger) (*Service, error) {
	if jobs == nil {
		return nil, errors.New("job store is required")
	}
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if led == nil {
		return nil, errors.New("ledger is required")
	}
	if q == nil {
		return nil, errors.New("queue is required")
	}
	opts.defaults()
	return &Service{jobs: jobs, blobs: blobs, led: led, queue: q, opts: opts, log: log}, nil
}

// Upload is one file entering the system.
type Upload struct {
	OwnerID  uuid.UUID
	Tier     models.Tier
	APIKeyID *uuid.UUID
	FileName string
	Body     io.Reader
	Source   string // "sdk" or "dashboard"
	Metadata map[string]any
}

// Result is the ingestion outcome for one file.
type Result struct {
	Job             *models.Job `json:"job"`
	Cached          bool        `json:"cached"`
	CreditsCharged  int         `json:"creditsCharged"`
	EstimatedWaitMS int64       `json:"estimatedWaitMs,omitempty"`
}

// Ingest runs the full path for a single upload.
func (s *Service) Ingest(ctx context.Context, up Upload) (Result, error) {
	if up.Body == nil || up.FileName == "" {
		return Result{}, ErrMissingFile
	}

	ok, bal, err := s.led.HasAtLeast(ctx, up.OwnerID, s.opts.AdmissionThreshold)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, &InsufficientCreditsError{
			Required:  s.opts.AdmissionThreshold,
			Available: bal.Remaining,
			Deficit:   s.opts.AdmissionThreshold - bal.Remaining,
		}
	}

	put, err := s.blobs.Upload(ctx, up.OwnerID, up.FileName, up.Body)
	if err != nil {
		return Result{}, err
	}

	// Cache probe: an identical completed upload by the same owner short-
	// circuits the whole pipeline. The fresh blob is discarded.
	cached, err := s.jobs.FindByOwnerAndHash(ctx, up.OwnerID, put.SHA256)
	if err == nil {
		if derr := s.blobs.Delete(ctx, put.Key); derr != nil {
			s.log.Warn().Err(derr).Str("key", put.Key).Msg("duplicate blob cleanup failed")
		}
		return Result{Job: cached, Cached: true, CreditsCharged: 0}, nil
	}
	if !errors.Is(err, jobstore.ErrNotFound) {
		return Result{}, err
	}

	job := &models.Job{
		ID:       uuid.New(),
		OwnerID:  up.OwnerID,
		APIKeyID: up.APIKeyID,
		FileName: up.FileName,
		FileSize: put.Size,
		SHA256:   put.SHA256,
		BlobKey:  put.Key,
		BlobURL:  put.URL,
		Tier:     up.Tier,
		Priority: up.Tier.Priority(),
		Status:   models.JobQueued,
		QueuedAt: time.Now().UTC(),
		Source:   up.Source,
		Metadata: datatypes.JSONMap(up.Metadata),
	}
	if job.Source == "" {
		job.Source = "sdk"
	}

	if err := s.jobs.Insert(ctx, job); err != nil {
		s.discard(ctx, put.Key)
		return Result{}, err
	}

	if err := s.queue.Submit(ctx, job); err != nil {
		// Leave no orphan: the job row without a queue entry would never run.
		s.discard(ctx, put.Key)
		return Result{}, err
	}

	return Result{Job: job, EstimatedWaitMS: s.estimateWait(ctx, up.Tier)}, nil
}

// IngestBatch runs Ingest per file. Partial failures do not roll back
// sibling files; each result carries its own error.
type BatchItem struct {
	FileName string  `json:"fileName"`
	Result   *Result `json:"result,omitempty"`
	Err      error   `json:"-"`
}

func (s *Service) IngestBatch(ctx context.Context, ups []Upload) ([]BatchItem, error) {
	if len(ups) > s.opts.BatchLimit {
		return nil, fmt.Errorf("%w: %d files, limit %d", ErrTooManyFiles, len(ups), s.opts.BatchLimit)
	}

	items := make([]BatchItem, 0, len(ups))
	for _, up := range ups {
		res, err := s.Ingest(ctx, up)
		item := BatchItem{FileName: up.FileName, Err: err}
		if err == nil {
			r := res
			item.Result = &r
		}
		items = append(items, item)
	}
	return items, nil
}

// CheckHash probes the cache for a completed job with the given digest.
func (s *Service) CheckHash(ctx context.Context, ownerID uuid.UUID, hash string) (*models.Job, error) {
	if !hashPattern.MatchString(hash) {
		return nil, ErrInvalidHash
	}
	job, err := s.jobs.FindByOwnerAndHash(ctx, ownerID, hash)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

func (s *Service) discard(ctx context.Context, key string) {
	if err := s.blobs.Delete(ctx, key); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("orphan blob cleanup failed")
	}
}

// estimateWait projects queue depth into a rough processing-start estimate.
func (s *Service) estimateWait(ctx context.Context, tier models.Tier) int64 {
	pending, err := s.queue.PendingAhead(ctx, tier)
	if err != nil {
		return 0
	}
	concurrency := int64(10)
	if tier == models.TierTwo {
		concurrency = 5
	}
	waves := pending / concurrency
	return int64(float64(waves) * s.opts.AvgJobSeconds * 1000)
}

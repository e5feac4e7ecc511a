// Package worker runs the per-job state machine: fetch the artifact, drive
// the analyzer, price the work, charge the ledger, and publish progress.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/analyzer"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/jobstore"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/ledger"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/metrics"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/models"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/pricing"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/queue"
	"github.com/Bohar-s-Bit/cypher-ray-backend/pkg/blob"
)

// Progress milestones of the state machine.
const (
	progressReceived    = 10
	progressDownloading = 20
	progressAnalyzing   = 40
	progressAnalyzed    = 75
	progressSaved       = 90
)

// JobStore is the job persistence surface the worker needs.
type JobStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	MarkProcessing(ctx context.Context, id uuid.UUID, progress int) error
	UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error
	AttachResults(ctx context.Context, id uuid.UUID, results models.AnalysisResult) error
	SetCreditCharge(ctx context.Context, id uuid.UUID, amount int, breakdown models.CreditBreakdown, processingSeconds float64) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, jobErr *models.JobError) error
	RequeueForRetry(ctx context.Context, id uuid.UUID) error
}

// Blob is the object-store surface the worker needs.
type Blob interface {
	GetToTempFile(ctx context.Context, key, name string) (string, error)
	Delete(ctx context.Context, key string) error
	PutObject(ctx context.Context, key string, r io.Reader, size int64, sha256Hex string) error
}

// Analyzer drives the external analysis service.
type Analyzer interface {
	Analyze(ctx context.Context, path, originalName string) (analyzer.Analysis, error)
}

// Ledger charges usage after a completed analysis.
type Ledger interface {
	DeductUsage(ctx context.Context, userID uuid.UUID, amount int, jobID uuid.UUID, apiKeyID *uuid.UUID, description string) (models.Transaction, error)
}

// Events publishes best-effort job notifications.
type Events interface {
	Processing(ctx context.Context, jobID, ownerID uuid.UUID, progress int)
	Progress(ctx context.Context, jobID, ownerID uuid.UUID, progress int)
	Completed(ctx context.Context, jobID, ownerID uuid.UUID, results models.AnalysisResult, creditsCharged int)
	Failed(ctx context.Context, jobID, ownerID uuid.UUID, jobErr models.JobError)
}

// Worker processes one claimed job at a time per invocation.
type Worker struct {
	store    JobStore
	blob     Blob
	analyzer Analyzer
	ledger   Ledger
	events   Events
	log      zerolog.Logger

	now func() time.Time
}

// New wires a Worker from its collaborators.
func New(store JobStore, blobStore Blob, an Analyzer, led Ledger, ev Events, log zerolog.Logger) (*Worker, error) {
	if store == nil {
		return nil, errors.New("job store is required")
	}
	if blobStore == nil {
		return nil, errors.New("blob store is required")
	}
	if an == nil {
		return nil, errors.New("analyzer is required")
	}
	if led == nil {
		return nil, errors.New("ledger is required")
	}
	return &Worker{
		store:    store,
		blob:     blobStore,
		analyzer: an,
		ledger:   led,
		events:   ev,
		log:      log,
		now:      time.Now,
	}, nil
}

// Process is the queue handler: one end-to-end attempt over a single job.
func (w *Worker) Process(ctx context.Context, jobID uuid.UUID, attempt int) error {
	job, err := w.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			// Stale queue entry; retrying cannot help.
			return fmt.Errorf("%w: job %s missing", queue.ErrFatal, jobID)
		}
		return err
	}

	// Redelivery of an already-charged job must not double-charge.
	if job.Status == models.JobCompleted && job.CreditsCharged > 0 {
		w.log.Info().Str("job_id", jobID.String()).Msg("job already completed and charged, skipping")
		return nil
	}

	if err := w.store.MarkProcessing(ctx, jobID, progressReceived); err != nil {
		return err
	}
	if w.events != nil {
		w.events.Processing(ctx, job.ID, job.OwnerID, progressReceived)
	}

	// Download.
	w.setProgress(ctx, job, progressDownloading)
	path, err := w.blob.GetToTempFile(ctx, job.BlobKey, job.FileName)
	if err != nil {
		return w.attemptFailed(ctx, job, err)
	}
	defer os.RemoveAll(filepath.Dir(path))

	// Analyze.
	w.setProgress(ctx, job, progressAnalyzing)
	t0 := w.now()
	analysis, err := w.analyzer.Analyze(ctx, path, job.FileName)
	metrics.AnalyzerLatency.Observe(w.now().Sub(t0).Seconds())
	if err != nil {
		return w.attemptFailed(ctx, job, err)
	}
	elapsed := w.now().Sub(t0)

	// Persist results.
	if err := w.store.AttachResults(ctx, job.ID, analysis.Result); err != nil {
		return w.attemptFailed(ctx, job, err)
	}
	w.setProgress(ctx, job, progressAnalyzed)
	if w.events != nil {
		w.events.Progress(ctx, job.ID, job.OwnerID, progressAnalyzed)
	}
	w.setProgress(ctx, job, progressSaved)

	// Price and charge. The ledger deduplicates on the job id, so a stalled
	// lease re-claim or a crash between charge and status write cannot bill
	// twice. Any other ledger failure is logged for operators but never
	// fails the job: the user already has results.
	breakdown := pricing.Price(job.FileSize, elapsed)
	if err := w.store.SetCreditCharge(ctx, job.ID, breakdown.Total, breakdown, elapsed.Seconds()); err != nil {
		return w.attemptFailed(ctx, job, err)
	}
	_, err = w.ledger.DeductUsage(ctx, job.OwnerID, breakdown.Total, job.ID, job.APIKeyID, chargeDescription(job))
	switch {
	case errors.Is(err, ledger.ErrAlreadyCharged):
		w.log.Info().Str("job_id", job.ID.String()).Msg("debit already recorded for job, skipping charge")
	case err != nil:
		w.log.Error().Str("channel", "operator").Err(err).
			Str("job_id", job.ID.String()).
			Int("credits", breakdown.Total).
			Msg("ledger charge failed for completed job")
	default:
		metrics.CreditsCharged.Add(float64(breakdown.Total))
	}

	w.archiveReport(ctx, job.ID, analysis.Raw)

	// Terminal success. The binary stays in the blob store until the
	// janitor's retention sweep.
	if err := w.store.UpdateStatus(ctx, job.ID, models.JobCompleted, nil); err != nil {
		return err
	}
	metrics.JobsProcessed.WithLabelValues(string(models.JobCompleted), string(job.Tier)).Inc()
	if w.events != nil {
		w.events.Completed(ctx, job.ID, job.OwnerID, analysis.Result, breakdown.Total)
	}

	w.log.Info().
		Str("job_id", job.ID.String()).
		Int("credits", breakdown.Total).
		Float64("seconds", elapsed.Seconds()).
		Int("attempt", attempt).
		Msg("job completed")
	return nil
}

// attemptFailed handles an error raised before completion. Retryable causes
// put the job back to queued and bubble up for the queue's retry policy;
// anything else fails the job now.
func (w *Worker) attemptFailed(ctx context.Context, job *models.Job, cause error) error {
	if retryable(cause) {
		if err := w.store.RequeueForRetry(ctx, job.ID); err != nil {
			w.log.Error().Err(err).Str("job_id", job.ID.String()).Msg("requeue for retry failed")
		}
		return cause
	}

	w.failJob(ctx, job, cause)
	return fmt.Errorf("%w: %v", queue.ErrFatal, cause)
}

// FailJob terminally fails a job after the queue exhausts its attempts.
func (w *Worker) FailJob(ctx context.Context, jobID uuid.UUID, cause error) {
	job, err := w.store.Get(ctx, jobID)
	if err != nil {
		w.log.Error().Err(err).Str("job_id", jobID.String()).Msg("cannot load job for terminal failure")
		return
	}
	if job.Status.Terminal() {
		return
	}
	w.failJob(ctx, job, cause)
}

// failJob records the terminal failure and reclaims storage. Failed jobs do
// not justify keeping the binary, and nothing was charged, so there is
// nothing to refund.
func (w *Worker) failJob(ctx context.Context, job *models.Job, cause error) {
	jobErr := models.JobError{
		Message: cause.Error(),
		Code:    errorCode(cause),
	}
	if err := w.store.UpdateStatus(ctx, job.ID, models.JobFailed, &jobErr); err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed status write failed")
	}
	if err := w.blob.Delete(ctx, job.BlobKey); err != nil {
		w.log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("blob delete after failure failed")
	}
	metrics.JobsProcessed.WithLabelValues(string(models.JobFailed), string(job.Tier)).Inc()
	if w.events != nil {
		w.events.Failed(ctx, job.ID, job.OwnerID, jobErr)
	}
}

// archiveReport stores the raw analyzer response, zstd-compressed, for
// diagnostics. Best-effort.
func (w *Worker) archiveReport(ctx context.Context, jobID uuid.UUID, raw []byte) {
	if len(raw) == 0 {
		return
	}

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		w.log.Warn().Err(err).Msg("report compression init failed")
		return
	}
	if _, err := enc.Write(raw); err == nil {
		err = enc.Close()
	}
	if err != nil {
		w.log.Warn().Err(err).Msg("report compression failed")
		return
	}

	key := fmt.Sprintf("reports/%s.json.zst", jobID)
	if err := w.blob.PutObject(ctx, key, &buf, int64(buf.Len()), ""); err != nil {
		w.log.Warn().Err(err).Str("key", key).Msg("report archival failed")
	}
}

func (w *Worker) setProgress(ctx context.Context, job *models.Job, progress int) {
	if err := w.store.UpdateProgress(ctx, job.ID, progress); err != nil {
		w.log.Warn().Err(err).Str("job_id", job.ID.String()).Int("progress", progress).Msg("progress write failed")
	}
}

// retryable reports whether the cause is a transient backend failure worth
// another attempt.
func retryable(err error) bool {
	switch {
	case errors.Is(err, analyzer.ErrAnalyzerUnavailable),
		errors.Is(err, analyzer.ErrAnalyzerTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, analyzer.ErrAnalyzerFailed),
		errors.Is(err, blob.ErrNotFound),
		errors.Is(err, blob.ErrTooLarge),
		errors.Is(err, blob.ErrAuth),
		errors.Is(err, blob.ErrQuota):
		return false
	}
	// Unclassified I/O and store errors get the benefit of the doubt.
	return true
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, analyzer.ErrAnalyzerFailed):
		return "ANALYSIS_FAILED"
	case errors.Is(err, analyzer.ErrAnalyzerUnavailable):
		return "ANALYZER_UNAVAILABLE"
	case errors.Is(err, analyzer.ErrAnalyzerTimeout):
		return "ANALYZER_TIMEOUT"
	case errors.Is(err, blob.ErrNotFound):
		return "BLOB_NOT_FOUND"
	case errors.Is(err, blob.ErrTooLarge):
		return "FILE_TOO_LARGE"
	default:
		return "INTERNAL_ERROR"
	}
}

// chargeDescription distinguishes billing sources in the transaction log.
func chargeDescription(job *models.Job) string {
	if job.Source == "dashboard" {
		return "Dashboard Binary Analysis"
	}
	return "SDK Binary Analysis"
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/analyzer"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/jobstore"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/ledger"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/models"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/queue"
)

type fakeJobStore struct {
	jobs     map[uuid.UUID]*models.Job
	progress []int
	requeued int
}

func newFakeJobStore(jobs ...*models.Job) *fakeJobStore {
	m := make(map[uuid.UUID]*models.Job)
	for _, j := range jobs {
		m[j.ID] = j
	}
	return &fakeJobStore{jobs: m}
}

func (f *fakeJobStore) Get(_ context.Context, id uuid.UUID) (*models.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, jobstore.ErrNotFound
	}
	copied := *j
	return &copied, nil
}

func (f *fakeJobStore) MarkProcessing(_ context.Context, id uuid.UUID, progress int) error {
	f.jobs[id].Status = models.JobProcessing
	f.jobs[id].Progress = progress
	f.progress = append(f.progress, progress)
	return nil
}

func (f *fakeJobStore) UpdateProgress(_ context.Context, id uuid.UUID, progress int) error {
	f.jobs[id].Progress = progress
	f.progress = append(f.progress, progress)
	return nil
}

func (f *fakeJobStore) AttachResults(_ context.Context, id uuid.UUID, _ models.AnalysisResult) error {
	return nil
}

func (f *fakeJobStore) SetCreditCharge(_ context.Context, id uuid.UUID, amount int, breakdown models.CreditBreakdown, seconds float64) error {
	f.jobs[id].CreditsCharged = amount
	f.jobs[id].ProcessingSeconds = seconds
	return nil
}

func (f *fakeJobStore) UpdateStatus(_ context.Context, id uuid.UUID, status models.JobStatus, jobErr *models.JobError) error {
	f.jobs[id].Status = status
	if status == models.JobCompleted {
		f.jobs[id].Progress = 100
		f.progress = append(f.progress, 100)
	}
	if jobErr != nil {
		f.jobs[id].ErrorMessage = jobErr.Message
		f.jobs[id].ErrorCode = jobErr.Code
	}
	return nil
}

func (f *fakeJobStore) RequeueForRetry(_ context.Context, id uuid.UUID) error {
	f.jobs[id].Status = models.JobQueued
	f.requeued++
	return nil
}

type fakeBlob struct {
	deleted  []string
	archived []string
}

func (f *fakeBlob) GetToTempFile(_ context.Context, key, name string) (string, error) {
	dir, err := os.MkdirTemp("", "worker-test-*")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, filepath.Base(name))
	if err := os.WriteFile(path, []byte("binary"), 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeBlob) Delete(_ context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeBlob) PutObject(_ context.Context, key string, _ io.Reader, _ int64, _ string) error {
	f.archived = append(f.archived, key)
	return nil
}

type fakeAnalyzer struct {
	calls   int
	fail    error
	elapsed time.Duration
	clock   *fakeClock
}

func (f *fakeAnalyzer) Analyze(_ context.Context, _, _ string) (analyzer.Analysis, error) {
	f.calls++
	if f.clock != nil {
		f.clock.advance(f.elapsed)
	}
	if f.fail != nil {
		return analyzer.Analysis{}, f.fail
	}
	return analyzer.Analysis{
		Result: models.AnalysisResult{
			FileInfo:        models.FileInfo{FileType: "ELF64"},
			Vulnerabilities: models.VulnAssessment{Severity: models.SeverityNone},
		},
		Raw: []byte(`{"file_type":"ELF64"}`),
	}, nil
}

type debit struct {
	userID      uuid.UUID
	amount      int
	jobID       uuid.UUID
	description string
}

type fakeLedger struct {
	debits []debit
	fail   error
}

// DeductUsage mirrors the real ledger contract: at most one debit per job id.
func (f *fakeLedger) DeductUsage(_ context.Context, userID uuid.UUID, amount int, jobID uuid.UUID, _ *uuid.UUID, description string) (models.Transaction, error) {
	if f.fail != nil {
		return models.Transaction{}, f.fail
	}
	for _, d := range f.debits {
		if d.jobID == jobID {
			return models.Transaction{Amount: d.amount}, ledger.ErrAlreadyCharged
		}
	}
	f.debits = append(f.debits, debit{userID, amount, jobID, description})
	return models.Transaction{Amount: amount}, nil
}

type fakeEvents struct {
	kinds []string
}

func (f *fakeEvents) Processing(_ context.Context, _, _ uuid.UUID, _ int) {
	f.kinds = append(f.kinds, "job:processing")
}
func (f *fakeEvents) Progress(_ context.Context, _, _ uuid.UUID, _ int) {
	f.kinds = append(f.kinds, "job:progress")
}
func (f *fakeEvents) Completed(_ context.Context, _, _ uuid.UUID, _ models.AnalysisResult, _ int) {
	f.kinds = append(f.kinds, "job:completed")
}
func (f *fakeEvents) Failed(_ context.Context, _, _ uuid.UUID, _ models.JobError) {
	f.kinds = append(f.kinds, "job:failed")
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testJob(size int64, source string) *models.Job {
	return &models.Job{
		ID:       uuid.New(),
		OwnerID:  uuid.New(),
		FileName: "sample.bin",
		FileSize: size,
		SHA256:   "aa",
		BlobKey:  "binaries/owner/key.bin",
		Tier:     models.TierTwo,
		Priority: 2,
		Status:   models.JobQueued,
		Source:   source,
	}
}

func newTestWorker(t *testing.T, store *fakeJobStore, blobs *fakeBlob, an *fakeAnalyzer, led *fakeLedger, ev *fakeEvents) *Worker {
	t.Helper()
	w, err := New(store, blobs, an, led, ev, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	an.clock = clock
	w.now = clock.now
	return w
}

func TestProcessSuccess(t *testing.T) {
	job := testJob(200*1024, "sdk") // 200 KiB, 5s -> 2 credits
	store := newFakeJobStore(job)
	blobs := &fakeBlob{}
	an := &fakeAnalyzer{elapsed: 5 * time.Second}
	led := &fakeLedger{}
	ev := &fakeEvents{}

	w := newTestWorker(t, store, blobs, an, led, ev)
	if err := w.Process(context.Background(), job.ID, 1); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	got := store.jobs[job.ID]
	if got.Status != models.JobCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.CreditsCharged != 2 {
		t.Fatalf("credits charged = %d, want 2", got.CreditsCharged)
	}
	if len(led.debits) != 1 || led.debits[0].amount != 2 {
		t.Fatalf("debits = %+v, want one of 2", led.debits)
	}
	if led.debits[0].description != "SDK Binary Analysis" {
		t.Fatalf("description = %q", led.debits[0].description)
	}
	if len(blobs.deleted) != 0 {
		t.Fatalf("blob deleted on success: %v", blobs.deleted)
	}
	if len(blobs.archived) != 1 {
		t.Fatalf("raw report not archived: %v", blobs.archived)
	}
	if ev.kinds[len(ev.kinds)-1] != "job:completed" {
		t.Fatalf("last event = %q, want job:completed", ev.kinds[len(ev.kinds)-1])
	}

	for i := 1; i < len(store.progress); i++ {
		if store.progress[i] < store.progress[i-1] {
			t.Fatalf("progress went backwards within attempt: %v", store.progress)
		}
	}
}

func TestProcessDashboardDescription(t *testing.T) {
	job := testJob(1024, "dashboard")
	store := newFakeJobStore(job)
	led := &fakeLedger{}

	w := newTestWorker(t, store, &fakeBlob{}, &fakeAnalyzer{elapsed: time.Second}, led, &fakeEvents{})
	if err := w.Process(context.Background(), job.ID, 1); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if led.debits[0].description != "Dashboard Binary Analysis" {
		t.Fatalf("description = %q", led.debits[0].description)
	}
}

func TestProcessIdempotentRedelivery(t *testing.T) {
	job := testJob(1024, "sdk")
	job.Status = models.JobCompleted
	job.CreditsCharged = 2
	store := newFakeJobStore(job)
	an := &fakeAnalyzer{}
	led := &fakeLedger{}

	w := newTestWorker(t, store, &fakeBlob{}, an, led, &fakeEvents{})
	if err := w.Process(context.Background(), job.ID, 2); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if an.calls != 0 {
		t.Fatal("analyzer called on redelivered completed job")
	}
	if len(led.debits) != 0 {
		t.Fatal("double charge on redelivery")
	}
}

func TestProcessRedeliveryAfterCrashWindowDoesNotDoubleCharge(t *testing.T) {
	// Worker A charged the ledger, then died before writing completed: the
	// job row still says processing, so the short-circuit cannot catch the
	// redelivery. The ledger's per-job debit dedup must.
	job := testJob(200*1024, "sdk")
	job.Status = models.JobProcessing
	store := newFakeJobStore(job)
	led := &fakeLedger{debits: []debit{{job.OwnerID, 2, job.ID, "SDK Binary Analysis"}}}

	w := newTestWorker(t, store, &fakeBlob{}, &fakeAnalyzer{elapsed: 5 * time.Second}, led, &fakeEvents{})
	if err := w.Process(context.Background(), job.ID, 2); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if store.jobs[job.ID].Status != models.JobCompleted {
		t.Fatalf("status = %q, want completed", store.jobs[job.ID].Status)
	}
	if len(led.debits) != 1 {
		t.Fatalf("debits = %d, redelivery charged the job twice", len(led.debits))
	}
}

func TestProcessMissingJobIsFatal(t *testing.T) {
	w := newTestWorker(t, newFakeJobStore(), &fakeBlob{}, &fakeAnalyzer{}, &fakeLedger{}, &fakeEvents{})

	err := w.Process(context.Background(), uuid.New(), 1)
	if !errors.Is(err, queue.ErrFatal) {
		t.Fatalf("error = %v, want ErrFatal", err)
	}
}

func TestProcessAnalyzerLogicalFailure(t *testing.T) {
	job := testJob(1024, "sdk")
	store := newFakeJobStore(job)
	blobs := &fakeBlob{}
	an := &fakeAnalyzer{fail: fmt.Errorf("%w: malformed binary", analyzer.ErrAnalyzerFailed)}
	led := &fakeLedger{}
	ev := &fakeEvents{}

	w := newTestWorker(t, store, blobs, an, led, ev)
	err := w.Process(context.Background(), job.ID, 1)
	if !errors.Is(err, queue.ErrFatal) {
		t.Fatalf("error = %v, want ErrFatal", err)
	}

	got := store.jobs[job.ID]
	if got.Status != models.JobFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.ErrorCode != "ANALYSIS_FAILED" {
		t.Fatalf("error code = %q", got.ErrorCode)
	}
	if len(blobs.deleted) != 1 {
		t.Fatal("blob not deleted after terminal failure")
	}
	if len(led.debits) != 0 {
		t.Fatal("charge recorded for failed job")
	}
	if ev.kinds[len(ev.kinds)-1] != "job:failed" {
		t.Fatalf("last event = %q, want job:failed", ev.kinds[len(ev.kinds)-1])
	}
}

func TestProcessTransientFailureRequeues(t *testing.T) {
	job := testJob(1024, "sdk")
	store := newFakeJobStore(job)
	blobs := &fakeBlob{}
	an := &fakeAnalyzer{fail: fmt.Errorf("%w: connection refused", analyzer.ErrAnalyzerUnavailable)}

	w := newTestWorker(t, store, blobs, an, &fakeLedger{}, &fakeEvents{})
	err := w.Process(context.Background(), job.ID, 1)
	if err == nil || errors.Is(err, queue.ErrFatal) {
		t.Fatalf("error = %v, want retryable", err)
	}
	if store.requeued != 1 {
		t.Fatal("job not requeued for retry")
	}
	if store.jobs[job.ID].Status != models.JobQueued {
		t.Fatalf("status = %q, want queued between attempts", store.jobs[job.ID].Status)
	}
	if len(blobs.deleted) != 0 {
		t.Fatal("blob deleted on transient failure; retry would have nothing to fetch")
	}
}

func TestFailJobAfterExhaustion(t *testing.T) {
	job := testJob(1024, "sdk")
	store := newFakeJobStore(job)
	blobs := &fakeBlob{}
	ev := &fakeEvents{}

	w := newTestWorker(t, store, blobs, &fakeAnalyzer{}, &fakeLedger{}, ev)
	w.FailJob(context.Background(), job.ID, errors.New("attempts exhausted"))

	if store.jobs[job.ID].Status != models.JobFailed {
		t.Fatalf("status = %q, want failed", store.jobs[job.ID].Status)
	}
	if len(blobs.deleted) != 1 {
		t.Fatal("blob not reclaimed after exhaustion")
	}

	// Already-terminal jobs are untouched.
	w.FailJob(context.Background(), job.ID, errors.New("again"))
	if len(blobs.deleted) != 1 {
		t.Fatal("terminal job was re-failed")
	}
}

func TestProcessLedgerFailureDoesNotFailJob(t *testing.T) {
	job := testJob(1024, "sdk")
	store := newFakeJobStore(job)
	led := &fakeLedger{fail: errors.New("ledger down")}

	w := newTestWorker(t, store, &fakeBlob{}, &fakeAnalyzer{elapsed: time.Second}, led, &fakeEvents{})
	if err := w.Process(context.Background(), job.ID, 1); err != nil {
		t.Fatalf("Process() error = %v, ledger failure must not fail the job", err)
	}
	if store.jobs[job.ID].Status != models.JobCompleted {
		t.Fatalf("status = %q, want completed", store.jobs[job.ID].Status)
	}
}

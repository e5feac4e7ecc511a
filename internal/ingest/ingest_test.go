package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/jobstore"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/ledger"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/models"
	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/queue"
	"github.com/Bohar-s-Bit/cypher-ray-backend/pkg/blob"
)

type fakeJobs struct {
	byHash   map[string]*models.Job
	inserted []*models.Job
}

func (f *fakeJobs) Insert(_ context.Context, job *models.Job) error {
	f.inserted = append(f.inserted, job)
	return nil
}

func (f *fakeJobs) FindByOwnerAndHash(_ context.Context, _ uuid.UUID, hash string) (*models.Job, error) {
	if job, ok := f.byHash[hash]; ok {
		return job, nil
	}
	return nil, jobstore.ErrNotFound
}

type fakeBlobs struct {
	puts    int
	deleted []string
}

func (f *fakeBlobs) Upload(_ context.Context, _ uuid.UUID, filename string, r io.Reader) (blob.Put, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return blob.Put{}, err
	}
	f.puts++
	sum := sha256.Sum256(data)
	return blob.Put{
		Key:    fmt.Sprintf("binaries/test/%d", f.puts),
		URL:    "https://blobs.example/" + filename,
		SHA256: hex.EncodeToString(sum[:]),
		Size:   int64(len(data)),
	}, nil
}

func (f *fakeBlobs) Delete(_ context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return nil
}

type fakeLedger struct {
	remaining int
}

func (f *fakeLedger) HasAtLeast(_ context.Context, _ uuid.UUID, threshold int) (bool, ledger.Balance, error) {
	return f.remaining >= threshold, ledger.Balance{Remaining: f.remaining}, nil
}

type fakeQueue struct {
	submitted []*models.Job
	fail      bool
}

func (f *fakeQueue) Submit(_ context.Context, job *models.Job) error {
	if f.fail {
		return fmt.Errorf("%w: connection refused", queue.ErrQueueUnavailable)
	}
	f.submitted = append(f.submitted, job)
	return nil
}

func (f *fakeQueue) PendingAhead(_ context.Context, _ models.Tier) (int64, error) {
	return 0, nil
}

func newService(t *testing.T, jobs *fakeJobs, blobs *fakeBlobs, led *fakeLedger, q *fakeQueue) *Service {
	t.Helper()
	svc, err := New(jobs, blobs, led, q, Options{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return svc
}

func upload(owner uuid.UUID, name, content string) Upload {
	return Upload{
		OwnerID:  owner,
		Tier:     models.TierTwo,
		FileName: name,
		Body:     strings.NewReader(content),
		Source:   "sdk",
	}
}

func TestIngestFreshUpload(t *testing.T) {
	owner := uuid.New()
	jobs := &fakeJobs{byHash: map[string]*models.Job{}}
	blobs := &fakeBlobs{}
	q := &fakeQueue{}

	svc := newService(t, jobs, blobs, &fakeLedger{remaining: 100}, q)
	res, err := svc.Ingest(context.Background(), upload(owner, "a.bin", "payload"))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	if res.Cached {
		t.Fatal("fresh upload reported as cached")
	}
	if res.Job.Status != models.JobQueued {
		t.Fatalf("status = %q, want queued", res.Job.Status)
	}
	if res.Job.Priority != 2 {
		t.Fatalf("priority = %d, want 2 for tier2", res.Job.Priority)
	}
	if len(q.submitted) != 1 {
		t.Fatalf("submitted = %d, want 1", len(q.submitted))
	}
	if len(jobs.inserted) != 1 {
		t.Fatalf("inserted = %d, want 1", len(jobs.inserted))
	}
}

func TestIngestAdmissionGate(t *testing.T) {
	tests := []struct {
		name      string
		remaining int
		admit     bool
	}{
		{"well funded", 100, true},
		{"exactly at threshold", 5, true},
		{"one under threshold", 4, false},
		{"deep in debt", -55, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blobs := &fakeBlobs{}
			svc := newService(t, &fakeJobs{byHash: map[string]*models.Job{}}, blobs, &fakeLedger{remaining: tt.remaining}, &fakeQueue{})

			_, err := svc.Ingest(context.Background(), upload(uuid.New(), "a.bin", "x"))
			if tt.admit {
				if err != nil {
					t.Fatalf("Ingest() error = %v, want admitted", err)
				}
				return
			}

			var insufficient *InsufficientCreditsError
			if !errors.As(err, &insufficient) {
				t.Fatalf("error = %v, want InsufficientCreditsError", err)
			}
			if insufficient.Available != tt.remaining {
				t.Fatalf("available = %d, want %d", insufficient.Available, tt.remaining)
			}
			if insufficient.Deficit != 5-tt.remaining {
				t.Fatalf("deficit = %d, want %d", insufficient.Deficit, 5-tt.remaining)
			}
			if blobs.puts != 0 {
				t.Fatal("blob uploaded despite failed admission")
			}
		})
	}
}

func TestIngestCacheHit(t *testing.T) {
	owner := uuid.New()
	content := "identical payload"
	sum := sha256.Sum256([]byte(content))
	digest := hex.EncodeToString(sum[:])

	cached := &models.Job{ID: uuid.New(), OwnerID: owner, SHA256: digest, Status: models.JobCompleted, CreditsCharged: 2}
	jobs := &fakeJobs{byHash: map[string]*models.Job{digest: cached}}
	blobs := &fakeBlobs{}
	q := &fakeQueue{}

	svc := newService(t, jobs, blobs, &fakeLedger{remaining: 98}, q)
	res, err := svc.Ingest(context.Background(), upload(owner, "a.bin", content))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	if !res.Cached {
		t.Fatal("duplicate upload not served from cache")
	}
	if res.CreditsCharged != 0 {
		t.Fatalf("creditsCharged = %d, want 0 on cache hit", res.CreditsCharged)
	}
	if res.Job.ID != cached.ID {
		t.Fatal("cache hit returned wrong job")
	}
	if len(blobs.deleted) != 1 {
		t.Fatal("duplicate blob not discarded")
	}
	if len(jobs.inserted) != 0 || len(q.submitted) != 0 {
		t.Fatal("cache hit created a new job")
	}
}

func TestIngestQueueUnavailable(t *testing.T) {
	jobs := &fakeJobs{byHash: map[string]*models.Job{}}
	blobs := &fakeBlobs{}

	svc := newService(t, jobs, blobs, &fakeLedger{remaining: 10}, &fakeQueue{fail: true})
	_, err := svc.Ingest(context.Background(), upload(uuid.New(), "a.bin", "x"))
	if !errors.Is(err, queue.ErrQueueUnavailable) {
		t.Fatalf("error = %v, want ErrQueueUnavailable", err)
	}
	if len(blobs.deleted) != 1 {
		t.Fatal("orphan blob not cleaned up after submit failure")
	}
}

func TestIngestBatchCap(t *testing.T) {
	svc := newService(t, &fakeJobs{byHash: map[string]*models.Job{}}, &fakeBlobs{}, &fakeLedger{remaining: 100}, &fakeQueue{})

	ups := make([]Upload, 51)
	for i := range ups {
		ups[i] = upload(uuid.New(), fmt.Sprintf("f%d.bin", i), "x")
	}

	_, err := svc.IngestBatch(context.Background(), ups)
	if !errors.Is(err, ErrTooManyFiles) {
		t.Fatalf("error = %v, want ErrTooManyFiles", err)
	}
}

func TestIngestBatchPartialFailure(t *testing.T) {
	led := &fakeLedger{remaining: 100}
	svc := newService(t, &fakeJobs{byHash: map[string]*models.Job{}}, &fakeBlobs{}, led, &fakeQueue{})

	ups := []Upload{
		upload(uuid.New(), "good.bin", "x"),
		{OwnerID: uuid.New(), Tier: models.TierTwo, FileName: "", Body: strings.NewReader("y")},
		upload(uuid.New(), "also-good.bin", "z"),
	}

	items, err := svc.IngestBatch(context.Background(), ups)
	if err != nil {
		t.Fatalf("IngestBatch() error = %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}
	if items[0].Err != nil || items[2].Err != nil {
		t.Fatal("sibling files rolled back by one failure")
	}
	if !errors.Is(items[1].Err, ErrMissingFile) {
		t.Fatalf("items[1].Err = %v, want ErrMissingFile", items[1].Err)
	}
}

func TestCheckHash(t *testing.T) {
	owner := uuid.New()
	digest := strings.Repeat("ab", 32)
	jobs := &fakeJobs{byHash: map[string]*models.Job{digest: {ID: uuid.New(), OwnerID: owner, SHA256: digest}}}
	svc := newService(t, jobs, &fakeBlobs{}, &fakeLedger{remaining: 10}, &fakeQueue{})

	if _, err := svc.CheckHash(context.Background(), owner, "nope"); !errors.Is(err, ErrInvalidHash) {
		t.Fatalf("error = %v, want ErrInvalidHash", err)
	}

	job, err := svc.CheckHash(context.Background(), owner, digest)
	if err != nil || job == nil {
		t.Fatalf("CheckHash() = %v, %v, want hit", job, err)
	}

	miss, err := svc.CheckHash(context.Background(), owner, strings.Repeat("cd", 32))
	if err != nil || miss != nil {
		t.Fatalf("CheckHash() = %v, %v, want clean miss", miss, err)
	}
}

package janitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeBlobs struct {
	mu      sync.Mutex
	keys    map[string][]string // prefix -> stale keys
	deleted []string
	block   chan struct{} // when set, ListOlderThan parks until closed
}

func (f *fakeBlobs) ListOlderThan(_ context.Context, _ time.Duration, prefix string, fn func(string) error) error {
	if f.block != nil {
		<-f.block
	}
	for _, key := range f.keys[prefix] {
		if err := fn(key); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeBlobs) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	return nil
}

type fakeJobs struct {
	deleted int64
}

func (f *fakeJobs) DeleteTerminalOlderThan(_ context.Context, _ time.Duration) (int64, error) {
	return f.deleted, nil
}

type fakeOTPs struct {
	purged int64
}

func (f *fakeOTPs) PurgeExpired(_ context.Context) (int64, error) {
	return f.purged, nil
}

func TestRunNowSweepsBothPrefixes(t *testing.T) {
	blobs := &fakeBlobs{keys: map[string][]string{
		"binaries/": {"binaries/u1/a.bin", "binaries/u2/b.bin"},
		"reports/":  {"reports/j1.json.zst"},
	}}
	jobs := &fakeJobs{deleted: 4}
	otps := &fakeOTPs{purged: 2}

	j, err := New(blobs, jobs, otps, Options{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	stats := j.RunNow(context.Background())
	if stats.Skipped {
		t.Fatal("sweep skipped unexpectedly")
	}
	if stats.BlobsDeleted != 3 {
		t.Fatalf("blobs deleted = %d, want 3", stats.BlobsDeleted)
	}
	if stats.JobsDeleted != 4 || stats.OTPsDeleted != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(blobs.deleted) != 3 {
		t.Fatalf("deleted keys = %v", blobs.deleted)
	}
}

func TestRunNowReentrancyGuard(t *testing.T) {
	block := make(chan struct{})
	blobs := &fakeBlobs{keys: map[string][]string{}, block: block}

	j, err := New(blobs, &fakeJobs{}, nil, Options{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	done := make(chan Stats, 1)
	go func() {
		done <- j.RunNow(context.Background())
	}()

	// Wait until the first sweep is parked inside the blob pass.
	deadline := time.After(time.Second)
	for !j.running.Load() {
		select {
		case <-deadline:
			t.Fatal("first sweep never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if overlap := j.RunNow(context.Background()); !overlap.Skipped {
		t.Fatal("overlapping sweep was not skipped")
	}

	close(block)
	if first := <-done; first.Skipped {
		t.Fatal("first sweep reported skipped")
	}
}

func TestNextRun(t *testing.T) {
	j, err := New(&fakeBlobs{keys: map[string][]string{}}, &fakeJobs{}, nil, Options{Hour: 2}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			"before the hour runs today",
			time.Date(2026, 3, 1, 1, 30, 0, 0, time.UTC),
			time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC),
		},
		{
			"after the hour runs tomorrow",
			time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC),
			time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC),
		},
		{
			"exactly at the hour runs tomorrow",
			time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC),
			time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := j.nextRun(tt.now); !got.Equal(tt.want) {
				t.Fatalf("nextRun(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

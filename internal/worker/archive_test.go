package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/onboardhq/gatekeeper/internal/storage"
)

// mockBlobLister implements the BlobLister interface for testing.
type mockBlobLister struct {
	mu      sync.Mutex
	records []storage.Record
	listErr error
	calls   int
}

func (m *mockBlobLister) ListRecords(ctx context.Context, prefix string) ([]storage.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.records, m.listErr
}

func (m *mockBlobLister) ListCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockUploader implements the Uploader interface for testing.
type mockUploader struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	lastName  string
	lastPath  string
	pathData  []byte
}

func (m *mockUploader) Upload(ctx context.Context, name string, filePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failFirst {
		return errors.New("transient upload failure")
	}
	m.lastName = name
	m.lastPath = filePath
	// Snapshot the file contents before the worker removes the temp file.
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	m.pathData = data
	return nil
}

func (m *mockUploader) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestArchiveWorker_ArchivesOnStart(t *testing.T) {
	store := &mockBlobLister{records: []storage.Record{
		{Key: "partners/p1", Value: []byte(`{"id":"p1"}`), Revision: 3},
	}}
	uploader := &mockUploader{}
	worker := NewArchiveWorker(store, uploader, 1*time.Hour, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if store.ListCalls() < 1 {
		t.Errorf("expected at least 1 List call on start, got %d", store.ListCalls())
	}
	if uploader.Calls() < 1 {
		t.Fatalf("expected at least 1 upload on start, got %d", uploader.Calls())
	}

	var exported []exportRecord
	if err := json.Unmarshal(uploader.pathData, &exported); err != nil {
		t.Fatalf("export file is not valid JSON: %v", err)
	}
	if len(exported) != 1 || exported[0].Key != "partners/p1" || exported[0].Revision != 3 {
		t.Errorf("unexpected export contents: %+v", exported)
	}
	if _, err := os.Stat(uploader.lastPath); !os.IsNotExist(err) {
		t.Errorf("expected temp export file to be removed, stat err = %v", err)
	}
}

func TestArchiveWorker_ArchivesOnInterval(t *testing.T) {
	store := &mockBlobLister{}
	uploader := &mockUploader{}
	worker := NewArchiveWorker(store, uploader, 50*time.Millisecond, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	time.Sleep(150 * time.Millisecond)
	cancel()
	<-done

	if calls := uploader.Calls(); calls < 2 {
		t.Errorf("expected initial plus interval uploads, got %d", calls)
	}
}

func TestArchiveWorker_RetriesTransientUploadFailure(t *testing.T) {
	store := &mockBlobLister{}
	uploader := &mockUploader{failFirst: 2}
	worker := NewArchiveWorker(store, uploader, 1*time.Hour, 5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	// Exponential backoff starts at 1s; allow the two retries to elapse.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if uploader.Calls() >= 3 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-done

	if calls := uploader.Calls(); calls < 3 {
		t.Errorf("expected 2 failures then success, got %d calls", calls)
	}
	if uploader.lastName == "" {
		t.Error("expected a successful upload after retries")
	}
}

func TestArchiveWorker_ListErrorDoesNotUpload(t *testing.T) {
	store := &mockBlobLister{listErr: errors.New("db closed")}
	uploader := &mockUploader{}
	worker := NewArchiveWorker(store, uploader, 1*time.Hour, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if uploader.Calls() != 0 {
		t.Errorf("expected no uploads when export fails, got %d", uploader.Calls())
	}
}

func TestArchiveWorker_StopsOnContextCancel(t *testing.T) {
	store := &mockBlobLister{}
	uploader := &mockUploader{}
	worker := NewArchiveWorker(store, uploader, 10*time.Millisecond, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}

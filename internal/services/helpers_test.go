package services

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/osvaldoandrade/markerq/internal/backoff"
	"github.com/osvaldoandrade/markerq/pkg/domain"
	"github.com/osvaldoandrade/markerq/pkg/persistence"
	"github.com/osvaldoandrade/markerq/pkg/persistence/memory"
)

var corruptPayload = []byte("corrupt")

func newMemoryStore(t *testing.T) *memory.Plugin {
	t.Helper()
	return memory.New(persistence.Options{
		Timezone:    time.UTC,
		Retry:       backoff.Policy{Name: backoff.PolicyFixed, BaseSeconds: 1, MaxSeconds: 1},
		MaxAttempts: 3,
	})
}

func pdfDoc(name string) domain.Document {
	return domain.Document{Filename: name, ContentType: "application/pdf", Data: []byte("%PDF-1.4 " + name)}
}

// fakeConverter fails documents whose payload is corruptPayload. When block
// is set it waits for the channel or for ctx before returning.
type fakeConverter struct {
	mu    sync.Mutex
	calls []string
	block chan struct{}
}

func (f *fakeConverter) Convert(ctx context.Context, doc domain.Document) domain.ConversionResult {
	f.mu.Lock()
	f.calls = append(f.calls, doc.Filename)
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return domain.ConversionResult{Filename: doc.Filename, Status: domain.ItemError, Error: ctx.Err().Error()}
		}
	}
	if len(doc.Data) == 0 || bytes.Equal(doc.Data, corruptPayload) {
		return domain.ConversionResult{
			Filename: doc.Filename,
			Images:   map[string]string{},
			Metadata: domain.Metadata{CustomMetadata: map[string]any{}},
			Status:   domain.ItemError,
			Error:    "malformed pdf: missing %%EOF",
		}
	}
	return domain.ConversionResult{
		Filename: doc.Filename,
		Markdown: "# " + doc.Filename + "\n",
		Images:   map[string]string{},
		Metadata: domain.Metadata{Pages: 1, CustomMetadata: map[string]any{}},
		Status:   domain.ItemOK,
	}
}

func (f *fakeConverter) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type recordingPublisher struct {
	mu    sync.Mutex
	snaps []domain.ProgressSnapshot
	err   error
}

func (r *recordingPublisher) PublishProgress(ctx context.Context, id string, p domain.ProgressSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, p)
	return r.err
}

// storeWithTasks swaps the task storage of a plugin.
type storeWithTasks struct {
	*memory.Plugin
	tasks persistence.TaskStorage
}

func (s storeWithTasks) TaskStorage() persistence.TaskStorage { return s.tasks }

type missingDocuments struct {
	persistence.TaskStorage
}

func (missingDocuments) Documents(ctx context.Context, id string) ([]domain.Document, error) {
	return nil, persistence.ErrNotFound
}

func testWorkerConfig() WorkerConfig {
	return WorkerConfig{
		WorkerID:          "test-worker",
		Concurrency:       1,
		LeaseSeconds:      30,
		ClaimPoll:         5 * time.Millisecond,
		RegistryHeartbeat: 50 * time.Millisecond,
		Retry:             backoff.Policy{Name: backoff.PolicyFixed},
	}
}

package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/osvaldoandrade/markerq/pkg/domain"
)

var (
	// ErrNotFound is returned when a task, result or document set does not exist
	ErrNotFound = errors.New("not found")

	// ErrNotOwner is returned when a worker acts on a task leased to someone else
	ErrNotOwner = errors.New("not owner")

	// ErrNotInProgress is returned when a lease operation targets a task that is not leased
	ErrNotInProgress = errors.New("not in progress")
)

// PluginPersistence is the broker and result store shared by the HTTP tier and the conversion workers.
type PluginPersistence interface {
	TaskStorage() TaskStorage
	ResultStorage() ResultStorage
	WorkerRegistry() WorkerRegistry

	// Health checks if the backend is reachable
	Health(ctx context.Context) error

	// Close releases resources held by the backend
	Close() error
}

// EnqueueOptions carries per-task settings that are not part of the payload.
type EnqueueOptions struct {
	Webhook     string
	MaxAttempts int
	TraceParent string
	TraceState  string
}

// TaskStorage is the task queue. Document bytes are stored next to the task and fetched on claim.
type TaskStorage interface {
	// Enqueue persists the documents and makes the task claimable. The returned task carries its ID.
	Enqueue(ctx context.Context, kind domain.TaskKind, docs []domain.Document, opts EnqueueOptions) (*domain.Task, error)

	Get(ctx context.Context, id string) (*domain.Task, error)

	// Documents returns the uploaded documents in submission order
	Documents(ctx context.Context, id string) ([]domain.Document, error)

	// Claim leases the next ready task of one of the given kinds
	Claim(ctx context.Context, workerID string, kinds []domain.TaskKind, leaseSeconds int) (*domain.Task, bool, error)

	// Heartbeat extends the lease held by workerID
	Heartbeat(ctx context.Context, id string, workerID string, extendSeconds int) error

	// Abandon returns a leased task to the ready queue without consuming an attempt
	Abandon(ctx context.Context, id string, workerID string) error

	// Nack schedules a retry after delaySeconds, or dead-letters the task once attempts are exhausted.
	// It returns the applied delay and whether the task was dead-lettered.
	Nack(ctx context.Context, id string, workerID string, delaySeconds int, reason string) (int, bool, error)

	// PublishProgress records batch progress. A snapshot lower than the stored one is ignored.
	PublishProgress(ctx context.Context, id string, p domain.ProgressSnapshot) error

	// Progress returns the latest snapshot, or ErrNotFound if none was published
	Progress(ctx context.Context, id string) (*domain.ProgressSnapshot, error)

	QueueStats(ctx context.Context, kind domain.TaskKind) (*domain.QueueStats, error)

	// CleanupExpired removes tasks whose retention ended before the given time
	CleanupExpired(ctx context.Context, limit int, before time.Time) (int, error)
}

// ResultStorage stores the terminal outcome of a task.
type ResultStorage interface {
	// Complete stores the results and marks the task COMPLETED. An empty workerID skips the owner check.
	Complete(ctx context.Context, id string, workerID string, results []domain.ConversionResult) (*domain.ResultRecord, error)

	// Fail marks the task FAILED with a reason. An empty workerID skips the owner check.
	Fail(ctx context.Context, id string, workerID string, reason string) (*domain.ResultRecord, error)

	Get(ctx context.Context, id string) (*domain.ResultRecord, error)
}

// WorkerRegistry tracks conversion worker liveness for the health endpoint.
type WorkerRegistry interface {
	Heartbeat(ctx context.Context, workerID string) error
	CountLive(ctx context.Context, window time.Duration) (int, error)
}

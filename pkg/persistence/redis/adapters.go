package redis

import (
	"context"
	"time"

	"github.com/osvaldoandrade/markerq/internal/repository"
	"github.com/osvaldoandrade/markerq/pkg/domain"
	"github.com/osvaldoandrade/markerq/pkg/persistence"
)

// taskStorageAdapter binds the plugin-level claim settings onto repository.TaskRepository
type taskStorageAdapter struct {
	repo               repository.TaskRepository
	inspectLimit       int
	maxAttemptsDefault int
}

func (a *taskStorageAdapter) Enqueue(ctx context.Context, kind domain.TaskKind, docs []domain.Document, opts persistence.EnqueueOptions) (*domain.Task, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = a.maxAttemptsDefault
	}
	return a.repo.Enqueue(ctx, kind, docs, opts)
}

func (a *taskStorageAdapter) Get(ctx context.Context, id string) (*domain.Task, error) {
	return a.repo.Get(ctx, id)
}

func (a *taskStorageAdapter) Documents(ctx context.Context, id string) ([]domain.Document, error) {
	return a.repo.Documents(ctx, id)
}

func (a *taskStorageAdapter) Claim(ctx context.Context, workerID string, kinds []domain.TaskKind, leaseSeconds int) (*domain.Task, bool, error) {
	return a.repo.Claim(ctx, workerID, kinds, leaseSeconds, a.inspectLimit, a.maxAttemptsDefault)
}

func (a *taskStorageAdapter) Heartbeat(ctx context.Context, id string, workerID string, extendSeconds int) error {
	return a.repo.Heartbeat(ctx, id, workerID, extendSeconds)
}

func (a *taskStorageAdapter) Abandon(ctx context.Context, id string, workerID string) error {
	return a.repo.Abandon(ctx, id, workerID)
}

func (a *taskStorageAdapter) Nack(ctx context.Context, id string, workerID string, delaySeconds int, reason string) (int, bool, error) {
	return a.repo.Nack(ctx, id, workerID, delaySeconds, a.maxAttemptsDefault, reason)
}

func (a *taskStorageAdapter) PublishProgress(ctx context.Context, id string, p domain.ProgressSnapshot) error {
	return a.repo.PublishProgress(ctx, id, p)
}

func (a *taskStorageAdapter) Progress(ctx context.Context, id string) (*domain.ProgressSnapshot, error) {
	return a.repo.Progress(ctx, id)
}

func (a *taskStorageAdapter) QueueStats(ctx context.Context, kind domain.TaskKind) (*domain.QueueStats, error) {
	return a.repo.QueueStats(ctx, kind)
}

func (a *taskStorageAdapter) CleanupExpired(ctx context.Context, limit int, before time.Time) (int, error) {
	return a.repo.CleanupExpired(ctx, limit, before)
}

// resultStorageAdapter adapts repository.ResultRepository to persistence.ResultStorage
type resultStorageAdapter struct {
	repo repository.ResultRepository
}

func (a *resultStorageAdapter) Complete(ctx context.Context, id string, workerID string, results []domain.ConversionResult) (*domain.ResultRecord, error) {
	return a.repo.Complete(ctx, id, workerID, results)
}

func (a *resultStorageAdapter) Fail(ctx context.Context, id string, workerID string, reason string) (*domain.ResultRecord, error) {
	return a.repo.Fail(ctx, id, workerID, reason)
}

func (a *resultStorageAdapter) Get(ctx context.Context, id string) (*domain.ResultRecord, error) {
	return a.repo.GetResult(ctx, id)
}

package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/osvaldoandrade/markerq/internal/tracing"
	"github.com/osvaldoandrade/markerq/pkg/domain"
	"github.com/osvaldoandrade/markerq/pkg/persistence"

	"go.opentelemetry.io/otel/codes"
)

// SubmitOptions are the per-request settings of a queued conversion.
type SubmitOptions struct {
	Webhook     string
	MaxAttempts int
}

type DispatchService interface {
	SubmitSingle(ctx context.Context, doc domain.Document, opts SubmitOptions) (*domain.Task, error)
	SubmitBatch(ctx context.Context, docs []domain.Document, opts SubmitOptions) (*domain.Task, error)
}

type dispatchService struct {
	tasks        persistence.TaskStorage
	logger       *slog.Logger
	maxBatchSize int
}

func NewDispatchService(tasks persistence.TaskStorage, logger *slog.Logger, maxBatchSize int) DispatchService {
	if logger == nil {
		logger = slog.Default()
	}
	return &dispatchService{tasks: tasks, logger: logger, maxBatchSize: maxBatchSize}
}

func (s *dispatchService) SubmitSingle(ctx context.Context, doc domain.Document, opts SubmitOptions) (*domain.Task, error) {
	return s.submit(ctx, domain.KindSingle, []domain.Document{doc}, opts)
}

func (s *dispatchService) SubmitBatch(ctx context.Context, docs []domain.Document, opts SubmitOptions) (*domain.Task, error) {
	if len(docs) == 0 {
		return nil, ErrEmptyBatch
	}
	if s.maxBatchSize > 0 && len(docs) > s.maxBatchSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(docs), s.maxBatchSize)
	}
	return s.submit(ctx, domain.KindBatch, docs, opts)
}

func (s *dispatchService) submit(ctx context.Context, kind domain.TaskKind, docs []domain.Document, opts SubmitOptions) (*domain.Task, error) {
	for _, d := range docs {
		if len(d.Data) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrEmptyDocument, d.Filename)
		}
	}
	if opts.Webhook != "" {
		u, err := url.Parse(opts.Webhook)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, ErrInvalidWebhook
		}
	}

	ctx, span := tracing.StartSubmit(ctx, kind, len(docs))
	defer span.End()

	var stamp domain.Task
	tracing.StampTask(ctx, &stamp)
	task, err := s.tasks.Enqueue(ctx, kind, docs, persistence.EnqueueOptions{
		Webhook:     strings.TrimSpace(opts.Webhook),
		MaxAttempts: opts.MaxAttempts,
		TraceParent: stamp.TraceParent,
		TraceState:  stamp.TraceState,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		s.logger.Error("enqueue failed", "kind", kind, "documents", len(docs), "err", err)
		return nil, fmt.Errorf("%w: %w", ErrDispatch, err)
	}

	s.logger.Info("task submitted", "task_id", task.ID, "kind", kind, "documents", len(docs))
	return task, nil
}

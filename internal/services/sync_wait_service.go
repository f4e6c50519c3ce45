package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/osvaldoandrade/markerq/internal/metrics"
	"github.com/osvaldoandrade/markerq/pkg/domain"
)

// TimeoutMessage accompanies a Timeout view. The task keeps running.
const TimeoutMessage = "Task processing took too long"

type SyncWaitService interface {
	ConvertAndWait(ctx context.Context, kind domain.TaskKind, docs []domain.Document, opts SubmitOptions) (*domain.TaskView, error)
	Wait(ctx context.Context, id string) (*domain.TaskView, error)
}

type syncWaitService struct {
	dispatch DispatchService
	status   StatusService
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
}

func NewSyncWaitService(dispatch DispatchService, status StatusService, timeout, interval time.Duration, logger *slog.Logger) SyncWaitService {
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &syncWaitService{dispatch: dispatch, status: status, timeout: timeout, interval: interval, logger: logger}
}

func (s *syncWaitService) ConvertAndWait(ctx context.Context, kind domain.TaskKind, docs []domain.Document, opts SubmitOptions) (*domain.TaskView, error) {
	var (
		task *domain.Task
		err  error
	)
	switch kind {
	case domain.KindSingle:
		if len(docs) != 1 {
			return nil, fmt.Errorf("single conversion takes one document, got %d", len(docs))
		}
		task, err = s.dispatch.SubmitSingle(ctx, docs[0], opts)
	case domain.KindBatch:
		task, err = s.dispatch.SubmitBatch(ctx, docs, opts)
	default:
		return nil, fmt.Errorf("unknown task kind %q", kind)
	}
	if err != nil {
		return nil, err
	}
	return s.Wait(ctx, task.ID)
}

// Wait polls until the task is terminal or the ceiling passes. Reaching the
// ceiling yields a Timeout view, not an error; the task is left untouched.
func (s *syncWaitService) Wait(ctx context.Context, id string) (*domain.TaskView, error) {
	deadline := time.NewTimer(s.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		view, err := s.status.Poll(ctx, id)
		if err != nil {
			s.logger.Warn("sync wait poll failed", "task_id", id, "err", err)
		} else if view.State != domain.PollProcessing {
			metrics.SyncWaitOutcomesTotal.WithLabelValues(outcomeLabel(view.State)).Inc()
			return view, nil
		}

		select {
		case <-ctx.Done():
			metrics.SyncWaitOutcomesTotal.WithLabelValues("cancelled").Inc()
			return nil, ctx.Err()
		case <-deadline.C:
			metrics.SyncWaitOutcomesTotal.WithLabelValues("timeout").Inc()
			s.logger.Info("sync wait timed out", "task_id", id, "timeout", s.timeout)
			return &domain.TaskView{TaskID: id, State: domain.PollTimeout, Message: TimeoutMessage}, nil
		case <-ticker.C:
		}
	}
}

func outcomeLabel(state domain.PollState) string {
	switch state {
	case domain.PollSuccess:
		return "success"
	case domain.PollFailed:
		return "failed"
	}
	return "other"
}

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/osvaldoandrade/markerq/pkg/domain"
	"github.com/osvaldoandrade/markerq/pkg/persistence"
)

// FailedMessage is reported for any task-level fault. Details stay in the logs.
const FailedMessage = "Task processing failed"

type StatusService interface {
	Poll(ctx context.Context, id string) (*domain.TaskView, error)
}

type statusService struct {
	tasks   persistence.TaskStorage
	results persistence.ResultStorage
	logger  *slog.Logger
}

func NewStatusService(tasks persistence.TaskStorage, results persistence.ResultStorage, logger *slog.Logger) StatusService {
	if logger == nil {
		logger = slog.Default()
	}
	return &statusService{tasks: tasks, results: results, logger: logger}
}

// Poll maps the stored task onto a caller view. Unknown ids report Processing.
func (s *statusService) Poll(ctx context.Context, id string) (*domain.TaskView, error) {
	view := &domain.TaskView{TaskID: id, State: domain.PollProcessing}

	task, err := s.tasks.Get(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return view, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	view.Kind = task.Kind

	switch task.Status {
	case domain.StatusCompleted:
		rec, err := s.results.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get result: %w", err)
		}
		view.State = domain.PollSuccess
		view.Record = rec
	case domain.StatusFailed:
		s.logger.Error("task failed", "task_id", id, "kind", task.Kind, "attempts", task.Attempts, "reason", task.Error)
		view.State = domain.PollFailed
		view.Message = FailedMessage
	default:
		if task.Kind != domain.KindBatch {
			return view, nil
		}
		p, err := s.tasks.Progress(ctx, id)
		switch {
		case err == nil:
			view.Progress = p
		case !errors.Is(err, persistence.ErrNotFound):
			s.logger.Warn("progress lookup failed", "task_id", id, "err", err)
		}
	}
	return view, nil
}

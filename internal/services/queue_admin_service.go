package services

import (
	"context"
	"fmt"
	"time"

	"github.com/osvaldoandrade/markerq/pkg/domain"
	"github.com/osvaldoandrade/markerq/pkg/persistence"
)

// QueueAdminService reports broker depth and worker liveness.
type QueueAdminService interface {
	QueueStats(ctx context.Context, kind domain.TaskKind) (*domain.QueueStats, error)
	Overview(ctx context.Context) (*domain.QueueOverview, error)
	// LiveWorkers counts workers that heartbeated within the liveness window.
	LiveWorkers(ctx context.Context) (int, error)
}

type queueAdminService struct {
	tasks    persistence.TaskStorage
	registry persistence.WorkerRegistry
	window   time.Duration
}

func NewQueueAdminService(tasks persistence.TaskStorage, registry persistence.WorkerRegistry, livenessWindow time.Duration) QueueAdminService {
	if livenessWindow <= 0 {
		livenessWindow = 30 * time.Second
	}
	return &queueAdminService{tasks: tasks, registry: registry, window: livenessWindow}
}

func (s *queueAdminService) QueueStats(ctx context.Context, kind domain.TaskKind) (*domain.QueueStats, error) {
	return s.tasks.QueueStats(ctx, kind)
}

func (s *queueAdminService) LiveWorkers(ctx context.Context) (int, error) {
	return s.registry.CountLive(ctx, s.window)
}

func (s *queueAdminService) Overview(ctx context.Context) (*domain.QueueOverview, error) {
	out := &domain.QueueOverview{Queues: make(map[domain.TaskKind]*domain.QueueStats, len(domain.AllKinds()))}
	for _, kind := range domain.AllKinds() {
		st, err := s.tasks.QueueStats(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("queue stats %s: %w", kind, err)
		}
		out.Queues[kind] = st
		out.Backlog += st.Pending()
	}
	workers, err := s.LiveWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("live workers: %w", err)
	}
	out.Workers = workers
	return out, nil
}

package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/osvaldoandrade/markerq/internal/metrics"
	"github.com/osvaldoandrade/markerq/pkg/persistence"
)

const sweepLimit = 1000

// RetentionService drops finished tasks, their documents and results once
// they pass the retention window.
type RetentionService interface {
	// Start sweeps on every tick until ctx is cancelled.
	Start(ctx context.Context)
	// Sweep removes up to limit tasks that expired before the cutoff and
	// reports the cutoff it used. Zero values mean now and the default limit.
	Sweep(ctx context.Context, limit int, before time.Time) (int, time.Time, error)
}

type retentionService struct {
	tasks    persistence.TaskStorage
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
}

func NewRetentionService(tasks persistence.TaskStorage, logger *slog.Logger, intervalSeconds int, now func() time.Time) RetentionService {
	if intervalSeconds <= 0 {
		intervalSeconds = 300
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &retentionService{
		tasks:    tasks,
		logger:   logger.With("component", "retention"),
		interval: time.Duration(intervalSeconds) * time.Second,
		now:      now,
	}
}

func (s *retentionService) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.sweep(ctx, sweepLimit, s.now().UTC(), "interval")
			if err != nil {
				s.logger.Warn("sweep failed", "err", err)
			} else if removed > 0 {
				s.logger.Info("sweep removed tasks", "count", removed)
			}
		}
	}
}

func (s *retentionService) Sweep(ctx context.Context, limit int, before time.Time) (int, time.Time, error) {
	if before.IsZero() {
		before = s.now().UTC()
	}
	if limit <= 0 {
		limit = sweepLimit
	}
	removed, err := s.sweep(ctx, limit, before, "admin")
	if err == nil {
		s.logger.Info("manual sweep", "count", removed, "before", before, "limit", limit)
	}
	return removed, before, err
}

func (s *retentionService) sweep(ctx context.Context, limit int, before time.Time, trigger string) (int, error) {
	removed, err := s.tasks.CleanupExpired(ctx, limit, before)
	if err != nil {
		return 0, err
	}
	metrics.RetentionRemovedTotal.WithLabelValues(trigger).Add(float64(removed))
	return removed, nil
}

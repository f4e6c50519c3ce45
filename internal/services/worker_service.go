package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/osvaldoandrade/markerq/internal/backoff"
	"github.com/osvaldoandrade/markerq/internal/converter"
	"github.com/osvaldoandrade/markerq/internal/tracing"
	"github.com/osvaldoandrade/markerq/pkg/domain"
	"github.com/osvaldoandrade/markerq/pkg/persistence"

	"go.opentelemetry.io/otel/codes"
)

type WorkerConfig struct {
	WorkerID          string
	Concurrency       int
	LeaseSeconds      int
	ClaimPoll         time.Duration
	RegistryHeartbeat time.Duration
	// Retry schedules redelivery after a queue-level fault.
	Retry backoff.Policy
}

// WorkerService executes queued conversions. Each of the Concurrency slots
// claims one task at a time and holds its lease until the task is terminal
// or handed back.
type WorkerService interface {
	Run(ctx context.Context) error
	// ProcessNext claims and executes at most one task. It reports whether a task was claimed.
	ProcessNext(ctx context.Context, slotID string) (bool, error)
	ID() string
}

type workerService struct {
	cfg      WorkerConfig
	tasks    persistence.TaskStorage
	results  persistence.ResultStorage
	registry persistence.WorkerRegistry
	conv     converter.Converter
	batch    BatchAggregator
	callback ResultCallbackService
	logger   *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewWorkerID returns "<hostname>-<random>".
func NewWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

func NewWorkerService(store persistence.PluginPersistence, conv converter.Converter, callback ResultCallbackService, logger *slog.Logger, cfg WorkerConfig) WorkerService {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = NewWorkerID()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = 300
	}
	if cfg.ClaimPoll <= 0 {
		cfg.ClaimPoll = time.Second
	}
	if cfg.RegistryHeartbeat <= 0 {
		cfg.RegistryHeartbeat = 10 * time.Second
	}
	if cfg.Retry.Name == "" {
		cfg.Retry.Name = backoff.PolicyExpFullJitter
	}
	return &workerService{
		cfg:      cfg,
		tasks:    store.TaskStorage(),
		results:  store.ResultStorage(),
		registry: store.WorkerRegistry(),
		conv:     conv,
		batch:    NewBatchAggregator(conv, store.TaskStorage(), logger),
		callback: callback,
		logger:   logger.With("worker_id", cfg.WorkerID),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *workerService) ID() string { return s.cfg.WorkerID }

// Run blocks until ctx is cancelled and every slot has handed back its task.
func (s *workerService) Run(ctx context.Context) error {
	s.logger.Info("worker started", "concurrency", s.cfg.Concurrency, "lease_seconds", s.cfg.LeaseSeconds)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.registryLoop(ctx)
	}()
	for i := 0; i < s.cfg.Concurrency; i++ {
		slot := fmt.Sprintf("%s-%d", s.cfg.WorkerID, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.slotLoop(ctx, slot)
		}()
	}
	wg.Wait()
	s.logger.Info("worker stopped")
	return nil
}

func (s *workerService) registryLoop(ctx context.Context) {
	beat := func() {
		if err := s.registry.Heartbeat(ctx, s.cfg.WorkerID); err != nil && ctx.Err() == nil {
			s.logger.Warn("worker registry heartbeat failed", "err", err)
		}
	}
	beat()
	ticker := time.NewTicker(s.cfg.RegistryHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

func (s *workerService) slotLoop(ctx context.Context, slot string) {
	for ctx.Err() == nil {
		claimed, err := s.ProcessNext(ctx, slot)
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("worker iteration failed", "slot", slot, "err", err)
		}
		if claimed && err == nil {
			continue
		}
		if sleepOrDone(ctx, s.cfg.ClaimPoll) != nil {
			return
		}
	}
}

func (s *workerService) ProcessNext(ctx context.Context, slotID string) (bool, error) {
	task, ok, err := s.tasks.Claim(ctx, slotID, domain.AllKinds(), s.cfg.LeaseSeconds)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if !ok {
		return false, nil
	}
	s.execute(ctx, slotID, task)
	return true, nil
}

func (s *workerService) execute(ctx context.Context, slotID string, task *domain.Task) {
	taskCtx, span := tracing.StartExecute(ctx, task, slotID)
	defer span.End()
	log := s.logger.With("task_id", task.ID, "kind", task.Kind, "slot", slotID)
	log.Info("task claimed", "documents", task.Total, "attempts", task.Attempts)

	hbCtx, stopHeartbeat := context.WithCancel(taskCtx)
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		s.heartbeatLease(hbCtx, task.ID, slotID, log)
	}()
	results, err := s.run(taskCtx, task)
	stopHeartbeat()
	hb.Wait()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "task execution failed")
		if ctx.Err() != nil {
			if aerr := s.tasks.Abandon(context.WithoutCancel(ctx), task.ID, slotID); aerr != nil {
				log.Warn("abandon on shutdown failed", "err", aerr)
				return
			}
			log.Info("task handed back on shutdown")
			return
		}
		s.retry(context.WithoutCancel(taskCtx), task, slotID, err, log)
		return
	}

	rec, err := s.results.Complete(taskCtx, task.ID, slotID, results)
	if err != nil {
		if errors.Is(err, persistence.ErrNotOwner) || errors.Is(err, persistence.ErrNotInProgress) {
			log.Warn("lease lost before completion", "err", err)
			return
		}
		span.RecordError(err)
		s.retry(context.WithoutCancel(taskCtx), task, slotID, fmt.Errorf("store result: %w", err), log)
		return
	}
	batch := rec.Batch()
	log.Info("task completed", "successful", batch.Successful, "failed", batch.Failed)
	s.notify(taskCtx, task, rec)
}

// run loads the documents and converts them. Panics are turned into errors
// so the task is retried rather than stuck in progress.
func (s *workerService) run(ctx context.Context, task *domain.Task) (results []domain.ConversionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			results, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	docs, err := s.tasks.Documents(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}

	switch task.Kind {
	case domain.KindSingle:
		if len(docs) != 1 {
			return nil, fmt.Errorf("single task has %d documents", len(docs))
		}
		res := s.conv.Convert(ctx, docs[0])
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return []domain.ConversionResult{res}, nil
	case domain.KindBatch:
		return s.batch.Run(ctx, task.ID, docs)
	}
	return nil, fmt.Errorf("unknown task kind %q", task.Kind)
}

func (s *workerService) retry(ctx context.Context, task *domain.Task, slotID string, cause error, log *slog.Logger) {
	delay := s.backoffSeconds(task.Attempts)
	_, dead, err := s.tasks.Nack(ctx, task.ID, slotID, delay, cause.Error())
	if err != nil {
		log.Error("nack failed", "cause", cause, "err", err)
		return
	}
	if !dead {
		log.Warn("task requeued", "delay_seconds", delay, "err", cause)
		return
	}

	log.Error("task dead-lettered", "attempts", task.Attempts+1, "err", cause)
	rec, err := s.results.Fail(ctx, task.ID, "", cause.Error())
	if err != nil {
		log.Warn("failure record not stored", "err", err)
		return
	}
	s.notify(ctx, task, rec)
}

func (s *workerService) notify(ctx context.Context, task *domain.Task, rec *domain.ResultRecord) {
	if s.callback == nil || rec == nil || task.Webhook == "" {
		return
	}
	s.callback.Send(context.WithoutCancel(ctx), *task, *rec)
}

func (s *workerService) heartbeatLease(ctx context.Context, id, slotID string, log *slog.Logger) {
	interval := time.Duration(s.cfg.LeaseSeconds) * time.Second / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.tasks.Heartbeat(ctx, id, slotID, s.cfg.LeaseSeconds)
			if err == nil || ctx.Err() != nil {
				continue
			}
			log.Warn("lease heartbeat failed", "err", err)
			if errors.Is(err, persistence.ErrNotOwner) || errors.Is(err, persistence.ErrNotInProgress) {
				return
			}
		}
	}
}

func (s *workerService) backoffSeconds(attempts int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.cfg.Retry.Seconds(attempts, s.rng)
}

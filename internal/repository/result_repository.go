package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/osvaldoandrade/markerq/internal/metrics"
	"github.com/osvaldoandrade/markerq/pkg/domain"
	"github.com/osvaldoandrade/markerq/pkg/persistence"

	"github.com/go-redis/redis/v8"
)

type ResultRepository interface {
	Complete(ctx context.Context, taskID string, workerID string, results []domain.ConversionResult) (*domain.ResultRecord, error)
	Fail(ctx context.Context, taskID string, workerID string, reason string) (*domain.ResultRecord, error)
	GetResult(ctx context.Context, taskID string) (*domain.ResultRecord, error)
}

type resultRedisRepo struct {
	rdb *redis.Client
	tz  *time.Location
}

func NewResultRepository(rdb *redis.Client, tz *time.Location) ResultRepository {
	if tz == nil {
		tz = time.UTC
	}
	return &resultRedisRepo{rdb: rdb, tz: tz}
}

func (r *resultRedisRepo) now() time.Time { return time.Now().In(r.tz) }

func (r *resultRedisRepo) Complete(ctx context.Context, taskID string, workerID string, results []domain.ConversionResult) (*domain.ResultRecord, error) {
	return r.finish(ctx, taskID, workerID, domain.StatusCompleted, results, "")
}

func (r *resultRedisRepo) Fail(ctx context.Context, taskID string, workerID string, reason string) (*domain.ResultRecord, error) {
	return r.finish(ctx, taskID, workerID, domain.StatusFailed, nil, reason)
}

// finish writes the result record, releases the lease and drops the stored documents in one transaction.
func (r *resultRedisRepo) finish(ctx context.Context, taskID string, workerID string, status domain.TaskStatus, results []domain.ConversionResult, reason string) (*domain.ResultRecord, error) {
	t, err := loadTask(ctx, r.rdb, taskID)
	if err != nil {
		return nil, err
	}
	if workerID != "" {
		if t.Status != domain.StatusInProgress {
			return nil, persistence.ErrNotInProgress
		}
		if t.WorkerID != workerID {
			return nil, persistence.ErrNotOwner
		}
	}

	now := r.now()
	rec := domain.ResultRecord{
		TaskID:      taskID,
		Kind:        t.Kind,
		Status:      status,
		Results:     results,
		Error:       reason,
		CompletedAt: now,
	}

	wasDLQ := t.LastKnownLocation == domain.LocationDLQ
	t.Status = status
	t.WorkerID = ""
	t.LeaseUntil = ""
	t.Error = reason
	t.ResultKey = keyResultsHash()
	t.UpdatedAt = now
	if !wasDLQ {
		t.LastKnownLocation = domain.LocationNone
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, keyResultsHash(), taskID, marshal(rec))
	pipe.HSet(ctx, keyTasksHash(), taskID, marshal(t))
	pipe.SRem(ctx, keyQueueInprog(t.Kind), taskID)
	pipe.Del(ctx, keyLease(taskID), keyDocuments(taskID))
	pipe.ZAdd(ctx, keyTTLIndex(), &redis.Z{Score: float64(now.Add(taskRetention).UTC().Unix()), Member: taskID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis finish task: %w", err)
	}

	// Dead-lettered tasks were already counted by Nack.
	if !wasDLQ {
		metrics.TaskCompletedTotal.WithLabelValues(string(t.Kind), string(status)).Inc()
		if d := now.Sub(t.CreatedAt).Seconds(); d >= 0 {
			metrics.TaskProcessingLatencySeconds.WithLabelValues(string(t.Kind), string(status)).Observe(d)
		}
	}
	return &rec, nil
}

func (r *resultRedisRepo) GetResult(ctx context.Context, taskID string) (*domain.ResultRecord, error) {
	js, err := r.rdb.HGet(ctx, keyResultsHash(), taskID).Result()
	if err == redis.Nil || (err == nil && js == "") {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis HGET result: %w", err)
	}
	var rec domain.ResultRecord
	if err := json.Unmarshal([]byte(js), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &rec, nil
}

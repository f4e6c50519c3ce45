package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// WorkerRegistry keeps a ZSET of worker IDs scored by their last heartbeat (epoch seconds).
type WorkerRegistry interface {
	Heartbeat(ctx context.Context, workerID string) error
	CountLive(ctx context.Context, window time.Duration) (int, error)
}

type workerRedisRegistry struct {
	rdb *redis.Client
}

func NewWorkerRegistry(rdb *redis.Client) WorkerRegistry {
	return &workerRedisRegistry{rdb: rdb}
}

func (w *workerRedisRegistry) Heartbeat(ctx context.Context, workerID string) error {
	return w.rdb.ZAdd(ctx, keyWorkers(), &redis.Z{Score: float64(time.Now().UTC().Unix()), Member: workerID}).Err()
}

func (w *workerRedisRegistry) CountLive(ctx context.Context, window time.Duration) (int, error) {
	cutoff := strconv.FormatInt(time.Now().Add(-window).UTC().Unix(), 10)
	// Prune stale members so the set does not grow with every restarted worker.
	if err := w.rdb.ZRemRangeByScore(ctx, keyWorkers(), "-inf", "("+cutoff).Err(); err != nil && err != redis.Nil {
		return 0, err
	}
	n, err := w.rdb.ZCount(ctx, keyWorkers(), cutoff, "+inf").Result()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	return int(n), nil
}

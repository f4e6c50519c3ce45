package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/osvaldoandrade/markerq/internal/backoff"
	"github.com/osvaldoandrade/markerq/internal/metrics"
	"github.com/osvaldoandrade/markerq/pkg/domain"
	"github.com/osvaldoandrade/markerq/pkg/persistence"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

type TaskRepository interface {
	Enqueue(ctx context.Context, kind domain.TaskKind, docs []domain.Document, opts persistence.EnqueueOptions) (*domain.Task, error)
	Documents(ctx context.Context, taskID string) ([]domain.Document, error)
	Claim(ctx context.Context, workerID string, kinds []domain.TaskKind, leaseSeconds int, inspectLimit int, maxAttemptsDefault int) (*domain.Task, bool, error)
	Heartbeat(ctx context.Context, taskID string, workerID string, extendSeconds int) error
	Abandon(ctx context.Context, taskID string, workerID string) error
	Nack(ctx context.Context, taskID string, workerID string, delaySeconds int, maxAttemptsDefault int, reason string) (int, bool, error)
	MoveDueDelayed(ctx context.Context, kind domain.TaskKind, limit int) (int, error)
	PublishProgress(ctx context.Context, taskID string, p domain.ProgressSnapshot) error
	Progress(ctx context.Context, taskID string) (*domain.ProgressSnapshot, error)
	Get(ctx context.Context, taskID string) (*domain.Task, error)
	QueueStats(ctx context.Context, kind domain.TaskKind) (*domain.QueueStats, error)
	CleanupExpired(ctx context.Context, limit int, before time.Time) (int, error)
}

type taskRedisRepo struct {
	rdb   *redis.Client
	tz    *time.Location
	retry backoff.Policy

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewTaskRepository stores queued tasks in rdb. Zero retry fields default to
// exp_full_jitter between 5s and 15m.
func NewTaskRepository(rdb *redis.Client, tz *time.Location, retry backoff.Policy) TaskRepository {
	if tz == nil {
		tz = time.UTC
	}
	if retry.BaseSeconds <= 0 {
		retry.BaseSeconds = 5
	}
	if retry.MaxSeconds <= 0 {
		retry.MaxSeconds = 900
	}
	if retry.Name == "" {
		retry.Name = backoff.PolicyExpFullJitter
	}
	return &taskRedisRepo{
		rdb:   rdb,
		tz:    tz,
		retry: retry,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Retention is logical: the TTL index is swept by CleanupExpired, nothing expires natively.
const taskRetention = 24 * time.Hour

const defaultLeaseSeconds = 60

// Progress snapshots outlive the task record so late pollers still see the final count.
const progressRetention = 48 * time.Hour

func keyTasksHash() string            { return "marker:tasks" }
func keyTTLIndex() string             { return "marker:tasks:ttl" }
func keyResultsHash() string          { return "marker:results" }
func keyLease(id string) string       { return "marker:lease:" + id }
func keyDocuments(id string) string   { return "marker:docs:" + id }
func keyProgress(id string) string    { return "marker:progress:" + id }
func keyWorkers() string              { return "marker:workers" }
func keyQueue(kind domain.TaskKind, state string) string {
	return fmt.Sprintf("marker:q:%s:%s", kind, state)
}
func keyQueuePending(kind domain.TaskKind) string { return keyQueue(kind, "pending") }
func keyQueueInprog(kind domain.TaskKind) string  { return keyQueue(kind, "inprog") }
func keyQueueDelayed(kind domain.TaskKind) string { return keyQueue(kind, "delayed") }
func keyQueueDLQ(kind domain.TaskKind) string     { return keyQueue(kind, "dlq") }

func (r *taskRedisRepo) now() time.Time { return time.Now().In(r.tz) }

func marshal(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalTask(jsonStr string) (*domain.Task, error) {
	var t domain.Task
	if err := json.Unmarshal([]byte(jsonStr), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func loadTask(ctx context.Context, rdb *redis.Client, id string) (*domain.Task, error) {
	js, err := rdb.HGet(ctx, keyTasksHash(), id).Result()
	if err == redis.Nil || (err == nil && js == "") {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("HGET task: %w", err)
	}
	t, err := unmarshalTask(js)
	if err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return t, nil
}

func (r *taskRedisRepo) registerTTL(ctx context.Context, id string, expireAt time.Time) error {
	z := &redis.Z{Score: float64(expireAt.UTC().Unix()), Member: id}
	return r.rdb.ZAdd(ctx, keyTTLIndex(), z).Err()
}

func (r *taskRedisRepo) bumpTTL(ctx context.Context, id string) {
	_ = r.registerTTL(ctx, id, r.now().Add(taskRetention))
}

func (r *taskRedisRepo) backoffDelay(attempts int) int {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.retry.Seconds(attempts, r.rng)
}

func (r *taskRedisRepo) removeTaskFully(ctx context.Context, id string) error {
	kinds := domain.AllKinds()
	if t, err := loadTask(ctx, r.rdb, id); err == nil {
		kinds = []domain.TaskKind{t.Kind}
	}

	pipe := r.rdb.TxPipeline()
	pipe.HDel(ctx, keyTasksHash(), id)
	pipe.HDel(ctx, keyResultsHash(), id)
	pipe.ZRem(ctx, keyTTLIndex(), id)
	pipe.Del(ctx, keyLease(id), keyDocuments(id), keyProgress(id))
	for _, k := range kinds {
		pipe.LRem(ctx, keyQueuePending(k), 0, id)
		pipe.SRem(ctx, keyQueueInprog(k), id)
		pipe.ZRem(ctx, keyQueueDelayed(k), id)
		pipe.LRem(ctx, keyQueueDLQ(k), 0, id)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *taskRedisRepo) Enqueue(ctx context.Context, kind domain.TaskKind, docs []domain.Document, opts persistence.EnqueueOptions) (*domain.Task, error) {
	now := r.now()
	id := uuid.NewString()

	filenames := make([]string, len(docs))
	for i, d := range docs {
		filenames[i] = d.Filename
	}
	task := domain.Task{
		ID:                id,
		Kind:              kind,
		Total:             len(docs),
		Filenames:         filenames,
		Webhook:           opts.Webhook,
		TraceParent:       opts.TraceParent,
		TraceState:        opts.TraceState,
		Status:            domain.StatusPending,
		LastKnownLocation: domain.LocationPending,
		MaxAttempts:       opts.MaxAttempts,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	// Documents first: a worker must never claim a task whose payload is missing.
	if err := r.rdb.Set(ctx, keyDocuments(id), marshal(docs), 0).Err(); err != nil {
		return nil, fmt.Errorf("redis SET documents: %w", err)
	}
	if err := r.rdb.HSet(ctx, keyTasksHash(), id, marshal(task)).Err(); err != nil {
		return nil, fmt.Errorf("redis HSET task: %w", err)
	}
	if err := r.registerTTL(ctx, id, now.Add(taskRetention)); err != nil {
		return nil, fmt.Errorf("redis ZADD ttl-index: %w", err)
	}
	if err := r.rdb.LPush(ctx, keyQueuePending(kind), id).Err(); err != nil {
		return nil, fmt.Errorf("redis LPUSH queue: %w", err)
	}

	metrics.TaskCreatedTotal.WithLabelValues(string(kind)).Inc()
	return &task, nil
}

func (r *taskRedisRepo) Documents(ctx context.Context, taskID string) ([]domain.Document, error) {
	js, err := r.rdb.Get(ctx, keyDocuments(taskID)).Result()
	if err == redis.Nil {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GET documents: %w", err)
	}
	var docs []domain.Document
	if err := json.Unmarshal([]byte(js), &docs); err != nil {
		return nil, fmt.Errorf("unmarshal documents: %w", err)
	}
	return docs, nil
}

// claimMoveScript atomically pops one ID from the pending list, tracks it in the
// in-progress set and takes its lease. An ID never sits in in-progress without a
// lease, so the expiry sweep cannot mistake a fresh claim for an abandoned one.
// Duplicate IDs already present in in-progress are skipped.
//
// KEYS[1] = pending list key
// KEYS[2] = in-progress set key
// ARGV[1] = max inner iterations (int)
// ARGV[2] = worker id
// ARGV[3] = lease seconds
// ARGV[4] = lease key prefix
var claimMoveScript = redis.NewScript(`
local src = KEYS[1]
local dst = KEYS[2]
local maxIter = tonumber(ARGV[1]) or 1
for i=1,maxIter do
  local id = redis.call("RPOP", src)
  if not id then
    return false
  end
  if redis.call("SADD", dst, id) == 1 then
    redis.call("SET", ARGV[4] .. id, ARGV[2], "EX", tonumber(ARGV[3]))
    return id
  end
end
return false
`)

// progressScript stores current/total unless the stored current is already higher.
//
// KEYS[1] = progress hash
// ARGV[1] = current, ARGV[2] = total, ARGV[3] = ttl seconds
var progressScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "current")
if cur and tonumber(cur) > tonumber(ARGV[1]) then
  return 0
end
redis.call("HSET", KEYS[1], "current", ARGV[1])
redis.call("HSET", KEYS[1], "total", ARGV[2])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[3]))
return 1
`)

func (r *taskRedisRepo) requeueExpired(ctx context.Context, kind domain.TaskKind, inspectLimit int, maxAttemptsDefault int) (int, error) {
	inprog := keyQueueInprog(kind)
	if inspectLimit <= 0 {
		inspectLimit = 200
	}
	ids, err := r.rdb.SRandMemberN(ctx, inprog, int64(inspectLimit)).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("SRANDMEMBER inprog: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := r.rdb.Pipeline()
	ttlCmds := make([]*redis.DurationCmd, 0, len(ids))
	for _, id := range ids {
		ttlCmds = append(ttlCmds, pipe.TTL(ctx, keyLease(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, fmt.Errorf("pipeline TTL leases: %w", err)
	}

	moved := 0
	for i, id := range ids {
		ttl, err := ttlCmds[i].Result()
		if err != nil && err != redis.Nil {
			return moved, fmt.Errorf("TTL lease: %w", err)
		}
		if ttl > 0 {
			continue
		}

		t, err := loadTask(ctx, r.rdb, id)
		if errors.Is(err, persistence.ErrNotFound) {
			_ = r.rdb.SRem(ctx, inprog, id).Err()
			continue
		}
		if err != nil {
			return moved, err
		}
		if t.Status.Terminal() {
			_ = r.rdb.SRem(ctx, inprog, id).Err()
			continue
		}
		// Only a leased task can have an expired lease.
		if t.Status != domain.StatusInProgress {
			continue
		}

		metrics.LeaseExpiredTotal.WithLabelValues(string(kind)).Inc()
		if _, _, err := r.Nack(ctx, id, "", r.backoffDelay(t.Attempts), maxAttemptsDefault, "LEASE_EXPIRED"); err != nil {
			if errors.Is(err, persistence.ErrNotInProgress) {
				continue
			}
			return moved, fmt.Errorf("requeue expired %s: %w", id, err)
		}
		moved++
	}
	return moved, nil
}

func (r *taskRedisRepo) MoveDueDelayed(ctx context.Context, kind domain.TaskKind, limit int) (int, error) {
	delayed := keyQueueDelayed(kind)
	if limit <= 0 {
		limit = 200
	}
	maxTS := strconv.FormatInt(r.now().UTC().Unix(), 10)
	zrange := &redis.ZRangeBy{Min: "-inf", Max: maxTS, Offset: 0, Count: int64(limit)}

	ids, err := r.rdb.ZRangeByScore(ctx, delayed, zrange).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("ZRANGEBYSCORE delayed: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	moved := 0
	for _, id := range ids {
		t, err := loadTask(ctx, r.rdb, id)
		if err != nil {
			_ = r.rdb.ZRem(ctx, delayed, id).Err()
			continue
		}
		t.Status = domain.StatusPending
		t.LastKnownLocation = domain.LocationPending
		t.WorkerID = ""
		t.LeaseUntil = ""
		t.UpdatedAt = r.now()

		pipe := r.rdb.TxPipeline()
		pipe.ZRem(ctx, delayed, id)
		pipe.LPush(ctx, keyQueuePending(kind), id)
		pipe.HSet(ctx, keyTasksHash(), id, marshal(t))
		if _, err := pipe.Exec(ctx); err != nil {
			return moved, err
		}
		r.bumpTTL(ctx, id)
		moved++
	}
	return moved, nil
}

func (r *taskRedisRepo) Claim(ctx context.Context, workerID string, kinds []domain.TaskKind, leaseSeconds int, inspectLimit int, maxAttemptsDefault int) (*domain.Task, bool, error) {
	if inspectLimit <= 0 {
		inspectLimit = 200
	}
	if leaseSeconds <= 0 {
		leaseSeconds = defaultLeaseSeconds
	}
	for _, k := range kinds {
		if _, err := r.MoveDueDelayed(ctx, k, inspectLimit); err != nil {
			return nil, false, err
		}
		if _, err := r.requeueExpired(ctx, k, inspectLimit, maxAttemptsDefault); err != nil {
			return nil, false, err
		}
	}

	tryPop := func(kind domain.TaskKind) (*domain.Task, bool, error) {
		src := keyQueuePending(kind)
		dst := keyQueueInprog(kind)

		for i := 0; i < inspectLimit; i++ {
			res, err := claimMoveScript.Run(ctx, r.rdb, []string{src, dst}, 1, workerID, leaseSeconds, keyLease("")).Result()
			if err == redis.Nil {
				return nil, false, nil
			}
			if err != nil {
				return nil, false, fmt.Errorf("claim move script: %w", err)
			}
			id, ok := res.(string)
			if !ok || id == "" {
				return nil, false, nil
			}

			// The record may have been swept by cleanup while the ID sat in the
			// list, or finished while a stale copy of the ID was still queued.
			t, err := loadTask(ctx, r.rdb, id)
			if err != nil || t.Status.Terminal() {
				_ = r.rdb.SRem(ctx, dst, id).Err()
				_ = r.rdb.Del(ctx, keyLease(id)).Err()
				continue
			}

			t.Status = domain.StatusInProgress
			t.LastKnownLocation = domain.LocationInProgress
			t.WorkerID = workerID
			t.LeaseUntil = r.now().Add(time.Duration(leaseSeconds) * time.Second).UTC().Format(time.RFC3339)
			t.UpdatedAt = r.now()
			if err := r.rdb.HSet(ctx, keyTasksHash(), t.ID, marshal(t)).Err(); err != nil {
				return nil, false, fmt.Errorf("HSET task inprogress: %w", err)
			}
			r.bumpTTL(ctx, t.ID)

			metrics.TaskClaimedTotal.WithLabelValues(string(kind)).Inc()
			return t, true, nil
		}
		return nil, false, nil
	}

	for _, k := range kinds {
		if task, ok, err := tryPop(k); err != nil {
			return nil, false, err
		} else if ok {
			return task, true, nil
		}
	}
	return nil, false, nil
}

func (r *taskRedisRepo) Heartbeat(ctx context.Context, taskID string, workerID string, extendSeconds int) error {
	t, err := loadTask(ctx, r.rdb, taskID)
	if err != nil {
		return err
	}
	if t.Status != domain.StatusInProgress {
		return persistence.ErrNotInProgress
	}
	if t.WorkerID != workerID {
		return persistence.ErrNotOwner
	}

	if err := r.rdb.Expire(ctx, keyLease(taskID), time.Duration(extendSeconds)*time.Second).Err(); err != nil {
		return fmt.Errorf("lease expire: %w", err)
	}
	t.LeaseUntil = r.now().Add(time.Duration(extendSeconds) * time.Second).UTC().Format(time.RFC3339)
	t.UpdatedAt = r.now()
	if err := r.rdb.HSet(ctx, keyTasksHash(), t.ID, marshal(t)).Err(); err != nil {
		return fmt.Errorf("HSET task: %w", err)
	}
	r.bumpTTL(ctx, t.ID)
	return nil
}

func (r *taskRedisRepo) Abandon(ctx context.Context, taskID string, workerID string) error {
	t, err := loadTask(ctx, r.rdb, taskID)
	if err != nil {
		return err
	}
	if t.Status != domain.StatusInProgress {
		return persistence.ErrNotInProgress
	}
	if t.WorkerID != workerID {
		return persistence.ErrNotOwner
	}

	t.Status = domain.StatusPending
	t.LastKnownLocation = domain.LocationPending
	t.WorkerID = ""
	t.LeaseUntil = ""
	t.UpdatedAt = r.now()

	pipe := r.rdb.TxPipeline()
	pipe.SRem(ctx, keyQueueInprog(t.Kind), taskID)
	pipe.LPush(ctx, keyQueuePending(t.Kind), taskID)
	pipe.Del(ctx, keyLease(taskID))
	pipe.HSet(ctx, keyTasksHash(), t.ID, marshal(t))
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	r.bumpTTL(ctx, t.ID)
	return nil
}

func (r *taskRedisRepo) Nack(ctx context.Context, taskID string, workerID string, delaySeconds int, maxAttemptsDefault int, reason string) (int, bool, error) {
	t, err := loadTask(ctx, r.rdb, taskID)
	if err != nil {
		return 0, false, err
	}
	if workerID != "" && t.WorkerID != workerID {
		return 0, false, persistence.ErrNotOwner
	}
	if t.Status != domain.StatusInProgress {
		return 0, false, persistence.ErrNotInProgress
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = maxAttemptsDefault
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = 1
	}

	t.Attempts++
	retention := &redis.Z{Score: float64(r.now().Add(taskRetention).UTC().Unix()), Member: t.ID}

	if t.Attempts >= t.MaxAttempts {
		if reason == "" {
			reason = "MAX_ATTEMPTS"
		}
		t.Status = domain.StatusFailed
		t.LastKnownLocation = domain.LocationDLQ
		t.WorkerID = ""
		t.LeaseUntil = ""
		t.Error = reason
		t.UpdatedAt = r.now()

		pipe := r.rdb.TxPipeline()
		pipe.SRem(ctx, keyQueueInprog(t.Kind), taskID)
		pipe.Del(ctx, keyLease(taskID))
		pipe.LPush(ctx, keyQueueDLQ(t.Kind), taskID)
		pipe.HSet(ctx, keyTasksHash(), t.ID, marshal(t))
		pipe.ZAdd(ctx, keyTTLIndex(), retention)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, false, err
		}

		metrics.TaskCompletedTotal.WithLabelValues(string(t.Kind), string(t.Status)).Inc()
		if d := r.now().Sub(t.CreatedAt).Seconds(); d >= 0 {
			metrics.TaskProcessingLatencySeconds.WithLabelValues(string(t.Kind), string(t.Status)).Observe(d)
		}
		return 0, true, nil
	}

	if delaySeconds < 0 {
		delaySeconds = 0
	}
	visibleAt := r.now().Add(time.Duration(delaySeconds) * time.Second).UTC().Unix()

	t.Status = domain.StatusPending
	t.LastKnownLocation = domain.LocationDelayed
	t.WorkerID = ""
	t.LeaseUntil = ""
	t.Error = reason
	t.UpdatedAt = r.now()

	pipe := r.rdb.TxPipeline()
	pipe.SRem(ctx, keyQueueInprog(t.Kind), taskID)
	pipe.Del(ctx, keyLease(taskID))
	pipe.ZAdd(ctx, keyQueueDelayed(t.Kind), &redis.Z{Score: float64(visibleAt), Member: taskID})
	pipe.HSet(ctx, keyTasksHash(), t.ID, marshal(t))
	pipe.ZAdd(ctx, keyTTLIndex(), retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, false, err
	}
	return delaySeconds, false, nil
}

func (r *taskRedisRepo) PublishProgress(ctx context.Context, taskID string, p domain.ProgressSnapshot) error {
	ttl := int(progressRetention / time.Second)
	if err := progressScript.Run(ctx, r.rdb, []string{keyProgress(taskID)}, p.Current, p.Total, ttl).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("progress script: %w", err)
	}
	return nil
}

func (r *taskRedisRepo) Progress(ctx context.Context, taskID string) (*domain.ProgressSnapshot, error) {
	vals, err := r.rdb.HGetAll(ctx, keyProgress(taskID)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("HGETALL progress: %w", err)
	}
	if len(vals) == 0 {
		return nil, persistence.ErrNotFound
	}
	cur, err1 := strconv.Atoi(vals["current"])
	total, err2 := strconv.Atoi(vals["total"])
	if err1 != nil || err2 != nil {
		return nil, fmt.Errorf("corrupt progress for %s", taskID)
	}
	return &domain.ProgressSnapshot{Current: cur, Total: total}, nil
}

func (r *taskRedisRepo) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	return loadTask(ctx, r.rdb, taskID)
}

func (r *taskRedisRepo) QueueStats(ctx context.Context, kind domain.TaskKind) (*domain.QueueStats, error) {
	pipe := r.rdb.Pipeline()
	ready := pipe.LLen(ctx, keyQueuePending(kind))
	inprog := pipe.SCard(ctx, keyQueueInprog(kind))
	delayed := pipe.ZCard(ctx, keyQueueDelayed(kind))
	dlq := pipe.LLen(ctx, keyQueueDLQ(kind))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}
	return &domain.QueueStats{
		Kind:       kind,
		Ready:      ready.Val(),
		Delayed:    delayed.Val(),
		InProgress: inprog.Val(),
		DLQ:        dlq.Val(),
	}, nil
}

func (r *taskRedisRepo) CleanupExpired(ctx context.Context, limit int, before time.Time) (int, error) {
	if limit <= 0 {
		limit = 1000
	}
	maxTS := strconv.FormatInt(before.UTC().Unix(), 10)
	zrange := &redis.ZRangeBy{Min: "-inf", Max: maxTS, Offset: 0, Count: int64(limit)}

	ids, err := r.rdb.ZRangeByScore(ctx, keyTTLIndex(), zrange).Result()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	deleted := 0
	for _, id := range ids {
		if err := r.removeTaskFully(ctx, id); err == nil {
			deleted++
		}
	}
	return deleted, nil
}

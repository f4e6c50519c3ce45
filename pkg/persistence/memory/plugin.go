package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/osvaldoandrade/markerq/internal/backoff"
	"github.com/osvaldoandrade/markerq/pkg/domain"
	"github.com/osvaldoandrade/markerq/pkg/persistence"
)

const taskRetention = 24 * time.Hour

// Plugin implements PluginPersistence in process memory.
// It backs the single-process deployment (embedded workers) and the service tests.
type Plugin struct {
	mu        sync.RWMutex
	tasks     map[string]*domain.Task
	documents map[string][]domain.Document
	results   map[string]*domain.ResultRecord
	progress  map[string]domain.ProgressSnapshot
	pending   map[domain.TaskKind][]string
	delayed   map[string]time.Time
	leases    map[string]*lease
	dlq       map[domain.TaskKind][]string
	expireAt  map[string]time.Time
	workers   map[string]time.Time

	tz                 *time.Location
	retry              backoff.Policy
	maxAttemptsDefault int
	rng                *rand.Rand

	now func() time.Time
}

type lease struct {
	workerID  string
	expiresAt time.Time
}

// NewPlugin creates a new in-memory persistence plugin
func NewPlugin(opts persistence.Options) (persistence.PluginPersistence, error) {
	return New(opts), nil
}

// New is NewPlugin with a concrete return type, for tests that need to steer the clock.
func New(opts persistence.Options) *Plugin {
	tz := opts.Timezone
	if tz == nil {
		tz = time.UTC
	}
	return &Plugin{
		tasks:              make(map[string]*domain.Task),
		documents:          make(map[string][]domain.Document),
		results:            make(map[string]*domain.ResultRecord),
		progress:           make(map[string]domain.ProgressSnapshot),
		pending:            make(map[domain.TaskKind][]string),
		delayed:            make(map[string]time.Time),
		leases:             make(map[string]*lease),
		dlq:                make(map[domain.TaskKind][]string),
		expireAt:           make(map[string]time.Time),
		workers:            make(map[string]time.Time),
		tz:                 tz,
		retry:              opts.Retry,
		maxAttemptsDefault: opts.MaxAttempts,
		rng:                rand.New(rand.NewSource(time.Now().UnixNano())),
		now:                time.Now,
	}
}

// SetClock replaces the time source.
func (p *Plugin) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

func (p *Plugin) clock() time.Time { return p.now().In(p.tz) }

func (p *Plugin) TaskStorage() persistence.TaskStorage { return &taskStorage{plugin: p} }

func (p *Plugin) ResultStorage() persistence.ResultStorage { return &resultStorage{plugin: p} }

func (p *Plugin) WorkerRegistry() persistence.WorkerRegistry { return &workerRegistry{plugin: p} }

// Health always returns nil for in-memory storage
func (p *Plugin) Health(ctx context.Context) error { return nil }

// Close is a no-op for in-memory storage
func (p *Plugin) Close() error { return nil }

func init() {
	persistence.Register(persistence.BackendMemory, NewPlugin)
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func copyTask(t *domain.Task) *domain.Task {
	c := *t
	c.Filenames = append([]string(nil), t.Filenames...)
	return &c
}

type taskStorage struct {
	plugin *Plugin
}

func (s *taskStorage) Enqueue(ctx context.Context, kind domain.TaskKind, docs []domain.Document, opts persistence.EnqueueOptions) (*domain.Task, error) {
	p := s.plugin
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	filenames := make([]string, len(docs))
	for i, d := range docs {
		filenames[i] = d.Filename
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.maxAttemptsDefault
	}
	task := &domain.Task{
		ID:                uuid.NewString(),
		Kind:              kind,
		Total:             len(docs),
		Filenames:         filenames,
		Webhook:           opts.Webhook,
		TraceParent:       opts.TraceParent,
		TraceState:        opts.TraceState,
		Status:            domain.StatusPending,
		LastKnownLocation: domain.LocationPending,
		MaxAttempts:       maxAttempts,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	p.tasks[task.ID] = task
	p.documents[task.ID] = append([]domain.Document(nil), docs...)
	p.pending[kind] = append(p.pending[kind], task.ID)
	p.expireAt[task.ID] = now.Add(taskRetention)
	return copyTask(task), nil
}

func (s *taskStorage) Get(ctx context.Context, id string) (*domain.Task, error) {
	s.plugin.mu.RLock()
	defer s.plugin.mu.RUnlock()

	task, ok := s.plugin.tasks[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return copyTask(task), nil
}

func (s *taskStorage) Documents(ctx context.Context, id string) ([]domain.Document, error) {
	s.plugin.mu.RLock()
	defer s.plugin.mu.RUnlock()

	docs, ok := s.plugin.documents[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return append([]domain.Document(nil), docs...), nil
}

// repair moves due delayed tasks back to pending and retries tasks whose lease ran out. Caller holds the lock.
func (s *taskStorage) repair(now time.Time) {
	p := s.plugin
	for id, at := range p.delayed {
		if at.After(now) {
			continue
		}
		delete(p.delayed, id)
		t, ok := p.tasks[id]
		if !ok {
			continue
		}
		t.Status = domain.StatusPending
		t.LastKnownLocation = domain.LocationPending
		t.UpdatedAt = now
		p.pending[t.Kind] = append(p.pending[t.Kind], id)
	}
	for id, l := range p.leases {
		if l.expiresAt.After(now) {
			continue
		}
		t, ok := p.tasks[id]
		if !ok {
			delete(p.leases, id)
			continue
		}
		delay := p.retry.Seconds(t.Attempts, p.rng)
		s.nackLocked(t, delay, "LEASE_EXPIRED", now)
	}
}

func (s *taskStorage) Claim(ctx context.Context, workerID string, kinds []domain.TaskKind, leaseSeconds int) (*domain.Task, bool, error) {
	p := s.plugin
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	s.repair(now)

	for _, kind := range kinds {
		queue := p.pending[kind]
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			t, ok := p.tasks[id]
			if !ok {
				continue
			}
			p.pending[kind] = queue
			until := now.Add(time.Duration(leaseSeconds) * time.Second)
			p.leases[id] = &lease{workerID: workerID, expiresAt: until}
			t.Status = domain.StatusInProgress
			t.LastKnownLocation = domain.LocationInProgress
			t.WorkerID = workerID
			t.LeaseUntil = until.UTC().Format(time.RFC3339)
			t.UpdatedAt = now
			p.expireAt[id] = now.Add(taskRetention)
			return copyTask(t), true, nil
		}
		p.pending[kind] = queue
	}
	return nil, false, nil
}

func (s *taskStorage) leased(id string, workerID string) (*domain.Task, error) {
	t, ok := s.plugin.tasks[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	if t.Status != domain.StatusInProgress {
		return nil, persistence.ErrNotInProgress
	}
	if workerID != "" && t.WorkerID != workerID {
		return nil, persistence.ErrNotOwner
	}
	return t, nil
}

func (s *taskStorage) Heartbeat(ctx context.Context, id string, workerID string, extendSeconds int) error {
	p := s.plugin
	p.mu.Lock()
	defer p.mu.Unlock()

	t, err := s.leased(id, workerID)
	if err != nil {
		return err
	}
	now := p.clock()
	until := now.Add(time.Duration(extendSeconds) * time.Second)
	if l, ok := p.leases[id]; ok {
		l.expiresAt = until
	}
	t.LeaseUntil = until.UTC().Format(time.RFC3339)
	t.UpdatedAt = now
	p.expireAt[id] = now.Add(taskRetention)
	return nil
}

func (s *taskStorage) Abandon(ctx context.Context, id string, workerID string) error {
	p := s.plugin
	p.mu.Lock()
	defer p.mu.Unlock()

	t, err := s.leased(id, workerID)
	if err != nil {
		return err
	}
	delete(p.leases, id)
	t.Status = domain.StatusPending
	t.LastKnownLocation = domain.LocationPending
	t.WorkerID = ""
	t.LeaseUntil = ""
	t.UpdatedAt = p.clock()
	p.pending[t.Kind] = append(p.pending[t.Kind], id)
	return nil
}

func (s *taskStorage) nackLocked(t *domain.Task, delaySeconds int, reason string, now time.Time) (int, bool) {
	p := s.plugin
	delete(p.leases, t.ID)
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = p.maxAttemptsDefault
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = 1
	}
	t.Attempts++
	t.WorkerID = ""
	t.LeaseUntil = ""
	t.Error = reason
	t.UpdatedAt = now
	p.expireAt[t.ID] = now.Add(taskRetention)

	if t.Attempts >= t.MaxAttempts {
		t.Status = domain.StatusFailed
		t.LastKnownLocation = domain.LocationDLQ
		p.dlq[t.Kind] = append(p.dlq[t.Kind], t.ID)
		return 0, true
	}
	if delaySeconds < 0 {
		delaySeconds = 0
	}
	t.Status = domain.StatusPending
	t.LastKnownLocation = domain.LocationDelayed
	p.delayed[t.ID] = now.Add(time.Duration(delaySeconds) * time.Second)
	return delaySeconds, false
}

func (s *taskStorage) Nack(ctx context.Context, id string, workerID string, delaySeconds int, reason string) (int, bool, error) {
	p := s.plugin
	p.mu.Lock()
	defer p.mu.Unlock()

	t, err := s.leased(id, workerID)
	if err != nil {
		return 0, false, err
	}
	delay, dead := s.nackLocked(t, delaySeconds, reason, p.clock())
	return delay, dead, nil
}

func (s *taskStorage) PublishProgress(ctx context.Context, id string, snap domain.ProgressSnapshot) error {
	s.plugin.mu.Lock()
	defer s.plugin.mu.Unlock()

	if cur, ok := s.plugin.progress[id]; ok && cur.Current > snap.Current {
		return nil
	}
	s.plugin.progress[id] = snap
	return nil
}

func (s *taskStorage) Progress(ctx context.Context, id string) (*domain.ProgressSnapshot, error) {
	s.plugin.mu.RLock()
	defer s.plugin.mu.RUnlock()

	snap, ok := s.plugin.progress[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return &snap, nil
}

func (s *taskStorage) QueueStats(ctx context.Context, kind domain.TaskKind) (*domain.QueueStats, error) {
	p := s.plugin
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := &domain.QueueStats{
		Kind:  kind,
		Ready: int64(len(p.pending[kind])),
		DLQ:   int64(len(p.dlq[kind])),
	}
	for id := range p.delayed {
		if t, ok := p.tasks[id]; ok && t.Kind == kind {
			stats.Delayed++
		}
	}
	for id := range p.leases {
		if t, ok := p.tasks[id]; ok && t.Kind == kind {
			stats.InProgress++
		}
	}
	return stats, nil
}

func (s *taskStorage) CleanupExpired(ctx context.Context, limit int, before time.Time) (int, error) {
	p := s.plugin
	p.mu.Lock()
	defer p.mu.Unlock()

	if limit <= 0 {
		limit = 1000
	}
	deleted := 0
	for id, at := range p.expireAt {
		if deleted >= limit {
			break
		}
		if at.After(before) {
			continue
		}
		if t, ok := p.tasks[id]; ok {
			p.pending[t.Kind] = removeID(p.pending[t.Kind], id)
			p.dlq[t.Kind] = removeID(p.dlq[t.Kind], id)
		}
		delete(p.tasks, id)
		delete(p.documents, id)
		delete(p.results, id)
		delete(p.progress, id)
		delete(p.delayed, id)
		delete(p.leases, id)
		delete(p.expireAt, id)
		deleted++
	}
	return deleted, nil
}

type resultStorage struct {
	plugin *Plugin
}

func (s *resultStorage) finish(id string, workerID string, status domain.TaskStatus, results []domain.ConversionResult, reason string) (*domain.ResultRecord, error) {
	p := s.plugin
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.tasks[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	if workerID != "" {
		if t.Status != domain.StatusInProgress {
			return nil, persistence.ErrNotInProgress
		}
		if t.WorkerID != workerID {
			return nil, persistence.ErrNotOwner
		}
	}

	now := p.clock()
	rec := &domain.ResultRecord{
		TaskID:      id,
		Kind:        t.Kind,
		Status:      status,
		Results:     append([]domain.ConversionResult(nil), results...),
		Error:       reason,
		CompletedAt: now,
	}
	p.results[id] = rec
	delete(p.leases, id)
	delete(p.documents, id)

	t.Status = status
	t.WorkerID = ""
	t.LeaseUntil = ""
	t.Error = reason
	t.ResultKey = "memory"
	t.UpdatedAt = now
	if t.LastKnownLocation != domain.LocationDLQ {
		t.LastKnownLocation = domain.LocationNone
	}
	p.expireAt[id] = now.Add(taskRetention)

	out := *rec
	return &out, nil
}

func (s *resultStorage) Complete(ctx context.Context, id string, workerID string, results []domain.ConversionResult) (*domain.ResultRecord, error) {
	return s.finish(id, workerID, domain.StatusCompleted, results, "")
}

func (s *resultStorage) Fail(ctx context.Context, id string, workerID string, reason string) (*domain.ResultRecord, error) {
	return s.finish(id, workerID, domain.StatusFailed, nil, reason)
}

func (s *resultStorage) Get(ctx context.Context, id string) (*domain.ResultRecord, error) {
	s.plugin.mu.RLock()
	defer s.plugin.mu.RUnlock()

	rec, ok := s.plugin.results[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	out := *rec
	return &out, nil
}

type workerRegistry struct {
	plugin *Plugin
}

func (w *workerRegistry) Heartbeat(ctx context.Context, workerID string) error {
	w.plugin.mu.Lock()
	defer w.plugin.mu.Unlock()
	w.plugin.workers[workerID] = w.plugin.clock()
	return nil
}

func (w *workerRegistry) CountLive(ctx context.Context, window time.Duration) (int, error) {
	w.plugin.mu.Lock()
	defer w.plugin.mu.Unlock()

	cutoff := w.plugin.clock().Add(-window)
	n := 0
	for id, seen := range w.plugin.workers {
		if seen.Before(cutoff) {
			delete(w.plugin.workers, id)
			continue
		}
		n++
	}
	return n, nil
}

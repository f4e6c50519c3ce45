package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/osvaldoandrade/markerq/internal/repository"
	"github.com/osvaldoandrade/markerq/pkg/persistence"

	"github.com/go-redis/redis/v8"
)

// Config holds Redis-specific configuration. URL wins over Addr when both are set.
type Config struct {
	URL      string `json:"url,omitempty"`
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
}

// Plugin implements PluginPersistence on Redis or KVRocks
type Plugin struct {
	client     *redis.Client
	taskRepo   repository.TaskRepository
	resultRepo repository.ResultRepository
	workers    repository.WorkerRegistry

	inspectLimit       int
	maxAttemptsDefault int
}

func clientOptions(cfg Config) (*redis.Options, error) {
	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opts, nil
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr or url is required")
	}
	return &redis.Options{Addr: cfg.Addr, Password: cfg.Password}, nil
}

// NewPlugin creates a new Redis persistence plugin
func NewPlugin(opts persistence.Options) (persistence.PluginPersistence, error) {
	var cfg Config
	if len(opts.Raw) > 0 {
		if err := json.Unmarshal(opts.Raw, &cfg); err != nil {
			return nil, err
		}
	}
	copts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}
	return NewPluginWithClient(redis.NewClient(copts), opts), nil
}

// NewPluginWithClient wires the repositories onto an existing client, which the plugin then owns.
func NewPluginWithClient(client *redis.Client, opts persistence.Options) *Plugin {
	return &Plugin{
		client:             client,
		taskRepo:           repository.NewTaskRepository(client, opts.Timezone, opts.Retry),
		resultRepo:         repository.NewResultRepository(client, opts.Timezone),
		workers:            repository.NewWorkerRegistry(client),
		inspectLimit:       opts.RequeueScan,
		maxAttemptsDefault: opts.MaxAttempts,
	}
}

func (p *Plugin) TaskStorage() persistence.TaskStorage {
	return &taskStorageAdapter{repo: p.taskRepo, inspectLimit: p.inspectLimit, maxAttemptsDefault: p.maxAttemptsDefault}
}

func (p *Plugin) ResultStorage() persistence.ResultStorage {
	return &resultStorageAdapter{repo: p.resultRepo}
}

func (p *Plugin) WorkerRegistry() persistence.WorkerRegistry {
	return p.workers
}

// Client exposes the underlying connection for collectors and the rate limiter.
func (p *Plugin) Client() *redis.Client {
	return p.client
}

// Health checks if Redis is healthy
func (p *Plugin) Health(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close releases Redis connection
func (p *Plugin) Close() error {
	return p.client.Close()
}

func init() {
	persistence.Register(persistence.BackendRedis, NewPlugin)
}

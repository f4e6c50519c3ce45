package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/osvaldoandrade/markerq/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
)

type redisCollector struct {
	rdb    *redis.Client
	logger *slog.Logger

	queueDepthDesc  *prometheus.Desc
	dlqDepthDesc    *prometheus.Desc
	workersLiveDesc *prometheus.Desc
	liveness        time.Duration
}

func newRedisCollector(rdb *redis.Client, logger *slog.Logger, liveness time.Duration) *redisCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisCollector{
		rdb:      rdb,
		logger:   logger,
		liveness: liveness,
		queueDepthDesc: prometheus.NewDesc(
			"marker_queue_depth",
			"Current queue depth by task kind and queue state.",
			[]string{"kind", "queue"},
			nil,
		),
		dlqDepthDesc: prometheus.NewDesc(
			"marker_dlq_depth",
			"Current dead-letter depth by task kind.",
			[]string{"kind"},
			nil,
		),
		workersLiveDesc: prometheus.NewDesc(
			"marker_workers_live",
			"Conversion workers that heartbeated within the liveness window.",
			nil,
			nil,
		),
	}
}

func (c *redisCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepthDesc
	ch <- c.dlqDepthDesc
	ch <- c.workersLiveDesc
}

func (c *redisCollector) Collect(ch chan<- prometheus.Metric) {
	if c.rdb == nil {
		return
	}

	// Keep Redis reads bounded so scrapes do not hang.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	kinds := domain.AllKinds()
	minScore := strconv.FormatInt(time.Now().Add(-c.liveness).UTC().Unix(), 10)

	pipe := c.rdb.Pipeline()
	readyCmds := make(map[domain.TaskKind]*redis.IntCmd, len(kinds))
	inprogCmds := make(map[domain.TaskKind]*redis.IntCmd, len(kinds))
	delayedCmds := make(map[domain.TaskKind]*redis.IntCmd, len(kinds))
	dlqCmds := make(map[domain.TaskKind]*redis.IntCmd, len(kinds))

	for _, k := range kinds {
		readyCmds[k] = pipe.LLen(ctx, queueKey(k, "pending"))
		inprogCmds[k] = pipe.SCard(ctx, queueKey(k, "inprog"))
		delayedCmds[k] = pipe.ZCard(ctx, queueKey(k, "delayed"))
		dlqCmds[k] = pipe.LLen(ctx, queueKey(k, "dlq"))
	}
	live := pipe.ZCount(ctx, "marker:workers", minScore, "+inf")

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		c.logger.Warn("prometheus redis collector failed", "err", err)
		return
	}

	for _, k := range kinds {
		dlq := dlqCmds[k].Val()
		emitGauge(ch, c.queueDepthDesc, float64(readyCmds[k].Val()), string(k), "ready")
		emitGauge(ch, c.queueDepthDesc, float64(delayedCmds[k].Val()), string(k), "delayed")
		emitGauge(ch, c.queueDepthDesc, float64(inprogCmds[k].Val()), string(k), "in_progress")
		emitGauge(ch, c.queueDepthDesc, float64(dlq), string(k), "dlq")
		emitGauge(ch, c.dlqDepthDesc, float64(dlq), string(k))
	}
	emitGauge(ch, c.workersLiveDesc, float64(live.Val()))
}

func emitGauge(ch chan<- prometheus.Metric, desc *prometheus.Desc, v float64, labelValues ...string) {
	m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, v, labelValues...)
	if err != nil {
		return
	}
	ch <- m
}

func queueKey(kind domain.TaskKind, state string) string {
	return fmt.Sprintf("marker:q:%s:%s", kind, state)
}

var registerRedisCollectorOnce sync.Once

func RegisterRedisCollector(rdb *redis.Client, logger *slog.Logger, liveness time.Duration) {
	registerRedisCollectorOnce.Do(func() {
		prometheus.MustRegister(newRedisCollector(rdb, logger, liveness))
	})
}

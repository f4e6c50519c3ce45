package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/osvaldoandrade/markerq/internal/converter"
	"github.com/osvaldoandrade/markerq/internal/metrics"
	"github.com/osvaldoandrade/markerq/internal/ratelimit"
	"github.com/osvaldoandrade/markerq/pkg/app"
	"github.com/osvaldoandrade/markerq/pkg/config"
	"github.com/osvaldoandrade/markerq/pkg/persistence"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	var (
		cfgPath     = getenv("MARKER_CONFIG_PATH", "")
		concurrency int
		workerID    string
		metricsAddr string
	)

	root := &cobra.Command{
		Use:          "markerq-worker",
		Short:        "Conversion worker for a distributed Marker API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfigOptional(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("concurrency") {
				cfg.WorkerConcurrency = concurrency
			}
			cfg.Mode = config.ModeDistributed
			if cfg.Broker != persistence.BackendRedis {
				return errors.New("a standalone worker needs the redis broker")
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return run(cfg, workerID, metricsAddr)
		},
	}
	root.Flags().StringVar(&cfgPath, "config", cfgPath, "YAML config file")
	root.Flags().IntVar(&concurrency, "concurrency", 1, "Documents converted in parallel")
	root.Flags().StringVar(&workerID, "id", "", "Worker id (default: hostname-based)")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", getenv("MARKER_WORKER_METRICS_ADDR", ""), "Serve /metrics on this address")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "[ERROR]", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, workerID, metricsAddr string) error {
	logger := app.NewLogger(cfg, "worker")
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}

	shutdownTracing, err := app.SetupTracing(cfg, logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	store, rdb, err := app.NewStore(cfg, loc)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer store.Close()
	if err := store.Health(context.Background()); err != nil {
		return fmt.Errorf("broker unreachable: %w", err)
	}

	var lim ratelimit.Limiter
	if rdb != nil {
		lim = ratelimit.NewRedisLimiter(rdb)
	}
	conv := converter.NewConverter(converter.NewDefaultLoader(logger, !cfg.DisableImages), logger)
	callback := app.NewCallback(cfg, logger, lim)
	worker := app.NewWorker(cfg, store, conv, callback, logger, workerID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if metricsAddr != "" {
		if rdb != nil {
			metrics.RegisterRedisCollector(rdb, logger, time.Duration(cfg.WorkerLivenessSeconds)*time.Second)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", "err", err)
			}
		}()
		go func() {
			<-ctx.Done()
			_ = srv.Shutdown(context.Background())
		}()
	}

	logger.Info("worker starting", "worker_id", worker.ID(), "concurrency", cfg.WorkerConcurrency)
	runErr := worker.Run(ctx)
	callback.Wait()
	stop()
	wg.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = shutdownTracing(flushCtx)
	return runErr
}

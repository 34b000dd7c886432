// Package main implements the asynx worker process.
// The worker drains the broker, dispatches due tasks and tracks metrics.
//
// Features:
//   - Concurrent dispatch with graceful shutdown
//   - Prometheus metrics exposed on /metrics
//   - Broker depth collector
//
// Usage:
//
//	go run cmd/worker/main.go -config config.yaml
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/asynxhq/asynx/pkg/config"
	"github.com/asynxhq/asynx/pkg/executor"
	"github.com/asynxhq/asynx/pkg/keystore"
	"github.com/asynxhq/asynx/pkg/logger"
	"github.com/asynxhq/asynx/pkg/queue"
)

// Prometheus metrics for monitoring dispatches.
var (
	// dispatchTotal tracks completed dispatch attempts by outcome and queue.
	// Labels:
	//   - status: "ok" or "error"
	//   - queue: "app:queue"
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asynx_dispatch_total",
		Help: "The total number of dispatch attempts",
	}, []string{"status", "queue"})

	// dispatchDuration tracks dispatch latency in seconds.
	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "asynx_dispatch_duration_seconds",
		Help:    "Duration of task dispatch including the HTTP call",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	// brokerDepth tracks the broker backlog per stage.
	brokerDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "asynx_broker_depth",
		Help: "Number of submissions in each broker stage",
	}, []string{"stage"})
)

// main initializes the worker, starts the metrics server, and drains the
// broker until SIGINT/SIGTERM.
func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Config load failed")
	}
	zone, err := cfg.Location()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Bad localzone")
	}

	store := keystore.New(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer store.Close()

	exec := executor.NewRedis(store)
	dispatcher := &queue.Dispatcher{
		Store:     store,
		Exec:      exec,
		Localzone: zone,
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Start Prometheus metrics server
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.Log.Info().Str("addr", cfg.Worker.MetricsAddr).Msg("Metrics server listening")
		if err := http.ListenAndServe(cfg.Worker.MetricsAddr, nil); err != nil {
			logger.Log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	// Setup graceful shutdown handlers
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Log.Info().Msg("Shutting down worker...")
		cancel()
	}()

	// Broker depth collector (updates gauges every 5 seconds)
	go collectBrokerMetrics(ctx, exec)

	dispatch := func(ctx context.Context, appname, queuename string, taskID int64) error {
		label := appname + ":" + queuename
		start := time.Now()
		err := dispatcher.Dispatch(ctx, appname, queuename, taskID)
		dispatchDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
		if err != nil {
			dispatchTotal.WithLabelValues("error", label).Inc()
		} else {
			dispatchTotal.WithLabelValues("ok", label).Inc()
		}
		return err
	}

	runner := executor.NewRunner(store, dispatch,
		cfg.Worker.Concurrency, time.Duration(cfg.Worker.PollInterval))

	logger.Log.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Msg("Worker started. Waiting for tasks...")
	runner.Run(ctx)
}

// collectBrokerMetrics periodically queries the broker depths and updates
// the Prometheus gauges.
func collectBrokerMetrics(ctx context.Context, exec *executor.RedisExecutor) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for stage, depth := range exec.Depths(ctx) {
				brokerDepth.WithLabelValues(stage).Set(float64(depth))
			}
		}
	}
}

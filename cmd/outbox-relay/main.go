// Package main provides the outbox relay service entry point.
// Publishes committed claim events from the outbox table to the event stream.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/config"
	"github.com/drfirst/go-claims/internal/infrastructure/postgres"
	"github.com/drfirst/go-claims/internal/infrastructure/redpanda"
	"github.com/drfirst/go-claims/internal/observability/logging"
	"github.com/drfirst/go-claims/internal/observability/metrics"
	"github.com/drfirst/go-claims/internal/observability/tracing"
)

const (
	serviceName = "outbox-relay"

	maintenanceInterval = time.Minute
	retention           = 7 * 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := logging.Must(cfg.LogLevel, serviceName)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  serviceName,
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   cfg.TraceSampleRate,
	})
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers()

	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	logger.Info("connected to Redpanda", zap.Strings("brokers", producerCfg.Brokers))

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.PollInterval = cfg.OutboxPollInterval
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, logger)

	m := metrics.New(nil)
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	outbox.Start()
	logger.Info("outbox relay started")

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			outbox.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			srv.Shutdown(shutdownCtx)
			cancel()
			logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
			maintain(ctx, outbox, m, logger)
		}
	}
}

// maintain dead-letters exhausted entries, prunes relayed ones and exports
// the backlog.
func maintain(ctx context.Context, outbox *postgres.Outbox, m *metrics.Metrics, logger *zap.Logger) {
	if moved, err := outbox.MoveToDeadLetter(ctx); err != nil {
		logger.Error("dead letter sweep failed", zap.Error(err))
	} else if moved > 0 {
		logger.Warn("outbox entries dead-lettered", zap.Int64("count", moved))
	}

	if n, err := outbox.CleanupProcessed(ctx, retention); err != nil {
		logger.Error("outbox cleanup failed", zap.Error(err))
	} else if n > 0 {
		logger.Debug("outbox cleaned", zap.Int64("deleted", n))
	}

	stats, err := outbox.GetStats(ctx)
	if err != nil {
		logger.Error("outbox stats failed", zap.Error(err))
		return
	}
	m.OutboxPending.Set(float64(stats.Pending))
}

// Package main provides the deadline monitor entry point.
// Runs timely filing, aging and stale claim checks on a schedule and
// publishes alerts. Replicas coordinate through a Redis lock.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/config"
	"github.com/drfirst/go-claims/internal/deadline"
	"github.com/drfirst/go-claims/internal/domain/claim"
	"github.com/drfirst/go-claims/internal/infrastructure/postgres"
	"github.com/drfirst/go-claims/internal/infrastructure/redislock"
	"github.com/drfirst/go-claims/internal/infrastructure/redpanda"
	"github.com/drfirst/go-claims/internal/observability/logging"
	"github.com/drfirst/go-claims/internal/observability/metrics"
	"github.com/drfirst/go-claims/internal/observability/tracing"
)

const serviceName = "claims-monitor"

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

	opts := []deadline.Option{
		deadline.WithWarningDays(cfg.DeadlineWarningDays),
		deadline.WithLogger(logger),
	}
	if cfg.PayerRulesFile != "" {
		rules, err := deadline.LoadPayerRules(cfg.PayerRulesFile)
		if err != nil {
			logger.Fatal("failed to load payer rules", zap.Error(err))
		}
		opts = append(opts, deadline.WithPayerRules(rules))
	}
	tracker := deadline.NewTracker(claim.NewPGRepository(pool, logger), clockwork.NewRealClock(), opts...)

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers()
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	sink := deadline.MultiSink{
		deadline.NewLogSink(logger),
		deadline.NewStreamSink(producer, redpanda.TopicDeadlineAlerts),
	}

	// a single replica needs no lock
	var locker deadline.Locker
	if cfg.RedisURL != "" {
		client, err := redislock.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer client.Close()
		locker = redislock.New(client, "claims:")
	} else {
		logger.Warn("REDIS_URL not set, running without leader lock")
	}

	m := metrics.New(nil)
	monitor := deadline.NewMonitor(tracker, sink, locker, deadline.MonitorConfig{
		Interval:  cfg.MonitorInterval,
		StaleDays: cfg.StaleClaimDays,
	}, m, logger)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	if err := monitor.Run(ctx); err != nil {
		logger.Error("monitor stopped with error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

// Package main provides the 277 ingest service entry point.
// Consumes inbound claim status responses and applies them through the
// status engine, at most once per batch.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/config"
	"github.com/drfirst/go-claims/internal/domain/claim"
	"github.com/drfirst/go-claims/internal/edi"
	"github.com/drfirst/go-claims/internal/infrastructure/postgres"
	"github.com/drfirst/go-claims/internal/infrastructure/redpanda"
	"github.com/drfirst/go-claims/internal/ingest"
	"github.com/drfirst/go-claims/internal/observability/logging"
	"github.com/drfirst/go-claims/internal/observability/metrics"
	"github.com/drfirst/go-claims/internal/observability/tracing"
	"github.com/drfirst/go-claims/pkg/idempotency"
)

const serviceName = "edi-ingest"

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

	m := metrics.New(nil)
	engine := claim.NewEngine(claim.NewPGRepository(pool, logger), clockwork.NewRealClock(), m, logger)

	inbox := idempotency.NewInbox(idempotency.NewPostgresStore(pool), idempotency.DefaultConfig(),
		idempotency.WithTerminalClassifier(ingest.IsTerminal),
		idempotency.WithLogger(logger))
	inbox.StartCleanup()
	defer inbox.Stop()

	handler := ingest.NewHandler(edi.NewTranslator(engine, m, logger), inbox, logger)

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers()
	deadLetter, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer deadLetter.Close()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Brokers()

	consumer, err := redpanda.NewConsumer(consumerCfg, handler.Handle, deadLetter, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	logger.Info("277 ingest started",
		zap.Strings("brokers", consumerCfg.Brokers),
		zap.Strings("topics", consumerCfg.Topics),
		zap.String("group", consumerCfg.GroupID))

	if err := consumer.Run(ctx); err != nil {
		logger.Error("consumer stopped with error", zap.Error(err))
	}

	stats := consumer.Stats()
	logger.Info("277 ingest stopped", zap.Any("stats", stats))
}

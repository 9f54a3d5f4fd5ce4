// Package main provides the claims API service entry point.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/api/handlers"
	"github.com/drfirst/go-claims/internal/api/middleware"
	"github.com/drfirst/go-claims/internal/cob"
	"github.com/drfirst/go-claims/internal/config"
	"github.com/drfirst/go-claims/internal/deadline"
	"github.com/drfirst/go-claims/internal/domain/claim"
	"github.com/drfirst/go-claims/internal/edi"
	"github.com/drfirst/go-claims/internal/infrastructure/clearinghouse"
	"github.com/drfirst/go-claims/internal/infrastructure/postgres"
	"github.com/drfirst/go-claims/internal/infrastructure/redpanda"
	"github.com/drfirst/go-claims/internal/observability/logging"
	"github.com/drfirst/go-claims/internal/observability/metrics"
	"github.com/drfirst/go-claims/internal/observability/tracing"
	"github.com/drfirst/go-claims/pkg/circuitbreaker"
)

const serviceName = "claims-api"

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
	apiKeys, _ := cfg.APIKeyMap()

	ctx := context.Background()

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
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	m := metrics.New(nil)
	clock := clockwork.NewRealClock()

	trackerOpts := []deadline.Option{
		deadline.WithWarningDays(cfg.DeadlineWarningDays),
		deadline.WithLogger(logger),
	}
	if cfg.PayerRulesFile != "" {
		rules, err := deadline.LoadPayerRules(cfg.PayerRulesFile)
		if err != nil {
			logger.Fatal("failed to load payer rules", zap.Error(err))
		}
		trackerOpts = append(trackerOpts, deadline.WithPayerRules(rules))
	}

	repo := claim.NewPGRepository(pool, logger)
	engine := claim.NewEngine(repo, clock, m, logger)

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers()
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(""),
		func(name string, s circuitbreaker.State) { m.SetBreakerState(name, s.Gauge()) },
		logger)

	claimsHandler := handlers.NewClaimsHandler(handlers.Deps{
		Engine:      engine,
		Translator:  edi.NewTranslator(engine, m, logger),
		Inquiries:   edi.NewInquiryBuilder(repo, clock, logger),
		Transmitter: clearinghouse.NewTransmitter(producer, breakers, redpanda.TopicEDI276Outbound, logger),
		Tracker:     deadline.NewTracker(repo, clock, trackerOpts...),
		Generator:   cob.NewGenerator(engine, cob.Config{BatchWorkers: cfg.BatchWorkers}, m, logger),
		StaleDays:   cfg.StaleClaimDays,
	}, logger)

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			http.Error(w, "database not ready", http.StatusServiceUnavailable)
			return
		}
		if err := producer.Ping(ctx); err != nil {
			http.Error(w, "broker not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Get("/health/breakers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(breakers.GetHealthStatus())
	})
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if len(apiKeys) > 0 {
			r.Use(middleware.APIKeyAuth(apiKeys))
		} else {
			logger.Warn("API_KEYS not set, API is unauthenticated")
		}
		r.Use(middleware.Actor)
		r.Mount("/api/v1", claimsHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting claims API", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"claims-api"}`))
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"calculaconfia/internal/auth"
	"calculaconfia/internal/backend"
	"calculaconfia/internal/billing"
	"calculaconfia/internal/decision"
	"calculaconfia/internal/events"
	"calculaconfia/internal/flagstore"
	"calculaconfia/internal/loopguard"
	"calculaconfia/internal/payment"
	"calculaconfia/internal/platform/config"
	"calculaconfia/internal/platform/httpserver"
	"calculaconfia/internal/platform/logger"
	"calculaconfia/internal/platform/metrics"
	"calculaconfia/internal/platform/redis"
	"calculaconfia/internal/session"
	httptransport "calculaconfia/internal/transport/http"
)

// main wires the funnel orchestrator: durable + volatile flag stores, the
// backend API client, the reconciliation services, and the HTTP surface.
// Business logic lives in the internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()
	m := metrics.New()

	durable, cleanup, err := newDurableStore(cfg)
	if err != nil {
		log.Error("failed to initialize durable flag store", "error", err)
		os.Exit(1)
	}
	defer cleanup()
	volatile := flagstore.NewInMemoryStore()

	publisher, closePublisher := newPublisher(cfg, log)
	defer closePublisher()

	client := backend.New(cfg.APIBaseURL, cfg.AuthCookieName,
		backend.WithLogger(log),
		backend.WithMetrics(m),
	)

	authCache, err := auth.NewCache(client, durable,
		auth.WithTTL(cfg.AuthCacheTTL),
		auth.WithLogger(log),
		auth.WithMetrics(m),
	)
	if err != nil {
		log.Error("failed to build auth cache", "error", err)
		os.Exit(1)
	}
	// Any 401/403 from any backend call drops the cached identity,
	// regardless of the snapshot's age.
	client.SetUnauthorizedHook(authCache.Invalidate)

	billingSvc, err := billing.New(client, durable, billing.WithLogger(log))
	if err != nil {
		log.Error("failed to build billing service", "error", err)
		os.Exit(1)
	}

	guard, err := loopguard.New(volatile,
		loopguard.WithLogger(log),
		loopguard.WithMetrics(m),
		loopguard.WithPublisher(publisher),
		loopguard.WithTuning(cfg.LoopWindow, cfg.LoopThreshold, cfg.LoopCooldown),
	)
	if err != nil {
		log.Error("failed to build loop guard", "error", err)
		os.Exit(1)
	}

	poller, err := payment.NewPoller(billingSvc,
		payment.WithCadence(cfg.PollInterval, cfg.PollTimeout),
		payment.WithLogger(log),
		payment.WithMetrics(m),
	)
	if err != nil {
		log.Error("failed to build payment poller", "error", err)
		os.Exit(1)
	}
	pending := payment.NewPendingStore(durable, log)

	manager, err := session.NewManager(session.Config{
		Auth:         authCache,
		Billing:      billingSvc,
		Confirmer:    client,
		Engine:       decision.New(cfg.PlatformPath),
		Guard:        guard,
		Poller:       poller,
		Pending:      pending,
		Checkout:     payment.NewCheckout(client, pending),
		Volatile:     volatile,
		Publisher:    publisher,
		Logger:       log,
		Metrics:      m,
		PlatformPath: cfg.PlatformPath,
	})
	if err != nil {
		log.Error("failed to build session manager", "error", err)
		os.Exit(1)
	}

	handler := httptransport.NewHandler(manager, client, authCache, log)
	router := httptransport.NewRouter(handler, cfg.AuthCookieName)
	srv := httpserver.New(cfg.Addr, router)

	log.Info("starting funnel orchestrator", "addr", cfg.Addr, "api", cfg.APIBaseURL)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
}

// newDurableStore prefers redis, falls back to postgres, and lands on the
// in-memory store for development. Durable flags only survive restarts on the
// first two.
func newDurableStore(cfg config.Config) (flagstore.Store, func(), error) {
	redisClient, err := redis.New(cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	if redisClient != nil {
		return flagstore.NewRedisStore(redisClient.Client), func() { _ = redisClient.Close() }, nil
	}
	if cfg.PostgresURL != "" {
		store, err := flagstore.NewPostgresStore(cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
	return flagstore.NewInMemoryStore(), func() {}, nil
}

// newPublisher ships funnel events to Kafka when configured, otherwise keeps
// them on the in-process bus.
func newPublisher(cfg config.Config, log *slog.Logger) (events.Publisher, func()) {
	if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "" {
		return events.NewBus(), func() {}
	}
	kafka, err := events.NewKafkaPublisher(cfg.Kafka, log)
	if err != nil {
		log.Warn("kafka publisher unavailable, using in-process bus", "error", err)
		return events.NewBus(), func() {}
	}
	log.Info("funnel events publishing to kafka", "topic", cfg.Kafka.Topic)
	return kafka, kafka.Close
}

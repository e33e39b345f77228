package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"disputeflow/assessment"
	"disputeflow/auth"
	"disputeflow/config"
	"disputeflow/db"
	"disputeflow/dispute"
	"disputeflow/inmem"
	"disputeflow/marketplace"
	"disputeflow/notify"
	"disputeflow/resolution"
	"disputeflow/scheduler"
	"disputeflow/telemetry"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("disputeflow stopped", "error", err)
		os.Exit(1)
	}
}

// marketplaceBackend bundles the order and history views the engine reads.
type marketplaceBackend interface {
	marketplace.OrderLookup
	marketplace.OrderUpdater
	marketplace.HistoryLookup
}

type app struct {
	service   *dispute.Service
	scheduler *scheduler.Scheduler
	closers   []func(context.Context) error
}

func (a *app) close(ctx context.Context, logger *slog.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			logger.WarnContext(ctx, "shutdown step failed", "error", err)
		}
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	authService, err := auth.NewService(cfg.JWTSecret)
	if err != nil {
		return err
	}

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.close(shutdownCtx, logger)
	}()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           NewServer(a.service, authService, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		if err := a.scheduler.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("scheduler shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// build wires the engine. Empty DATABASE_URL, REDIS_URL and KAFKA_BROKERS
// fall back to in-process adapters.
func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.close(context.Background(), logger)
		return nil, err
	}

	shutdownTracing, err := telemetry.Setup(ctx, "disputeflow", cfg.OTelEndpoint)
	if err != nil {
		return fail(fmt.Errorf("telemetry: %w", err))
	}
	a.closers = append(a.closers, shutdownTracing)

	var (
		store  dispute.Store
		market marketplaceBackend
	)
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: 32, MaxConnIdleTime: 30 * time.Second})
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, func(context.Context) error { pool.Close(); return nil })
		store = dispute.NewPGStore(pool)
		market = marketplace.NewRepository(pool)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		store = dispute.NewMemoryStore()
		market = inmem.NewMarketplace()
	}

	var base notify.Notifier = notify.Log{Logger: logger}
	if len(cfg.KafkaBrokers) > 0 {
		kn, err := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic, map[string]string{
			notify.EventReconciliationRequired: cfg.OpsTopic,
		})
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, func(context.Context) error { return kn.Close() })
		base = kn
	}
	notifier := notify.NewAsync(base, logger)
	a.closers = append(a.closers, func(context.Context) error { notifier.Wait(); return nil })

	var tracker scheduler.Tracker = scheduler.NewMemoryTracker()
	if cfg.RedisURL != "" {
		client, err := scheduler.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		tracker = scheduler.NewRedisTracker(client)
	}

	var criteria assessment.Config
	if cfg.CriteriaFile != "" {
		criteria, err = assessment.LoadConfig(cfg.CriteriaFile, cfg.CriterionTimeout, cfg.AssessmentWorkers)
	} else {
		criteria, err = assessment.NewConfig(assessment.DefaultCriteria(), cfg.CriterionTimeout, cfg.AssessmentWorkers)
	}
	if err != nil {
		return fail(err)
	}

	// Payment, chain and moderation providers are reached through these
	// adapters until real clients are configured.
	executor := resolution.NewExecutor(store, resolution.Collaborators{
		Payments:   inmem.NewPayments(),
		Chain:      inmem.NewChain(),
		Moderation: inmem.NewModeration(),
		Orders:     market,
		Notifier:   notifier,
	}, logger)

	aggregator := assessment.NewAggregator(criteria, market, logger)
	a.scheduler = scheduler.New(store, market, aggregator, scheduler.Options{
		SettleDelay:       cfg.SettleDelay,
		AssessmentTimeout: cfg.AssessmentTimeout,
	}, logger).
		WithExecutor(executor).
		WithNotifier(notifier).
		WithTracker(tracker)

	a.service = dispute.NewService(store, market, notifier, logger).
		WithScheduler(a.scheduler).
		WithExecutor(executor)
	return a, nil
}

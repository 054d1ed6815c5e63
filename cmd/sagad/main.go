// Command sagad runs the order-fulfilment sagas against the configured state
// store and transport.
//
// All settings come from SAGA_* environment variables; see internal/config.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rbaliyan/event/v3/health"
	"github.com/rbaliyan/event-saga/internal/config"
	"github.com/rbaliyan/event-saga/internal/demo"
	"github.com/rbaliyan/event-saga/internal/telemetry"
	"github.com/rbaliyan/event-saga/ratelimit"
	"github.com/rbaliyan/event-saga/saga"
	"github.com/rbaliyan/event-saga/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sagad: %v\n", err)
		os.Exit(2)
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("sagad stopped", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("sagad stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	tp, shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	backends := config.NewBackends(cfg, logger)
	defer func() {
		if err := backends.Close(); err != nil {
			logger.Warn("closing backends failed", "error", err)
		}
	}()

	store, err := backends.OpenStore(ctx)
	if err != nil {
		return err
	}
	logHealth(ctx, logger, "store", store)

	if cfg.StateRetention > 0 {
		if pruner, ok := store.(saga.Pruner); ok {
			go func() {
				_ = saga.Prune(ctx, pruner, cfg.StateRetention, cfg.PruneInterval, logger)
			}()
		} else {
			logger.Warn("store cannot evict stale sagas", "store", cfg.Store)
		}
	}

	sender, consumer, err := backends.OpenTransport(ctx)
	if err != nil {
		return err
	}

	limiterMetrics, err := ratelimit.NewMetrics(ratelimit.WithMetricsNamespace(cfg.ServiceName))
	if err != nil {
		return fmt.Errorf("rate limit metrics: %w", err)
	}
	limiter, err := backends.OpenLimiter(ctx, limiterMetrics)
	if err != nil {
		return err
	}

	codec := transport.NewCodec()
	if err := demo.RegisterEvents(codec); err != nil {
		return err
	}
	publisher := transport.NewPublisher(codec, sender).WithLogger(logger)

	inventory := demo.NewStockInventory(cfg.DemoStock)
	router, err := saga.NewRouter(store, publisher,
		saga.WithSagas(demo.Sagas(inventory, cfg.PaymentLimit, logger)...),
		saga.WithLogger(logger),
		saga.WithMetrics(saga.NewMetricsRecorder(cfg.ServiceName)),
		saga.WithTracerProvider(tp),
		saga.WithConcurrency(cfg.Concurrency),
	)
	if err != nil {
		return err
	}
	if err := router.Initialize(ctx); err != nil {
		return err
	}

	opts := []transport.DispatcherOption{transport.WithDispatchLogger(logger)}
	if limiter != nil {
		opts = append(opts, transport.WithLimiter(limiter))
	}
	dispatcher := transport.NewDispatcher(codec, router, opts...)

	logger.Info("sagad started",
		"store", cfg.Store,
		"transport", cfg.Transport,
		"sagas", []string{demo.FulfilmentSaga, demo.SimulatorSaga},
		"rate_limit", cfg.RateLimit)

	if cfg.DemoOrders > 0 {
		go func() {
			if err := demo.Seed(ctx, publisher, cfg.DemoOrders, cfg.PaymentLimit); err != nil {
				logger.Error("seeding demo orders failed", "error", err)
				return
			}
			logger.Info("demo orders published", "count", cfg.DemoOrders)
		}()
	}

	err = consumer.Consume(ctx, dispatcher.Handle)
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down", "remaining_stock", inventory.Stock())
		return nil
	}
	return err
}

func logHealth(ctx context.Context, logger *slog.Logger, name string, component any) {
	checker, ok := component.(health.Checker)
	if !ok {
		return
	}
	result := checker.Health(ctx)
	logger.Info("health check",
		"component", name,
		"status", result.Status,
		"message", result.Message,
		"latency", result.Latency)
}

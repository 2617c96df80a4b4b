package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ariefcatur/go-checkout-reservations/internal/app"
	"github.com/ariefcatur/go-checkout-reservations/internal/checkout"
	"github.com/ariefcatur/go-checkout-reservations/internal/config"
	kafkax "github.com/ariefcatur/go-checkout-reservations/internal/kafka"
	"github.com/ariefcatur/go-checkout-reservations/internal/metrics"
	"github.com/ariefcatur/go-checkout-reservations/internal/payments"
	"github.com/ariefcatur/go-checkout-reservations/internal/postgres"
	"github.com/ariefcatur/go-checkout-reservations/internal/redisx"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	cfg.ServiceName += "-worker"
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(slog.String("service", cfg.ServiceName))
	slog.SetDefault(logger)

	// producer stops after the workers
	prodCtx, stopProd := context.WithCancel(context.Background())
	defer stopProd()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.ServiceName)
	if err != nil {
		logger.Error("db connect", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	if err := app.Ping(ctx, db, rdb); err != nil {
		logger.Error("dependencies", slog.String("error", err.Error()))
		os.Exit(1)
	}

	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, logger)
	prod.Start(prodCtx)

	reg := prometheus.NewRegistry()
	mgr, _, err := app.NewManager(cfg, db, rdb, prod, reg, logger)
	if err != nil {
		logger.Error("checkout manager", slog.String("error", err.Error()))
		os.Exit(1)
	}

	svc := &payments.Service{
		Checkout:    mgr,
		Dedup:       &redisx.Dedup{RDB: rdb, Service: cfg.ServiceName},
		Producer:    prod,
		Logger:      logger,
		ServiceName: cfg.ServiceName,
	}

	var wg sync.WaitGroup

	// Sweeper
	sweeper := checkout.NewSweeper(mgr, cfg.SweepInterval, cfg.SweepBatch, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("sweeper started", slog.Duration("interval", cfg.SweepInterval), slog.Int("batch", cfg.SweepBatch))
		sweeper.Run(ctx)
	}()

	// Consumer
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.WorkerGroup, checkout.TopicWebhookRetry, cfg.Workers, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("webhook retry consumer started",
			slog.String("group", cfg.WorkerGroup),
			slog.String("topic", checkout.TopicWebhookRetry),
			slog.Int("workers", cfg.Workers),
		)
		if err := cons.Start(ctx, svc.HandleRetry); err != nil {
			logger.Error("consumer exit", slog.String("error", err.Error()))
			cancel()
		}
	}()

	// metrics only; the worker serves no API
	msrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(reg), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := msrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics listen", slog.String("error", err.Error()))
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	logger.Info("shutting down worker")
	cancel()
	wg.Wait()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = msrv.Shutdown(ctx2)
	prod.Close()
	prod.WaitClosed()
}

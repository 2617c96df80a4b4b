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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ariefcatur/go-checkout-reservations/internal/app"
	"github.com/ariefcatur/go-checkout-reservations/internal/config"
	"github.com/ariefcatur/go-checkout-reservations/internal/httpx"
	kafkax "github.com/ariefcatur/go-checkout-reservations/internal/kafka"
	"github.com/ariefcatur/go-checkout-reservations/internal/metrics"
	"github.com/ariefcatur/go-checkout-reservations/internal/payments"
	"github.com/ariefcatur/go-checkout-reservations/internal/postgres"
	"github.com/ariefcatur/go-checkout-reservations/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(slog.String("service", cfg.ServiceName))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.RunMigrations {
		if err := postgres.Migrate(cfg.PostgresDSN); err != nil {
			logger.Error("migrate", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

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

	// Kafka producer
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, logger)
	prod.Start(ctx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mgr, gw, err := app.NewManager(cfg, db, rdb, prod, reg, logger)
	if err != nil {
		logger.Error("checkout manager", slog.String("error", err.Error()))
		os.Exit(1)
	}

	router := httpx.NewRouter(metrics.NewServerMetrics(reg, "api"), reg)
	ch := &httpx.CheckoutHandler{
		Manager: mgr,
		CouponLimiter: &redisx.RateLimiter{
			RDB:    rdb,
			Scope:  "coupon",
			Limit:  cfg.CouponAttemptsPerMinute,
			Window: time.Minute,
		},
		Logger: logger,
	}
	ch.Register(router)
	wh := &httpx.WebhookHandler{
		Verifier: gw,
		Payments: &payments.Service{
			Checkout:    mgr,
			Dedup:       &redisx.Dedup{RDB: rdb, Service: cfg.ServiceName},
			Producer:    prod,
			Logger:      logger,
			ServiceName: cfg.ServiceName,
		},
		Logger: logger,
	}
	wh.Register(router)

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("http listening", slog.String("addr", cfg.HTTPAddr), slog.String("store", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	prod.Close() // close inbox, flush, close writer
	prod.WaitClosed()
	cancel()
}

// Package app wires the checkout components shared by the api and worker
// processes.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-checkout-reservations/internal/catalog"
	"github.com/ariefcatur/go-checkout-reservations/internal/checkout"
	"github.com/ariefcatur/go-checkout-reservations/internal/config"
	"github.com/ariefcatur/go-checkout-reservations/internal/coupon"
	"github.com/ariefcatur/go-checkout-reservations/internal/gateway"
	"github.com/ariefcatur/go-checkout-reservations/internal/metrics"
	"github.com/ariefcatur/go-checkout-reservations/internal/redisx"
)

// NewManager builds a Manager whose sessions and holds live in the backend
// named by cfg.StoreBackend. Catalog and coupons always live in Postgres.
func NewManager(cfg config.Config, db *pgxpool.Pool, rdb *redis.Client, events checkout.Publisher,
	reg prometheus.Registerer, logger *slog.Logger) (*checkout.Manager, *gateway.Client, error) {

	var (
		store  checkout.SessionStore
		ledger checkout.Ledger
	)
	switch cfg.StoreBackend {
	case "postgres":
		store, ledger = &checkout.PGStore{DB: db}, &checkout.PGLedger{DB: db}
	case "redis":
		store, ledger = &redisx.Sessions{RDB: rdb}, &redisx.Ledger{RDB: rdb}
	default:
		return nil, nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	gw := gateway.New(gateway.Config{
		BaseURL:       cfg.GatewayBaseURL,
		KeyID:         cfg.GatewayKeyID,
		KeySecret:     cfg.GatewayKeySecret,
		WebhookSecret: cfg.GatewayWebhookSecret,
		Timeout:       cfg.GatewayTimeout,
	}, logger)

	mgr := checkout.NewManager(checkout.Deps{
		Store:   store,
		Ledger:  ledger,
		Catalog: &catalog.PGCatalog{DB: db},
		Coupons: coupon.NewValidator(&coupon.PGRepository{DB: db}, nil),
		Gateway: gw,
		Events:  events,
		Metrics: metrics.NewCheckout(reg),
		Logger:  logger,
	}, checkout.Config{
		SessionTTL:       cfg.SessionTTL,
		PaymentExtension: cfg.PaymentExtension,
		PaymentLowWater:  cfg.PaymentLowWater,
		Currency:         cfg.Currency,
		Producer:         cfg.ServiceName,
	})
	return mgr, gw, nil
}

// Ping checks the backing services before a process starts serving.
func Ping(ctx context.Context, db *pgxpool.Pool, rdb *redis.Client) error {
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

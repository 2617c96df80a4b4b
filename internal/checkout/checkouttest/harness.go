package checkouttest

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-checkout-reservations/internal/checkout"
	"github.com/ariefcatur/go-checkout-reservations/internal/coupon"
	"github.com/ariefcatur/go-checkout-reservations/internal/redisx"
)

var T0 = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

// Harness wires a Manager to Redis-backed stores on miniredis and in-memory
// collaborators. The catalog starts with p1/M: 5 configured, 2 sold, 500.00.
type Harness struct {
	Manager *checkout.Manager
	Store   *redisx.Sessions
	Ledger  *redisx.Ledger
	Catalog *Catalog
	Coupons *Coupons
	Gateway *Gateway
	Events  *Publisher
	Clock   *Clock
	Redis   *redis.Client
	Mini    *miniredis.Miniredis
}

// Option adjusts Deps before the Manager is built.
type Option func(*checkout.Deps)

func New(t testing.TB, opts ...Option) *Harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &Harness{
		Store:   &redisx.Sessions{RDB: rdb},
		Ledger:  &redisx.Ledger{RDB: rdb},
		Catalog: NewCatalog(),
		Coupons: NewCoupons(
			&coupon.Coupon{ID: "c-save10", Code: "SAVE10", Type: coupon.TypePercentage,
				Value: decimal.NewFromInt(10), MaxDiscount: decimal.NewFromInt(80), Active: true},
			&coupon.Coupon{ID: "c-big", Code: "BIGSPEND", Type: coupon.TypeFixed,
				Value: decimal.NewFromInt(100), MinOrderValue: decimal.NewFromInt(900), Active: true, PerOwnerLimit: 1},
		),
		Gateway: &Gateway{Secret: "secret_test"},
		Events:  &Publisher{},
		Clock:   NewClock(T0),
		Redis:   rdb,
		Mini:    mr,
	}
	h.Catalog.Add("p1", "M", checkout.SizeInfo{
		ConfiguredQty: 5, SoldQty: 2, Price: decimal.NewFromInt(500), Name: "Linen Shirt", CategoryID: "shirts",
	})

	deps := checkout.Deps{
		Store:   h.Store,
		Ledger:  h.Ledger,
		Catalog: h.Catalog,
		Coupons: coupon.NewValidator(h.Coupons, h.Clock.Now),
		Gateway: h.Gateway,
		Events:  h.Events,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:     h.Clock.Now,
	}
	for _, o := range opts {
		o(&deps)
	}
	h.Manager = checkout.NewManager(deps, checkout.Config{})
	return h
}

// Available is the sellable quantity of (productID, size) at the harness clock.
func (h *Harness) Available(t testing.TB, productID, size string) int {
	t.Helper()
	n, err := h.Manager.Availability(context.Background(), productID, size)
	if err != nil {
		t.Fatalf("availability %s/%s: %v", productID, size, err)
	}
	return n
}

// Package pgtest opens a migrated, emptied database for integration tests.
// Tests using it are skipped unless TEST_POSTGRES_DSN is set.
package pgtest

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-checkout-reservations/internal/postgres"
)

const EnvDSN = "TEST_POSTGRES_DSN"

func Open(t testing.TB) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv(EnvDSN)
	if dsn == "" {
		t.Skip(EnvDSN + " not set")
	}
	if err := postgres.Migrate(dsn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	db, err := postgres.Connect(ctx, dsn, "checkout-test")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(db.Close)

	_, err = db.Exec(ctx, `TRUNCATE coupon_usages, coupons, stock_reservations, checkout_sessions,
		sale_commits, product_sizes, products`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return db
}

// SeedSize inserts a product with one size.
func SeedSize(t testing.TB, db *pgxpool.Pool, productID, size, price string, configured, sold int) {
	t.Helper()
	ctx := context.Background()
	_, err := db.Exec(ctx, `INSERT INTO products(id, name, category_id) VALUES ($1, $1, 'shirts')
		ON CONFLICT (id) DO NOTHING`, productID)
	if err == nil {
		_, err = db.Exec(ctx, `INSERT INTO product_sizes(product_id, size, price, configured_qty, sold_qty)
			VALUES ($1, $2, $3::numeric, $4, $5)`, productID, size, price, configured, sold)
	}
	if err != nil {
		t.Fatalf("seed %s/%s: %v", productID, size, err)
	}
}

package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-checkout-reservations/internal/checkout"
)

// PGCatalog reads sizes, prices and sold counts from the product tables. It
// never changes configured quantities.
type PGCatalog struct{ DB *pgxpool.Pool }

func (c *PGCatalog) GetSizeInfo(ctx context.Context, productID, size string) (*checkout.SizeInfo, error) {
	var (
		info      checkout.SizeInfo
		price     string
		salePrice *string
	)
	err := c.DB.QueryRow(ctx, `
		SELECT p.name, p.slug, p.image, p.category_id,
		       s.price::text, s.sale_price::text, s.configured_qty, s.sold_qty
		FROM product_sizes s JOIN products p ON p.id = s.product_id
		WHERE s.product_id = $1 AND s.size = $2`, productID, size).Scan(
		&info.Name, &info.Slug, &info.Image, &info.CategoryID,
		&price, &salePrice, &info.ConfiguredQty, &info.SoldQty,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, checkout.ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	if info.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("price of %s/%s: %w", productID, size, err)
	}
	if salePrice != nil {
		sp, err := decimal.NewFromString(*salePrice)
		if err != nil {
			return nil, fmt.Errorf("sale price of %s/%s: %w", productID, size, err)
		}
		if sp.LessThan(info.Price) {
			info.Price, info.OnSale = sp, true
		}
	}
	return &info, nil
}

// CommitSale adds qty to sold_qty once per (session, product, size).
func (c *PGCatalog) CommitSale(ctx context.Context, sessionID, productID, size string, qty int) error {
	tx, err := c.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		INSERT INTO sale_commits(session_id, product_id, size, qty)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, product_id, size) DO NOTHING`, sessionID, productID, size, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return nil
	}
	ct, err = tx.Exec(ctx, `
		UPDATE product_sizes SET sold_qty = sold_qty + $3
		WHERE product_id = $1 AND size = $2`, productID, size, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return checkout.ErrProductNotFound
	}
	return tx.Commit(ctx)
}

var _ checkout.Catalog = (*PGCatalog)(nil)

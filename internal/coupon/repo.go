package coupon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type PGRepository struct{ DB *pgxpool.Pool }

func (r *PGRepository) GetByCode(ctx context.Context, code string) (*Coupon, error) {
	var (
		c                      Coupon
		typ                    string
		value, maxDisc, minOrd string
		startsAt, endsAt       *time.Time
	)
	err := r.DB.QueryRow(ctx, `
		SELECT id, code, type, value::text, description, max_discount::text, min_order_value::text,
		       active, starts_at, ends_at, usage_limit, per_owner_limit,
		       include_products, exclude_products, include_categories, exclude_categories, stackable
		FROM coupons WHERE code = $1`, code).Scan(
		&c.ID, &c.Code, &typ, &value, &c.Description, &maxDisc, &minOrd,
		&c.Active, &startsAt, &endsAt, &c.UsageLimit, &c.PerOwnerLimit,
		&c.IncludeProducts, &c.ExcludeProducts, &c.IncludeCategories, &c.ExcludeCategories, &c.Stackable,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Type = Type(typ)
	c.StartsAt, c.EndsAt = startsAt, endsAt
	if c.Value, err = decimal.NewFromString(value); err != nil {
		return nil, fmt.Errorf("coupon %s value: %w", c.Code, err)
	}
	if c.MaxDiscount, err = decimal.NewFromString(maxDisc); err != nil {
		return nil, fmt.Errorf("coupon %s max_discount: %w", c.Code, err)
	}
	if c.MinOrderValue, err = decimal.NewFromString(minOrd); err != nil {
		return nil, fmt.Errorf("coupon %s min_order_value: %w", c.Code, err)
	}
	return &c, nil
}

func (r *PGRepository) UsageCount(ctx context.Context, couponID string) (int, error) {
	var n int
	err := r.DB.QueryRow(ctx, `SELECT COUNT(*) FROM coupon_usages WHERE coupon_id = $1`, couponID).Scan(&n)
	return n, err
}

func (r *PGRepository) OwnerUsageCount(ctx context.Context, couponID, ownerKey string) (int, error) {
	var n int
	err := r.DB.QueryRow(ctx, `SELECT COUNT(*) FROM coupon_usages WHERE coupon_id = $1 AND owner_key = $2`,
		couponID, ownerKey).Scan(&n)
	return n, err
}

// RecordUsage is idempotent per session.
func (r *PGRepository) RecordUsage(ctx context.Context, couponID, ownerKey, sessionID string) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO coupon_usages(coupon_id, owner_key, session_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO NOTHING`, couponID, ownerKey, sessionID)
	return err
}

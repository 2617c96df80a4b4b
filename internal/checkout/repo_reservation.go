package checkout

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-checkout-reservations/internal/reservation"
)

// PGLedger keeps reservations in stock_reservations. Every write that can
// raise the held quantity of a (product, size), and every commit that moves a
// completed hold into sold_qty, runs under that bucket's transaction-scoped
// advisory lock. Configured and sold quantities are read under the same lock;
// the ones a request carries are ignored.
type PGLedger struct{ DB *pgxpool.Pool }

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// holdingClause matches rows that still count against availability at $3.
const holdingClause = `((status = 'active' AND expires_at > $3) OR (status = 'completed' AND committed_at IS NULL))`

func lockBucket(ctx context.Context, tx pgx.Tx, productID, size string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, reservation.Key(productID, size))
	return err
}

func heldQty(ctx context.Context, q querier, productID, size string, now time.Time, excludeID string) (int, error) {
	var n int
	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(qty), 0) FROM stock_reservations
		WHERE product_id = $1 AND size = $2 AND `+holdingClause+` AND id <> $4`,
		productID, size, now, excludeID).Scan(&n)
	return n, err
}

// bucketStock reads configured and sold quantities of (productID, size).
// Callers hold the bucket lock.
func bucketStock(ctx context.Context, tx pgx.Tx, productID, size string) (configured, sold int, err error) {
	err = tx.QueryRow(ctx, `
		SELECT configured_qty, sold_qty FROM product_sizes
		WHERE product_id = $1 AND size = $2`, productID, size).Scan(&configured, &sold)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, ErrProductNotFound
	}
	return configured, sold, err
}

// available is what is left of (productID, size) at now, not counting the
// hold excludeID.
func available(ctx context.Context, tx pgx.Tx, productID, size string, now time.Time, excludeID string) (int, error) {
	configured, sold, err := bucketStock(ctx, tx, productID, size)
	if err != nil {
		return 0, err
	}
	held, err := heldQty(ctx, tx, productID, size, now, excludeID)
	if err != nil {
		return 0, err
	}
	return reservation.Available(configured, sold, held), nil
}

func shortfall(req reservation.Request, avail int) error {
	return &StockUnavailableError{Items: []Shortfall{{
		ProductID: req.ProductID, Size: req.Size, Requested: req.Qty, Available: avail,
	}}}
}

func (l *PGLedger) Reserve(ctx context.Context, req reservation.Request, now time.Time) (*reservation.Reservation, error) {
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockBucket(ctx, tx, req.ProductID, req.Size); err != nil {
		return nil, err
	}
	avail, err := available(ctx, tx, req.ProductID, req.Size, now, "")
	if err != nil {
		return nil, err
	}
	if avail < req.Qty {
		return nil, shortfall(req, avail)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO stock_reservations(id, session_id, product_id, size, qty, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, 'active', $6, $7)`,
		req.ID, req.SessionID, req.ProductID, req.Size, req.Qty, now, req.ExpiresAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &reservation.Reservation{
		ID:        req.ID,
		SessionID: req.SessionID,
		ProductID: req.ProductID,
		Size:      req.Size,
		Qty:       req.Qty,
		Status:    reservation.StatusActive,
		CreatedAt: now,
		ExpiresAt: req.ExpiresAt,
	}, nil
}

func (l *PGLedger) Adjust(ctx context.Context, req reservation.Request, now time.Time) error {
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := adjustHold(ctx, tx, req, now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// adjustHold moves the session's active hold on (product, size) to req.Qty
// inside tx, under the bucket lock.
func adjustHold(ctx context.Context, tx pgx.Tx, req reservation.Request, now time.Time) error {
	if err := lockBucket(ctx, tx, req.ProductID, req.Size); err != nil {
		return err
	}
	var (
		id      string
		qty     int
		expires time.Time
	)
	err := tx.QueryRow(ctx, `
		SELECT id, qty, expires_at FROM stock_reservations
		WHERE session_id = $1 AND product_id = $2 AND size = $3 AND status = 'active'
		ORDER BY expires_at DESC LIMIT 1`,
		req.SessionID, req.ProductID, req.Size).Scan(&id, &qty, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrItemNotFound
	}
	if err != nil {
		return err
	}
	if !now.Before(expires) {
		return ErrExpired
	}
	if req.Qty > qty {
		avail, err := available(ctx, tx, req.ProductID, req.Size, now, id)
		if err != nil {
			return err
		}
		if avail < req.Qty {
			return shortfall(req, avail)
		}
	}
	_, err = tx.Exec(ctx, `UPDATE stock_reservations SET qty = $2 WHERE id = $1`, id, req.Qty)
	return err
}

func (l *PGLedger) ReleaseForSession(ctx context.Context, sessionID string, status reservation.Status, _ time.Time) (int, error) {
	ct, err := l.DB.Exec(ctx, `
		UPDATE stock_reservations SET status = $2
		WHERE session_id = $1 AND status = 'active'`, sessionID, string(status))
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func (l *PGLedger) ExtendForSession(ctx context.Context, sessionID string, until, now time.Time) error {
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := extendReservations(ctx, tx, sessionID, until, now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// extendReservations moves the session's active holds to until inside tx.
// A lapsed hold is never revived.
func extendReservations(ctx context.Context, tx pgx.Tx, sessionID string, until, now time.Time) error {
	if err := lockSessionBuckets(ctx, tx, sessionID, `status = 'active'`); err != nil {
		return err
	}

	var lapsed int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM stock_reservations
		WHERE session_id = $1 AND status = 'active' AND expires_at <= $2`, sessionID, now).Scan(&lapsed); err != nil {
		return err
	}
	if lapsed > 0 {
		return ErrExpired
	}
	_, err := tx.Exec(ctx, `
		UPDATE stock_reservations SET expires_at = $2
		WHERE session_id = $1 AND status = 'active'`, sessionID, until)
	return err
}

// lockSessionBuckets takes the bucket locks of the session's holds matching
// cond, in key order.
func lockSessionBuckets(ctx context.Context, tx pgx.Tx, sessionID, cond string) error {
	rows, err := tx.Query(ctx, `
		SELECT DISTINCT product_id, size FROM stock_reservations
		WHERE session_id = $1 AND `+cond, sessionID)
	if err != nil {
		return err
	}
	type bucket struct{ productID, size string }
	var buckets []bucket
	for rows.Next() {
		var b bucket
		if err := rows.Scan(&b.productID, &b.size); err != nil {
			rows.Close()
			return err
		}
		buckets = append(buckets, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	sort.Slice(buckets, func(i, j int) bool {
		return reservation.Key(buckets[i].productID, buckets[i].size) < reservation.Key(buckets[j].productID, buckets[j].size)
	})
	for _, b := range buckets {
		if err := lockBucket(ctx, tx, b.productID, b.size); err != nil {
			return err
		}
	}
	return nil
}

func (l *PGLedger) HeldQty(ctx context.Context, productID, size string, now time.Time) (int, error) {
	return heldQty(ctx, l.DB, productID, size, now, "")
}

func (l *PGLedger) ForSession(ctx context.Context, sessionID string) ([]reservation.Reservation, error) {
	rows, err := l.DB.Query(ctx, `
		SELECT id, session_id, product_id, size, qty, status, created_at, expires_at, committed_at
		FROM stock_reservations WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reservation.Reservation
	for rows.Next() {
		var (
			r      reservation.Reservation
			status string
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.ProductID, &r.Size, &r.Qty, &status,
			&r.CreatedAt, &r.ExpiresAt, &r.CommittedAt); err != nil {
			return nil, err
		}
		r.Status = reservation.Status(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkCommitted waits for in-flight reserves on the session's buckets, so none
// of them can read sold_qty from before the sale and holds from after it.
func (l *PGLedger) MarkCommitted(ctx context.Context, sessionID string, now time.Time) error {
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockSessionBuckets(ctx, tx, sessionID, `status = 'completed' AND committed_at IS NULL`); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE stock_reservations SET committed_at = $2
		WHERE session_id = $1 AND status = 'completed' AND committed_at IS NULL`, sessionID, now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (l *PGLedger) PendingCommits(ctx context.Context, limit int) ([]string, error) {
	rows, err := l.DB.Query(ctx, `
		SELECT session_id FROM stock_reservations
		WHERE status = 'completed' AND committed_at IS NULL
		GROUP BY session_id ORDER BY MIN(created_at) LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

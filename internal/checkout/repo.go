package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-checkout-reservations/internal/reservation"
)

// PGStore keeps sessions in checkout_sessions. Writes are compare-and-set on
// version; terminal transitions lock the row and move its reservations in
// the same transaction.
type PGStore struct{ DB *pgxpool.Pool }

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *PGStore) Create(ctx context.Context, s *Session) error {
	items, err := json.Marshal(s.Items)
	if err != nil {
		return err
	}
	s.Version = 1
	_, err = r.DB.Exec(ctx, `
		INSERT INTO checkout_sessions(id, kind, user_id, guest_tracking_id, currency, items, status,
			expires_at, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, string(s.Kind), nullable(s.Owner.UserID), nullable(s.Owner.GuestTrackingID), s.Currency,
		items, string(s.Status), s.ExpiresAt, s.Version, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r *PGStore) Get(ctx context.Context, id string) (*Session, error) {
	var (
		s                     Session
		kind, status          string
		userID, guestID, gwID *string
		items, coupon, locked []byte
	)
	err := r.DB.QueryRow(ctx, `
		SELECT id, kind, user_id, guest_tracking_id, currency, items, applied_coupon, locked_totals,
		       status, expires_at, validated_at, payment_initiated_at, gateway_order_id,
		       payment_reference, finalized_at, version, created_at, updated_at
		FROM checkout_sessions WHERE id = $1`, id).Scan(
		&s.ID, &kind, &userID, &guestID, &s.Currency, &items, &coupon, &locked,
		&status, &s.ExpiresAt, &s.ValidatedAt, &s.PaymentInitiatedAt, &gwID,
		&s.PaymentReference, &s.FinalizedAt, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Kind, s.Status = Kind(kind), Status(status)
	if userID != nil {
		s.Owner.UserID = *userID
	}
	if guestID != nil {
		s.Owner.GuestTrackingID = *guestID
	}
	if gwID != nil {
		s.GatewayOrderID = *gwID
	}
	if err := json.Unmarshal(items, &s.Items); err != nil {
		return nil, fmt.Errorf("decode items of %s: %w", id, err)
	}
	if coupon != nil {
		if err := json.Unmarshal(coupon, &s.AppliedCoupon); err != nil {
			return nil, fmt.Errorf("decode coupon of %s: %w", id, err)
		}
	}
	if locked != nil {
		if err := json.Unmarshal(locked, &s.LockedTotals); err != nil {
			return nil, fmt.Errorf("decode locked totals of %s: %w", id, err)
		}
	}
	return &s, nil
}

func marshalOptional(v any, isNil bool) ([]byte, error) {
	if isNil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (r *PGStore) Update(ctx context.Context, s *Session) error {
	items, err := json.Marshal(s.Items)
	if err != nil {
		return err
	}
	coupon, err := marshalOptional(s.AppliedCoupon, s.AppliedCoupon == nil)
	if err != nil {
		return err
	}
	locked, err := marshalOptional(s.LockedTotals, s.LockedTotals == nil)
	if err != nil {
		return err
	}
	var v int64
	err = r.DB.QueryRow(ctx, `
		UPDATE checkout_sessions
		SET items = $3, applied_coupon = $4, locked_totals = $5, validated_at = $6,
		    payment_initiated_at = $7, gateway_order_id = $8, updated_at = $9, version = version + 1
		WHERE id = $1 AND version = $2 AND status = 'active' AND expires_at > $9
		RETURNING version`,
		s.ID, s.Version, items, coupon, locked, s.ValidatedAt,
		s.PaymentInitiatedAt, nullable(s.GatewayOrderID), s.UpdatedAt).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.whyNotWritten(ctx, s.ID, s.Version, s.UpdatedAt)
	}
	if err != nil {
		return err
	}
	s.Version = v
	return nil
}

// whyNotWritten names the guard a conditional write failed on.
func (r *PGStore) whyNotWritten(ctx context.Context, id string, version int64, now time.Time) error {
	var (
		status  string
		v       int64
		expires time.Time
	)
	err := r.DB.QueryRow(ctx, `SELECT status, version, expires_at FROM checkout_sessions WHERE id = $1`, id).
		Scan(&status, &v, &expires)
	if gerr := guardError(err, status, v, expires, version, now); gerr != nil {
		return gerr
	}
	return ErrVersionConflict
}

func guardError(err error, status string, v int64, expires time.Time, version int64, now time.Time) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return err
	case Status(status) != StatusActive:
		return ErrSessionClosed
	case !now.Before(expires):
		return ErrExpired
	case v != version:
		return ErrVersionConflict
	}
	return nil
}

func (r *PGStore) UpdateItems(ctx context.Context, s *Session, req reservation.Request) error {
	items, err := json.Marshal(s.Items)
	if err != nil {
		return err
	}
	coupon, err := marshalOptional(s.AppliedCoupon, s.AppliedCoupon == nil)
	if err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		status  string
		v       int64
		expires time.Time
	)
	err = tx.QueryRow(ctx, `SELECT status, version, expires_at FROM checkout_sessions WHERE id = $1 FOR UPDATE`, s.ID).
		Scan(&status, &v, &expires)
	if gerr := guardError(err, status, v, expires, s.Version, s.UpdatedAt); gerr != nil {
		return gerr
	}
	if err := adjustHold(ctx, tx, req, s.UpdatedAt); err != nil {
		return err
	}
	if err := tx.QueryRow(ctx, `
		UPDATE checkout_sessions
		SET items = $2, applied_coupon = $3, validated_at = $4, updated_at = $5, version = version + 1
		WHERE id = $1 RETURNING version`,
		s.ID, items, coupon, s.ValidatedAt, s.UpdatedAt).Scan(&v); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.Version = v
	return nil
}

func (r *PGStore) Extend(ctx context.Context, s *Session, until, now time.Time) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		status  string
		v       int64
		expires time.Time
	)
	err = tx.QueryRow(ctx, `SELECT status, version, expires_at FROM checkout_sessions WHERE id = $1 FOR UPDATE`, s.ID).
		Scan(&status, &v, &expires)
	if gerr := guardError(err, status, v, expires, s.Version, now); gerr != nil {
		return gerr
	}
	if err := extendReservations(ctx, tx, s.ID, until, now); err != nil {
		return err
	}
	if err := tx.QueryRow(ctx, `
		UPDATE checkout_sessions SET expires_at = $2, updated_at = $3, version = version + 1
		WHERE id = $1 RETURNING version`, s.ID, until, now).Scan(&v); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.ExpiresAt, s.UpdatedAt, s.Version = until, now, v
	return nil
}

func (r *PGStore) Terminate(ctx context.Context, id string, status Status, paymentRef string, now time.Time) (Status, bool, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		current string
		expires time.Time
	)
	err = tx.QueryRow(ctx, `SELECT status, expires_at FROM checkout_sessions WHERE id = $1 FOR UPDATE`, id).
		Scan(&current, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, ErrNotFound
	}
	if err != nil {
		return "", false, err
	}
	if Status(current) != StatusActive {
		return Status(current), false, nil
	}

	applied := true
	if status != StatusExpired && !now.Before(expires) {
		status, paymentRef, applied = StatusExpired, "", false
	}
	if _, err := tx.Exec(ctx, `
		UPDATE stock_reservations SET status = $2
		WHERE session_id = $1 AND status = 'active'`, id, string(status.ReservationStatus())); err != nil {
		return "", false, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE checkout_sessions
		SET status = $2, payment_reference = $3, finalized_at = $4, updated_at = $4, version = version + 1
		WHERE id = $1`, id, string(status), paymentRef, now); err != nil {
		return "", false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", false, err
	}
	return status, applied, nil
}

func (r *PGStore) FindByGatewayOrder(ctx context.Context, gatewayOrderID string) (string, error) {
	var id string
	err := r.DB.QueryRow(ctx, `SELECT id FROM checkout_sessions WHERE gateway_order_id = $1`, gatewayOrderID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return id, err
}

func (r *PGStore) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id FROM checkout_sessions
		WHERE status = 'active' AND expires_at <= $1
		ORDER BY expires_at LIMIT $2`, now, limit)
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

var (
	_ SessionStore = (*PGStore)(nil)
	_ Ledger       = (*PGLedger)(nil)
)

package redisx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-checkout-reservations/internal/checkout"
	"github.com/ariefcatur/go-checkout-reservations/internal/reservation"
)

// Ledger keeps stock reservations in Redis. Availability checks and writes
// for one (product, size) happen inside one script. The sold quantity a
// request carries is only a floor: the ledger also counts every hold it has
// seen committed, since the caller's catalog read may predate that commit.
type Ledger struct{ RDB *redis.Client }

func (l *Ledger) Reserve(ctx context.Context, req reservation.Request, now time.Time) (*reservation.Reservation, error) {
	res, err := reserveScript.Run(ctx, l.RDB,
		[]string{holdsKey(req.ProductID, req.Size), reservationKey(req.ID), sessionReservationsKey(req.SessionID), soldKey(req.ProductID, req.Size)},
		reservationPrefix, ms(now), req.ConfiguredQty, req.SoldQty, req.Qty,
		req.ID, req.SessionID, req.ProductID, req.Size, ms(req.ExpiresAt),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("reserve script: %w", err)
	}
	if res[0] != 1 {
		return nil, &checkout.StockUnavailableError{Items: []checkout.Shortfall{{
			ProductID: req.ProductID, Size: req.Size, Requested: req.Qty, Available: int(res[1]),
		}}}
	}
	return &reservation.Reservation{
		ID:        req.ID,
		SessionID: req.SessionID,
		ProductID: req.ProductID,
		Size:      req.Size,
		Qty:       req.Qty,
		Status:    reservation.StatusActive,
		CreatedAt: fromMS(ms(now)),
		ExpiresAt: fromMS(ms(req.ExpiresAt)),
	}, nil
}

func (l *Ledger) Adjust(ctx context.Context, req reservation.Request, now time.Time) error {
	res, err := adjustScript.Run(ctx, l.RDB,
		[]string{holdsKey(req.ProductID, req.Size), sessionReservationsKey(req.SessionID), soldKey(req.ProductID, req.Size)},
		reservationPrefix, ms(now), req.ConfiguredQty, req.SoldQty, req.Qty, req.ProductID, req.Size,
	).Int64Slice()
	if err != nil {
		return fmt.Errorf("adjust script: %w", err)
	}
	return adjustErr(req, res[0], res[1])
}

func adjustErr(req reservation.Request, code, n int64) error {
	switch code {
	case 1:
		return nil
	case 0:
		return &checkout.StockUnavailableError{Items: []checkout.Shortfall{{
			ProductID: req.ProductID, Size: req.Size, Requested: req.Qty, Available: int(n),
		}}}
	case -2:
		return checkout.ErrExpired
	default:
		return checkout.ErrItemNotFound
	}
}

func (l *Ledger) ReleaseForSession(ctx context.Context, sessionID string, status reservation.Status, _ time.Time) (int, error) {
	n, err := releaseScript.Run(ctx, l.RDB, []string{sessionReservationsKey(sessionID)},
		reservationPrefix, string(status)).Int()
	if err != nil {
		return 0, fmt.Errorf("release script: %w", err)
	}
	return n, nil
}

func (l *Ledger) ExtendForSession(ctx context.Context, sessionID string, until, now time.Time) error {
	n, err := extendScript.Run(ctx, l.RDB, []string{sessionReservationsKey(sessionID)},
		reservationPrefix, ms(now), ms(until)).Int()
	if err != nil {
		return fmt.Errorf("extend script: %w", err)
	}
	if n < 0 {
		return checkout.ErrExpired
	}
	return nil
}

func (l *Ledger) HeldQty(ctx context.Context, productID, size string, now time.Time) (int, error) {
	n, err := heldScript.Run(ctx, l.RDB, []string{holdsKey(productID, size)}, reservationPrefix, ms(now)).Int()
	if err != nil {
		return 0, fmt.Errorf("held script: %w", err)
	}
	return n, nil
}

func (l *Ledger) ForSession(ctx context.Context, sessionID string) ([]reservation.Reservation, error) {
	ids, err := l.RDB.SMembers(ctx, sessionReservationsKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = l.RDB.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, reservationKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]reservation.Reservation, 0, len(ids))
	for i, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		r, err := parseReservation(ids[i], h)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (l *Ledger) MarkCommitted(ctx context.Context, sessionID string, now time.Time) error {
	_, err := markCommittedScript.Run(ctx, l.RDB,
		[]string{sessionReservationsKey(sessionID), KeyPendingCommits},
		reservationPrefix, ms(now), sessionID, soldPrefix).Result()
	return err
}

func (l *Ledger) PendingCommits(ctx context.Context, limit int) ([]string, error) {
	ids, err := l.RDB.SMembers(ctx, KeyPendingCommits).Result()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func parseReservation(id string, h map[string]string) (reservation.Reservation, error) {
	r := reservation.Reservation{
		ID:        id,
		SessionID: h["session_id"],
		ProductID: h["product_id"],
		Size:      h["size"],
		Status:    reservation.Status(h["status"]),
	}
	var err error
	if r.Qty, err = strconv.Atoi(h["qty"]); err != nil {
		return r, fmt.Errorf("reservation %s qty: %w", id, err)
	}
	nums := map[string]int64{}
	for _, f := range []string{"created_at", "expires_at", "committed_at"} {
		v, err := strconv.ParseInt(h[f], 10, 64)
		if err != nil {
			return r, fmt.Errorf("reservation %s %s: %w", id, f, err)
		}
		nums[f] = v
	}
	r.CreatedAt = fromMS(nums["created_at"])
	r.ExpiresAt = fromMS(nums["expires_at"])
	if c := nums["committed_at"]; c > 0 {
		t := fromMS(c)
		r.CommittedAt = &t
	}
	return r, nil
}

package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-checkout-reservations/internal/checkout"
	"github.com/ariefcatur/go-checkout-reservations/internal/reservation"
)

// Sessions stores checkout sessions as hashes. The JSON doc carries the
// mutable session body; status, expiry, version and the terminal fields live
// in their own hash fields and are what the scripts compare against.
type Sessions struct{ RDB *redis.Client }

func (s *Sessions) Create(ctx context.Context, sess *checkout.Session) error {
	sess.Version = 1
	doc, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = s.RDB.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, sessionKey(sess.ID),
			"doc", doc,
			"version", sess.Version,
			"status", string(sess.Status),
			"expires_at", ms(sess.ExpiresAt),
			"payment_ref", "",
			"finalized_at", 0,
			"gateway_order_id", "",
		)
		p.ZAdd(ctx, KeySessionExpiry, redis.Z{Score: float64(ms(sess.ExpiresAt)), Member: sess.ID})
		return nil
	})
	return err
}

func (s *Sessions) Get(ctx context.Context, id string) (*checkout.Session, error) {
	h, err := s.RDB.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, checkout.ErrNotFound
	}
	var sess checkout.Session
	if err := json.Unmarshal([]byte(h["doc"]), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	if sess.Version, err = strconv.ParseInt(h["version"], 10, 64); err != nil {
		return nil, fmt.Errorf("session %s version: %w", id, err)
	}
	exp, err := strconv.ParseInt(h["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("session %s expires_at: %w", id, err)
	}
	sess.ExpiresAt = fromMS(exp)
	sess.Status = checkout.Status(h["status"])
	sess.PaymentReference = h["payment_ref"]
	sess.GatewayOrderID = h["gateway_order_id"]
	if fin, _ := strconv.ParseInt(h["finalized_at"], 10, 64); fin > 0 {
		t := fromMS(fin)
		sess.FinalizedAt = &t
	}
	return &sess, nil
}

func guardErr(code int64) error {
	switch code {
	case -1:
		return checkout.ErrNotFound
	case -2:
		return checkout.ErrVersionConflict
	case -3:
		return checkout.ErrSessionClosed
	case -4:
		return checkout.ErrExpired
	}
	return fmt.Errorf("unexpected session script result %d", code)
}

func (s *Sessions) Update(ctx context.Context, sess *checkout.Session) error {
	doc, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	v, err := updateScript.Run(ctx, s.RDB,
		[]string{sessionKey(sess.ID), gatewayOrderKey(sess.GatewayOrderID)},
		sess.Version, doc, ms(sess.UpdatedAt), sess.GatewayOrderID, sess.ID,
	).Int64()
	if err != nil {
		return fmt.Errorf("update script: %w", err)
	}
	if v < 0 {
		return guardErr(v)
	}
	sess.Version = v
	return nil
}

func (s *Sessions) UpdateItems(ctx context.Context, sess *checkout.Session, req reservation.Request) error {
	doc, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	res, err := updateItemsScript.Run(ctx, s.RDB,
		[]string{sessionKey(sess.ID), holdsKey(req.ProductID, req.Size), sessionReservationsKey(sess.ID), soldKey(req.ProductID, req.Size)},
		sess.Version, doc, ms(sess.UpdatedAt), reservationPrefix,
		req.ConfiguredQty, req.SoldQty, req.Qty, req.ProductID, req.Size,
	).Int64Slice()
	if err != nil {
		return fmt.Errorf("update items script: %w", err)
	}
	switch res[0] {
	case 1:
		sess.Version = res[1]
		return nil
	case 0:
		return guardErr(res[1])
	default:
		return adjustErr(req, res[1], res[2])
	}
}

func (s *Sessions) Extend(ctx context.Context, sess *checkout.Session, until, now time.Time) error {
	next := *sess
	next.ExpiresAt = until
	next.UpdatedAt = now
	doc, err := json.Marshal(&next)
	if err != nil {
		return err
	}
	v, err := extendSessionScript.Run(ctx, s.RDB,
		[]string{sessionKey(sess.ID), sessionReservationsKey(sess.ID), KeySessionExpiry},
		sess.Version, doc, ms(now), ms(until), reservationPrefix, sess.ID,
	).Int64()
	if err != nil {
		return fmt.Errorf("extend session script: %w", err)
	}
	if v < 0 {
		return guardErr(v)
	}
	sess.ExpiresAt = fromMS(ms(until))
	sess.UpdatedAt = now
	sess.Version = v
	return nil
}

func (s *Sessions) Terminate(ctx context.Context, id string, status checkout.Status, paymentRef string, now time.Time) (checkout.Status, bool, error) {
	res, err := terminateScript.Run(ctx, s.RDB,
		[]string{sessionKey(id), sessionReservationsKey(id), KeySessionExpiry, KeyPendingCommits},
		string(status), string(status.ReservationStatus()), paymentRef, ms(now), reservationPrefix, id,
	).Slice()
	if err != nil {
		return "", false, fmt.Errorf("terminate script: %w", err)
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("terminate script: unexpected reply %v", res)
	}
	code, _ := res[0].(int64)
	kept, _ := res[1].(string)
	if code < 0 {
		return "", false, checkout.ErrNotFound
	}
	return checkout.Status(kept), code == 1, nil
}

func (s *Sessions) FindByGatewayOrder(ctx context.Context, gatewayOrderID string) (string, error) {
	if gatewayOrderID == "" {
		return "", checkout.ErrNotFound
	}
	id, err := s.RDB.Get(ctx, gatewayOrderKey(gatewayOrderID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", checkout.ErrNotFound
	}
	return id, err
}

func (s *Sessions) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.RDB.ZRangeByScore(ctx, KeySessionExpiry, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(ms(now), 10),
		Count: int64(limit),
	}).Result()
}

package redisx

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-checkout-reservations/internal/reservation"
)

var t0 = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

func req(id, session string, qty int, expires time.Time) reservation.Request {
	return reservation.Request{
		ID:            id,
		SessionID:     session,
		ProductID:     "p1",
		Size:          "M",
		Qty:           qty,
		ConfiguredQty: 5,
		SoldQty:       2,
		ExpiresAt:     expires,
	}
}

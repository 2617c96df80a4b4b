package redisx

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Dedup remembers processed event ids per service for TTLDedup.
type Dedup struct {
	RDB     *redis.Client
	Service string
}

// Claim marks id as processed. It returns false if another delivery already
// claimed it.
func (d *Dedup) Claim(ctx context.Context, id string) (bool, error) {
	return d.RDB.SetNX(ctx, fmt.Sprintf(KeyDedup, d.Service, id), 1, TTLDedup).Result()
}

// Forget drops a claim so a failed delivery can be processed again.
func (d *Dedup) Forget(ctx context.Context, id string) error {
	return d.RDB.Del(ctx, fmt.Sprintf(KeyDedup, d.Service, id)).Err()
}

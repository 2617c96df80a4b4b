package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window counter shared by every API instance.
type RateLimiter struct {
	RDB    *redis.Client
	Scope  string
	Limit  int
	Window time.Duration
}

var incrWindow = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then redis.call('PEXPIRE', KEYS[1], ARGV[1]) end
return n
`)

// Allow counts one attempt for key and reports whether it is within the limit.
func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.Limit <= 0 {
		return true, nil
	}
	n, err := incrWindow.Run(ctx, l.RDB, []string{fmt.Sprintf(KeyRateLimit, l.Scope, key)}, l.Window.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n <= l.Limit, nil
}

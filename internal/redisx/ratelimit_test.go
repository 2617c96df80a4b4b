package redisx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_FixedWindow(t *testing.T) {
	rdb, mr := setupTestRedis(t)
	rl := &RateLimiter{RDB: rdb, Scope: "coupon", Limit: 2, Window: time.Minute}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, "user:u1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "user:u1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "user:u2")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(time.Minute)
	ok, err = rl.Allow(ctx, "user:u1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDedup_ClaimOnce(t *testing.T) {
	rdb, mr := setupTestRedis(t)
	d := &Dedup{RDB: rdb, Service: "webhook"}
	ctx := context.Background()

	ok, err := d.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = d.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, mr.Exists("dedup:webhook:evt_1"))

	require.NoError(t, d.Forget(ctx, "evt_1"))
	ok, err = d.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, ok)
}

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *rd.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestLeaseIsExclusiveAndOwnerReleased(t *testing.T) {
	mr, rdb := newClient(t)
	ctx := context.Background()
	l := NewLease(rdb)

	tok, ok, err := l.TryAcquire(ctx, "recovery", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryAcquire(ctx, "recovery", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx, "recovery", "someone-else"))
	assert.True(t, mr.Exists(LeaseKey("recovery")))

	require.NoError(t, l.Release(ctx, "recovery", tok))
	assert.False(t, mr.Exists(LeaseKey("recovery")))
}

func TestLeaseExpires(t *testing.T) {
	mr, rdb := newClient(t)
	ctx := context.Background()
	l := NewLease(rdb)

	_, ok, err := l.TryAcquire(ctx, "sweep", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	_, ok, err = l.TryAcquire(ctx, "sweep", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMarkOnce(t *testing.T) {
	_, rdb := newClient(t)
	ctx := context.Background()
	key := NotifiedKey("order_confirmation", "JS1")

	first, err := MarkOnce(ctx, rdb, key, time.Hour)
	require.NoError(t, err)
	second, err := MarkOnce(ctx, rdb, key, time.Hour)
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)

	require.NoError(t, Forget(ctx, rdb, key))
	again, err := MarkOnce(ctx, rdb, key, time.Hour)
	require.NoError(t, err)
	assert.True(t, again)
}

func TestAllowSlidingWindow(t *testing.T) {
	_, rdb := newClient(t)
	ctx := context.Background()
	key := RateLimitKey("checkout", "user:7")
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		ok, err := Allow(ctx, rdb, key, 3, time.Second, now.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := Allow(ctx, rdb, key, 3, time.Second, now.Add(10*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Allow(ctx, rdb, key, 3, time.Second, now.Add(1500*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, ok, "old entries fall out of the window")
}

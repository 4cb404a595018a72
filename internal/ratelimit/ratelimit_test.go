package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedisLimiter(t *testing.T) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLimiter(client, zap.NewNop()), mr
}

func TestRedisLimiter_SlidingWindow(t *testing.T) {
	l, mr := newRedisLimiter(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	now := base
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "family:+447700900001", 3, time.Hour)
		require.NoError(t, err)
		assert.True(t, ok, "hit %d", i)
		now = now.Add(time.Minute)
	}

	ok, err := l.Allow(ctx, "family:+447700900001", 3, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	// 其他 key 不受影响
	ok, err = l.Allow(ctx, "family:+447700900002", 3, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	// 第一次命中滑出窗口后恢复一个名额
	now = base.Add(time.Hour + time.Second)
	ok, err = l.Allow(ctx, "family:+447700900001", 3, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.True(t, mr.Exists("wellcall:ratelimit:family:+447700900001"))
}

func TestRedisLimiter_Unlimited(t *testing.T) {
	l, _ := newRedisLimiter(t)
	for i := 0; i < 5; i++ {
		ok, err := l.Allow(context.Background(), "k", 0, time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestRedisLimiter_RedisDown(t *testing.T) {
	l, mr := newRedisLimiter(t)
	mr.Close()

	_, err := l.Allow(context.Background(), "k", 1, time.Hour)
	assert.Error(t, err)
}

func TestMemoryLimiter(t *testing.T) {
	l := NewMemoryLimiter()
	base := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	now := base
	l.SetClock(func() time.Time { return now })
	ctx := context.Background()

	ok, _ := l.Allow(ctx, "rule:r-1", 2, time.Hour)
	assert.True(t, ok)
	now = now.Add(10 * time.Minute)
	ok, _ = l.Allow(ctx, "rule:r-1", 2, time.Hour)
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "rule:r-1", 2, time.Hour)
	assert.False(t, ok)

	now = base.Add(time.Hour + time.Minute)
	ok, _ = l.Allow(ctx, "rule:r-1", 2, time.Hour)
	assert.True(t, ok)
}

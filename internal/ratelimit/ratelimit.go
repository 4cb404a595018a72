package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Limiter 滑动窗口限流（按 key 计数）
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// KEYS[1] = key
// ARGV[1] = now (ms), ARGV[2] = window (ms), ARGV[3] = limit, ARGV[4] = member
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
if count >= limit then
	return 0
end
redis.call("ZADD", key, now, ARGV[4])
redis.call("PEXPIRE", key, window)
return 1
`)

// RedisLimiter 基于 ZSET 的滑动窗口，多实例共享计数
type RedisLimiter struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisLimiter 创建 Redis 限流器
func NewRedisLimiter(client *redis.Client, logger *zap.Logger) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: "wellcall:ratelimit:",
		logger: logger,
		now:    time.Now,
	}
}

// Allow 窗口内未超过 limit 时记一次并返回 true
// limit <= 0 表示不限流
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	if key == "" {
		return false, fmt.Errorf("rate limit key is required")
	}

	now := l.now().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())
	n, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.prefix + key},
		now, window.Milliseconds(), limit, member,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}
	if n == 0 {
		l.logger.Debug("Rate limit reached",
			zap.String("key", key),
			zap.Int("limit", limit),
			zap.Duration("window", window),
		)
	}
	return n == 1, nil
}

// MemoryLimiter 进程内滑动窗口（单实例/测试使用）
type MemoryLimiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

// NewMemoryLimiter 创建进程内限流器
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		hits: map[string][]time.Time{},
		now:  time.Now,
	}
}

// SetClock 替换时钟（测试用）
func (l *MemoryLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-window)
	hits := l.hits[key]
	// hits 按时间递增
	i := sort.Search(len(hits), func(i int) bool { return hits[i].After(cutoff) })
	hits = hits[i:]
	if len(hits) >= limit {
		l.hits[key] = hits
		return false, nil
	}
	l.hits[key] = append(hits, now)
	return true, nil
}

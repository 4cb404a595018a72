package redis

import (
	"context"
	"time"

	"wisefido-checkin/common/config"

	"github.com/go-redis/redis/v8"
)

// Client go-redis 客户端别名，业务包无需直接依赖 go-redis
type Client = redis.Client

// NewRedisClient 创建Redis客户端
// ReadTimeout 需大于消费者 XREADGROUP 的 block 时长
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// Ping 启动时检查连接（3 秒超时）
func Ping(ctx context.Context, client *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return client.Ping(ctx).Err()
}

package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// MarkOnce 首次标记返回 true，重复标记返回 false。
// 用于 Kafka 至少一次投递下的副作用去重（如下单确认通知）。
func MarkOnce(ctx context.Context, rdb *rd.Client, key string, ttl time.Duration) (bool, error) {
	return rdb.SetNX(ctx, key, "1", ttl).Result()
}

// Forget 副作用执行失败时撤销标记，允许下次投递重试。
func Forget(ctx context.Context, rdb *rd.Client, key string) error {
	return rdb.Del(ctx, key).Err()
}

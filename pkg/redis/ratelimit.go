package redis

import (
	"context"
	"fmt"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaSlidingWindow 有序集合滑动窗口（原子操作）。
// KEYS[1]=限流key，ARGV: now(ms), windowStart(ms), windowMs, member, limit
// 返回窗口内计数，超限返回 -1。
const luaSlidingWindow = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local windowMs = tonumber(ARGV[3])
local member = ARGV[4]
local limit = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, '-inf', windowStart)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, windowMs)
  return count + 1
end
return -1
`

// Allow 在窗口内计数一次请求，超出 limit 返回 false。
func Allow(ctx context.Context, rdb *rd.Client, key string, limit int, window time.Duration, now time.Time) (bool, error) {
	nowMs := now.UnixMilli()
	windowMs := window.Milliseconds()
	member := fmt.Sprintf("%d-%d", nowMs, now.UnixNano())
	n, err := rdb.Eval(ctx, luaSlidingWindow, []string{key},
		nowMs, nowMs-windowMs, windowMs, member, limit).Int()
	if err != nil {
		return false, err
	}
	return n >= 0, nil
}

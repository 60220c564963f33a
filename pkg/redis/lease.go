package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

// luaReleaseIfOwner 仅当租约值仍是自己的 token 时才删除，避免误删其他实例续上的租约。
const luaReleaseIfOwner = `
local key = KEYS[1]
local token = ARGV[1]
if redis.call('GET', key) == token then
  return redis.call('DEL', key)
end
return 0
`

// Lease 基于 SET NX PX 的互斥租约，过期自动释放，进程崩溃也不会永久占用。
type Lease struct {
	rdb *rd.Client
}

func NewLease(rdb *rd.Client) *Lease { return &Lease{rdb: rdb} }

// TryAcquire 抢占租约，ok=false 表示其他实例持有。
func (l *Lease) TryAcquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, LeaseKey(name), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release 安全释放租约；租约已过期或被他人持有时什么也不做。
func (l *Lease) Release(ctx context.Context, name, token string) error {
	return l.rdb.Eval(ctx, luaReleaseIfOwner, []string{LeaseKey(name)}, token).Err()
}

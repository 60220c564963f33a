package middleware

import (
	"net/http"
	"strconv"
	"time"

	rediskey "jewel_shop/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisRateLimit Redis 分布式限流（Lua 滑动窗口），按用户限流，无用户身份时按 IP。
func RedisRateLimit(rdb *rd.Client, scope string, limit int, window time.Duration, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := "ip:" + c.ClientIP()
		if uid, ok := c.Get(ctxUserID); ok {
			subject = "user:" + strconv.FormatInt(uid.(int64), 10)
		}

		ok, err := rediskey.Allow(c.Request.Context(), rdb, rediskey.RateLimitKey(scope, subject), limit, window, time.Now())
		if err != nil {
			// Redis 出错时放行（降级策略）
			log.Warn().Err(err).Str("scope", scope).Msg("rate limit unavailable")
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":   http.StatusTooManyRequests,
				"msg":    "too many requests, please retry shortly",
				"reason": "rate_limited",
			})
			return
		}
		c.Next()
	}
}

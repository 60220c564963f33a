package middleware

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxUserID = "user_id"

// UserID 认证由上游网关完成，这里只读取其注入的 X-User-ID。
func UserID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(strings.TrimSpace(c.GetHeader("X-User-ID")), 10, 64)
		if err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "msg": "missing or invalid X-User-ID"})
			return
		}
		c.Set(ctxUserID, id)
		c.Next()
	}
}

// CurrentUser 读取 UserID 中间件写入的用户 ID。
func CurrentUser(c *gin.Context) int64 {
	return c.GetInt64(ctxUserID)
}

// AdminToken 后台接口使用固定令牌（X-Admin-Token）。
func AdminToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Admin-Token")
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "msg": "admin token required"})
			return
		}
		c.Next()
	}
}

// AdminActor 审计用的操作人，缺省为 admin。
func AdminActor(c *gin.Context) string {
	if a := strings.TrimSpace(c.GetHeader("X-Admin-Actor")); a != "" {
		return a
	}
	return "admin"
}

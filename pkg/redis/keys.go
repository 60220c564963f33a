// Package redis 集中放置 Redis 键名约定与原子脚本。
package redis

import "fmt"

const prefix = "jewel_shop"

// LeaseKey 集群级租约（召回调度、清扫）。
func LeaseKey(name string) string {
	return fmt.Sprintf("%s:lease:%s", prefix, name)
}

// NotifiedKey 标记某订单的某类通知已经发出过。
func NotifiedKey(kind, orderNo string) string {
	return fmt.Sprintf("%s:notified:%s:%s", prefix, kind, orderNo)
}

// RateLimitKey 按接口分组、按用户或 IP 限流。
func RateLimitKey(scope, subject string) string {
	return fmt.Sprintf("%s:rate_limit:%s:%s", prefix, scope, subject)
}

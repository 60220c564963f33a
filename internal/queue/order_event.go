package queue

import (
	"fmt"
	"strconv"
	"time"
)

// Event types.
const (
	EventOrderCreated  = "order.created"
	EventOrderStatus   = "order.status_changed"
	EventOrderRefunded = "order.refunded"
)

// OrderEvent 订单事务提交后写入 Redis Stream，再由 Relay 转发到 Kafka。
type OrderEvent struct {
	Type       string    `json:"type"`
	OrderID    uint      `json:"order_id"`
	OrderNo    string    `json:"order_no"`
	UserID     int64     `json:"user_id"`
	Status     string    `json:"status"`
	Total      int64     `json:"total"` // paise
	Currency   string    `json:"currency"`
	Origin     string    `json:"origin"`
	JourneyID  uint      `json:"journey_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (e OrderEvent) Validate() error {
	switch e.Type {
	case EventOrderCreated, EventOrderStatus, EventOrderRefunded:
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.OrderID == 0 {
		return fmt.Errorf("order_id is required")
	}
	if e.OrderNo == "" {
		return fmt.Errorf("order_no is required")
	}
	if e.UserID <= 0 {
		return fmt.Errorf("user_id is required")
	}
	if e.Total < 0 {
		return fmt.Errorf("total must be >= 0")
	}
	return nil
}

// Key Kafka 分区键：同一订单的事件落在同一分区，保证顺序。
func (e OrderEvent) Key() string { return e.OrderNo }

// values 展开为 Stream 字段。
func (e OrderEvent) values() map[string]any {
	return map[string]any{
		"type":        e.Type,
		"order_id":    strconv.FormatUint(uint64(e.OrderID), 10),
		"order_no":    e.OrderNo,
		"user_id":     strconv.FormatInt(e.UserID, 10),
		"status":      e.Status,
		"total":       strconv.FormatInt(e.Total, 10),
		"currency":    e.Currency,
		"origin":      e.Origin,
		"journey_id":  strconv.FormatUint(uint64(e.JourneyID), 10),
		"occurred_at": e.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}

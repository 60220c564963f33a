package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// OrderStatus 订单履约状态。
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderConfirmed OrderStatus = "confirmed"
	OrderShipped   OrderStatus = "shipped"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
)

// orderTransitions 允许的状态流转。
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:   {OrderConfirmed, OrderCancelled},
	OrderConfirmed: {OrderShipped, OrderCancelled},
	OrderShipped:   {OrderCompleted},
}

// CanTransition 判断 from → to 是否合法。
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Payment statuses stored on the order.
const (
	OrderPaymentPaid              = "paid"
	OrderPaymentPartiallyRefunded = "partially_refunded"
	OrderPaymentRefunded          = "refunded"
)

// Discount sources.
const (
	DiscountSourceCoupon    = "coupon"
	DiscountSourceAbandoned = "abandoned"
)

// Order 每笔成功支付恰好生成一个订单。
type Order struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	OrderNo string      `gorm:"size:64;uniqueIndex;not null" json:"order_no"`
	UserID  int64       `gorm:"not null;index" json:"user_id"`
	Status  OrderStatus `gorm:"size:16;not null;index" json:"status"`

	Subtotal       int64  `gorm:"not null" json:"subtotal"`
	ShippingFee    int64  `gorm:"not null" json:"shipping_fee"`
	DiscountAmount int64  `gorm:"not null" json:"discount_amount"`
	Total          int64  `gorm:"not null" json:"total"`
	Currency       string `gorm:"size:8;not null" json:"currency"`

	CouponCode     string `gorm:"size:32" json:"coupon_code"`
	DiscountSource string `gorm:"size:16" json:"discount_source"`
	LoyaltyTier    string `gorm:"size:16" json:"loyalty_tier"`

	PaymentAttemptID *uint      `gorm:"uniqueIndex" json:"payment_attempt_id"`
	GatewayOrderID   string     `gorm:"size:64;index" json:"gateway_order_id"`
	GatewayPaymentID *string    `gorm:"size:64;uniqueIndex" json:"gateway_payment_id"`
	PaymentStatus    string     `gorm:"size:24;not null" json:"payment_status"`
	RefundedAmount   int64      `gorm:"not null;default:0" json:"refunded_amount"`
	PaidAt           *time.Time `json:"paid_at"`

	SettlementID       string         `gorm:"size:64;index" json:"settlement_id"`
	SettlementSnapshot datatypes.JSON `json:"settlement_snapshot,omitempty"`

	JourneyID       *uint   `gorm:"index" json:"journey_id"`
	ShippingAddress Address `gorm:"serializer:json" json:"shipping_address"`

	Items  []OrderItem        `gorm:"foreignKey:OrderID" json:"items,omitempty"`
	Events []OrderStatusEvent `gorm:"foreignKey:OrderID" json:"events,omitempty"`
}

// 显式实现结构，确定表名
func (Order) TableName() string { return "orders" }

// OrderItem 下单时冻结的价格/重量/变体快照，发票以此为准。
type OrderItem struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	OrderID     uint   `gorm:"not null;index" json:"order_id"`
	ProductID   uint   `gorm:"not null" json:"product_id"`
	VariantID   uint   `gorm:"not null;default:0" json:"variant_id"`
	Name        string `gorm:"size:128;not null" json:"name"`
	SKU         string `gorm:"size:64" json:"sku"`
	VariantName string `gorm:"size:128" json:"variant_name"`
	Category    string `gorm:"size:64" json:"category"`
	UnitPrice   int64  `gorm:"not null" json:"unit_price"`
	Quantity    int    `gorm:"not null" json:"quantity"`
	WeightGrams int    `gorm:"not null" json:"weight_grams"`
	LineTotal   int64  `gorm:"not null" json:"line_total"`
}

func (OrderItem) TableName() string { return "order_items" }

// OrderStatusEvent 只追加的状态日志。
type OrderStatusEvent struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	OrderID    uint        `gorm:"not null;index" json:"order_id"`
	FromStatus OrderStatus `gorm:"size:16" json:"from_status"`
	ToStatus   OrderStatus `gorm:"size:16;not null" json:"to_status"`
	Actor      string      `gorm:"size:64" json:"actor"`
	Note       string      `gorm:"size:255" json:"note"`
}

func (OrderStatusEvent) TableName() string { return "order_status_events" }

// OrderRefund 退款流水，按网关退款号去重（后台发起与 webhook 回调可能重复上报）。
type OrderRefund struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	OrderID         uint   `gorm:"not null;index" json:"order_id"`
	GatewayRefundID string `gorm:"size:64;uniqueIndex;not null" json:"gateway_refund_id"`
	Amount          int64  `gorm:"not null" json:"amount"`
	Status          string `gorm:"size:24" json:"status"`
}

func (OrderRefund) TableName() string { return "order_refunds" }

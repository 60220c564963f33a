package model

import "time"

// PaymentAttemptStatus 结算尝试状态机。
type PaymentAttemptStatus string

const (
	PaymentCreated   PaymentAttemptStatus = "created"
	PaymentAttempted PaymentAttemptStatus = "attempted"
	PaymentPaid      PaymentAttemptStatus = "paid"
	PaymentFailed    PaymentAttemptStatus = "failed"
	PaymentRefunded  PaymentAttemptStatus = "refunded"
	PaymentExpired   PaymentAttemptStatus = "expired"
)

// Terminal paid/failed/expired/refunded 之后不再流转。
func (s PaymentAttemptStatus) Terminal() bool {
	switch s {
	case PaymentPaid, PaymentFailed, PaymentExpired, PaymentRefunded:
		return true
	}
	return false
}

// PaymentAttempt 一次结算对应一个网关订单。
type PaymentAttempt struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Ref 对外暴露的尝试编号，用于重试接口。
	Ref              string               `gorm:"size:64;uniqueIndex;not null" json:"ref"`
	UserID           int64                `gorm:"not null;index" json:"user_id"`
	GatewayOrderID   *string              `gorm:"size:64;uniqueIndex" json:"gateway_order_id"`
	GatewayPaymentID string               `gorm:"size:64;index" json:"gateway_payment_id"`
	Status           PaymentAttemptStatus `gorm:"size:16;not null;index" json:"status"`

	Amount         int64  `gorm:"not null" json:"amount"` // paise
	Currency       string `gorm:"size:8;not null" json:"currency"`
	Subtotal       int64  `gorm:"not null" json:"subtotal"`
	ShippingFee    int64  `gorm:"not null" json:"shipping_fee"`
	DiscountAmount int64  `gorm:"not null" json:"discount_amount"`
	CouponCode     string `gorm:"size:32" json:"coupon_code"`
	// CartFingerprint 用于校验「下单后购物车是否被改动」。
	CartFingerprint string         `gorm:"size:64;not null" json:"cart_fingerprint"`
	Lines           []SnapshotItem `gorm:"serializer:json" json:"lines"`
	BillingAddress  Address        `gorm:"serializer:json" json:"billing_address"`
	ShippingAddress Address        `gorm:"serializer:json" json:"shipping_address"`

	// 时间戳锁：过期自动失效，避免崩溃的校验请求永久阻塞。
	VerifyLockedAt *time.Time `json:"-"`
	LocalOrderID   *uint      `gorm:"uniqueIndex" json:"local_order_id"`
	VerifiedAt     *time.Time `json:"verified_at"`
	ExpiresAt      time.Time  `gorm:"not null;index" json:"expires_at"`
	FailureReason  string     `gorm:"size:255" json:"failure_reason"`
	RetryOfID      *uint      `json:"retry_of_id"`

	Reservations []InventoryReservation `gorm:"foreignKey:PaymentAttemptID" json:"reservations,omitempty"`
}

func (PaymentAttempt) TableName() string { return "payment_attempts" }

// ReservationStatus 库存预留三阶段：reserve → consume | release。
type ReservationStatus string

const (
	ReservationReserved ReservationStatus = "reserved"
	ReservationConsumed ReservationStatus = "consumed"
	ReservationReleased ReservationStatus = "released"
)

// InventoryReservation 库存预留流水。
type InventoryReservation struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	PaymentAttemptID uint              `gorm:"not null;index" json:"payment_attempt_id"`
	ProductID        uint              `gorm:"not null;index" json:"product_id"`
	VariantID        uint              `gorm:"not null;default:0" json:"variant_id"`
	Quantity         int               `gorm:"not null" json:"quantity"`
	Status           ReservationStatus `gorm:"size:16;not null;index" json:"status"`
}

func (InventoryReservation) TableName() string { return "inventory_reservations" }

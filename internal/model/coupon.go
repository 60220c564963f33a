package model

import "time"

// Coupon scopes.
const (
	ScopeGeneric  = "generic"
	ScopeCategory = "category"
	ScopeCustomer = "customer"
	ScopeTier     = "tier"
)

// Coupon discount types.
const (
	CouponPercent = "percent"
	CouponFixed   = "fixed"
)

// Coupon 运营后台发放的通用优惠券。
type Coupon struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Code         string     `gorm:"size:32;uniqueIndex;not null" json:"code"`
	DiscountType string     `gorm:"size:16;not null" json:"discount_type"`
	Value        float64    `gorm:"not null" json:"value"` // percent 或固定金额（paise）
	MaxDiscount  int64      `gorm:"not null;default:0" json:"max_discount"`
	MinCartValue int64      `gorm:"not null;default:0" json:"min_cart_value"`
	StartsAt     *time.Time `json:"starts_at"`
	EndsAt       *time.Time `json:"ends_at"`
	UsageLimit   int        `gorm:"not null;default:0" json:"usage_limit"` // 0 不限
	PerUserLimit int        `gorm:"not null;default:0" json:"per_user_limit"`
	UsedCount    int        `gorm:"not null;default:0" json:"used_count"`
	Scope        string     `gorm:"size:16;not null;default:generic" json:"scope"`
	ScopeValue   string     `gorm:"size:64" json:"scope_value"`
	Active       bool       `gorm:"not null" json:"active"`
}

func (Coupon) TableName() string { return "coupons" }

// CouponRedemption 每个订单最多核销一次。
type CouponRedemption struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	CouponID uint  `gorm:"not null;index" json:"coupon_id"`
	UserID   int64 `gorm:"not null;index" json:"user_id"`
	OrderID  uint  `gorm:"not null;uniqueIndex" json:"order_id"`
	Amount   int64 `gorm:"not null" json:"amount"`
}

func (CouponRedemption) TableName() string { return "coupon_redemptions" }

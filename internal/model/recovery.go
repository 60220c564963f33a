package model

import (
	"time"

	"gorm.io/datatypes"
)

// JourneyStatus 召回旅程状态机。
type JourneyStatus string

const (
	JourneyActive    JourneyStatus = "active"
	JourneyRecovered JourneyStatus = "recovered"
	JourneyCancelled JourneyStatus = "cancelled"
	JourneyExpired   JourneyStatus = "expired"
)

// Terminal 终态不再有任何触达。
func (s JourneyStatus) Terminal() bool { return s != JourneyActive }

// SnapshotItem 购物车行的冻结快照，也是支付链接补单的数据来源。
type SnapshotItem struct {
	ProductID   uint   `json:"product_id"`
	VariantID   uint   `json:"variant_id,omitempty"`
	Name        string `json:"name"`
	SKU         string `json:"sku"`
	VariantName string `json:"variant_name,omitempty"`
	Category    string `json:"category,omitempty"`
	UnitPrice   int64  `json:"unit_price"`
	Quantity    int    `json:"quantity"`
	WeightGrams int    `json:"weight_grams"`
}

// Candidate 购物车已静默但尚未达到阈值的用户。
type Candidate struct {
	UserID         int64     `gorm:"primarykey;autoIncrement:false" json:"user_id"`
	UpdatedAt      time.Time `json:"updated_at"`
	ItemCount      int       `gorm:"not null" json:"item_count"`
	CartTotal      int64     `gorm:"not null" json:"cart_total"`
	Currency       string    `gorm:"size:8;not null" json:"currency"`
	LastActivityAt time.Time `gorm:"not null;index" json:"last_activity_at"`
}

func (Candidate) TableName() string { return "recovery_candidates" }

// Journey 一个用户一次弃购召回的完整生命周期。
type Journey struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// 部分唯一索引兜底「每个用户最多一个 active 旅程」。
	UserID int64         `gorm:"not null;index;uniqueIndex:idx_journey_active_user,where:status = 'active'" json:"user_id"`
	Status JourneyStatus `gorm:"size:16;not null;index" json:"status"`

	CartSnapshot []SnapshotItem `gorm:"serializer:json" json:"cart_snapshot"`
	ItemCount    int            `gorm:"not null" json:"item_count"`
	CartTotal    int64          `gorm:"not null" json:"cart_total"`
	Currency     string         `gorm:"size:8;not null" json:"currency"`

	// LadderStartedAt 阶梯计时起点：晋升时间，或最近一次购物车活动时间。
	LadderStartedAt time.Time `gorm:"not null" json:"ladder_started_at"`
	// Round 阶梯重启次数；每次购物车活动重启阶梯时加一，触达序号在轮次内连续。
	Round         int        `gorm:"column:ladder_round;not null;default:0" json:"round"`
	LastAttemptNo int        `gorm:"not null;default:0" json:"last_attempt_no"`
	NextAttemptAt *time.Time `gorm:"index" json:"next_attempt_at"`
	ExpiresAt     time.Time  `gorm:"not null;index" json:"expires_at"`

	RecoveredOrderID *uint      `json:"recovered_order_id"`
	RecoveryReason   string     `gorm:"size:64" json:"recovery_reason"`
	ClosedAt         *time.Time `json:"closed_at"`

	Attempts  []Attempt          `gorm:"foreignKey:JourneyID" json:"attempts,omitempty"`
	Discounts []RecoveryDiscount `gorm:"foreignKey:JourneyID" json:"discounts,omitempty"`
}

func (Journey) TableName() string { return "recovery_journeys" }

// AttemptStatus 单次触达结果。
type AttemptStatus string

const (
	AttemptSent    AttemptStatus = "sent"
	AttemptPartial AttemptStatus = "partial"
	AttemptSkipped AttemptStatus = "skipped"
	AttemptFailed  AttemptStatus = "failed"
	AttemptPaid    AttemptStatus = "paid"
)

// ChannelResult 单个渠道的发送结果。
type ChannelResult struct {
	Channel string `json:"channel"`
	OK      bool   `json:"ok"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Attempt 旅程内的一次触达，只追加。
type Attempt struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	JourneyID uint  `gorm:"not null;uniqueIndex:idx_attempt_journey_no,priority:1" json:"journey_id"`
	Round     int   `gorm:"column:ladder_round;not null;default:0;uniqueIndex:idx_attempt_journey_no,priority:2" json:"round"`
	AttemptNo int   `gorm:"not null;uniqueIndex:idx_attempt_journey_no,priority:3" json:"attempt_no"`
	UserID    int64 `gorm:"not null;index" json:"user_id"`

	Channels        []ChannelResult `gorm:"serializer:json" json:"channels"`
	DiscountCode    string          `gorm:"size:32" json:"discount_code"`
	DiscountPercent float64         `json:"discount_percent"`
	DiscountAmount  int64           `json:"discount_amount"`
	PaymentLinkID   string          `gorm:"size:64;index" json:"payment_link_id"`
	PaymentLinkURL  string          `gorm:"size:255" json:"payment_link_url"`
	CheckoutURL     string          `gorm:"size:255" json:"checkout_url"`
	ShippingFee     int64           `json:"shipping_fee"`
	Amount          int64           `json:"amount"`
	// CartSnapshot 生成支付链接时定价用的购物车行；链接付款按它建单。
	CartSnapshot []SnapshotItem `gorm:"serializer:json" json:"cart_snapshot,omitempty"`
	Currency     string         `gorm:"size:8" json:"currency,omitempty"`

	Status       AttemptStatus  `gorm:"size:16;not null" json:"status"`
	Raw          datatypes.JSON `json:"raw,omitempty"`
	ErrorMessage string         `gorm:"size:512" json:"error_message"`
	PaidAt       *time.Time     `json:"paid_at"`
}

func (Attempt) TableName() string { return "recovery_attempts" }

// DiscountStatus 召回折扣码状态。
type DiscountStatus string

const (
	DiscountActive      DiscountStatus = "active"
	DiscountRedeemed    DiscountStatus = "redeemed"
	DiscountInvalidated DiscountStatus = "invalidated"
)

// RecoveryDiscount 绑定旅程+触达序号的专属折扣码。
type RecoveryDiscount struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	JourneyID uint   `gorm:"not null;uniqueIndex:idx_discount_journey_attempt,priority:1;uniqueIndex:idx_discount_active_journey,where:status = 'active'" json:"journey_id"`
	AttemptNo int    `gorm:"not null;uniqueIndex:idx_discount_journey_attempt,priority:2" json:"attempt_no"`
	UserID    int64  `gorm:"not null;index" json:"user_id"`
	Code      string `gorm:"size:32;uniqueIndex;not null" json:"code"`

	Percent           float64        `gorm:"not null" json:"percent"`
	MaxDiscountAmount int64          `gorm:"not null" json:"max_discount_amount"`
	MinCartValue      int64          `gorm:"not null;default:0" json:"min_cart_value"`
	Status            DiscountStatus `gorm:"size:16;not null;index" json:"status"`
	ExpiresAt         time.Time      `gorm:"not null" json:"expires_at"`
	RedeemedOrderID   *uint          `json:"redeemed_order_id"`
	RedeemedAt        *time.Time     `json:"redeemed_at"`
}

func (RecoveryDiscount) TableName() string { return "recovery_discounts" }

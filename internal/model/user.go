package model

import "time"

// Loyalty tiers.
const (
	TierNone     = ""
	TierSilver   = "silver"
	TierGold     = "gold"
	TierPlatinum = "platinum"
)

// Address 收货/账单地址快照，以 JSON 形式冻结进支付尝试和订单。
type Address struct {
	Name    string `json:"name"`
	Line1   string `json:"line1"`
	Line2   string `json:"line2,omitempty"`
	City    string `json:"city"`
	State   string `json:"state"`
	Pincode string `json:"pincode"`
	Country string `json:"country"`
	Mobile  string `json:"mobile"`
}

// Complete 判断地址是否可直接用于发货和支付链接。
func (a Address) Complete() bool {
	return a.Line1 != "" && a.City != "" && a.State != "" && a.Pincode != "" && a.Mobile != ""
}

// User 用户目录中核心需要的部分。
type User struct {
	ID        int64     `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name        string  `gorm:"size:128" json:"name"`
	Email       string  `gorm:"size:191;index" json:"email"`
	Mobile      string  `gorm:"size:20;index" json:"mobile"`
	LoyaltyTier string  `gorm:"size:16" json:"loyalty_tier"`
	Address     Address `gorm:"serializer:json" json:"address"`
}

func (User) TableName() string { return "users" }

package model

import "time"

// ShippingZone 运费规则：按州匹配，按重量阶梯计费，满额包邮。
type ShippingZone struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name string `gorm:"size:64;not null" json:"name"`
	// States 为空表示默认区域。
	States     []string `gorm:"serializer:json" json:"states"`
	BaseFee    int64    `gorm:"not null" json:"base_fee"`
	BaseGrams  int      `gorm:"not null" json:"base_grams"`
	PerSlabFee int64    `gorm:"not null;default:0" json:"per_slab_fee"`
	SlabGrams  int      `gorm:"not null" json:"slab_grams"`
	FreeAbove  int64    `gorm:"not null;default:0" json:"free_above"` // 0 不包邮
	Priority   int      `gorm:"not null;default:0" json:"priority"`
}

func (ShippingZone) TableName() string { return "shipping_zones" }

package model

import (
	"time"

	"gorm.io/gorm"
)

// Product 商品目录：价格、重量、库存。
type Product struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Name     string `gorm:"size:128;not null" json:"name"`
	SKU      string `gorm:"size:64;uniqueIndex;not null" json:"sku"`
	Category string `gorm:"size:64;index" json:"category"`
	Price    int64  `gorm:"not null" json:"price"` // 单位：paise
	// WeightGrams 用于运费计算，也会冻结进订单行。
	WeightGrams int   `gorm:"not null;default:0" json:"weight_grams"`
	Stock       int64 `gorm:"not null;default:0" json:"stock"`
	// TrackStock=false 表示按需定制款，不扣库存。
	TrackStock bool `gorm:"not null" json:"track_stock"`
	Active     bool `gorm:"not null" json:"active"`
}

func (Product) TableName() string { return "products" }

// ProductVariant 变体（尺寸/材质），价格与库存可覆盖主商品。
type ProductVariant struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ProductID   uint   `gorm:"not null;index" json:"product_id"`
	Name        string `gorm:"size:128;not null" json:"name"`
	SKU         string `gorm:"size:64;uniqueIndex;not null" json:"sku"`
	Price       int64  `gorm:"not null;default:0" json:"price"` // 0 表示沿用主商品价格
	WeightGrams int    `gorm:"not null;default:0" json:"weight_grams"`
	Stock       int64  `gorm:"not null;default:0" json:"stock"`
	TrackStock  bool   `gorm:"not null" json:"track_stock"`
	Active      bool   `gorm:"not null" json:"active"`
}

func (ProductVariant) TableName() string { return "product_variants" }

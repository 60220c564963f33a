package model

import "time"

// CartItem 用户购物车行。购物车 CRUD 不属于核心，这里只保留恢复与结算所需字段。
type CartItem struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID    int64 `gorm:"not null;uniqueIndex:idx_cart_line,priority:1" json:"user_id"`
	ProductID uint  `gorm:"not null;uniqueIndex:idx_cart_line,priority:2" json:"product_id"`
	// VariantID=0 表示无变体，便于唯一索引生效。
	VariantID uint `gorm:"not null;default:0;uniqueIndex:idx_cart_line,priority:3" json:"variant_id"`
	Quantity  int  `gorm:"not null;default:1" json:"quantity"`
}

func (CartItem) TableName() string { return "cart_items" }

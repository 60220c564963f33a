// Package storagetest 为各包测试提供隔离的内存数据库。
package storagetest

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"jewel_shop/internal/model"
	"jewel_shop/internal/storage"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var seq atomic.Int64

// New 每个测试一个独立的共享缓存内存库。
func New(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:memdb%d_%d?mode=memory&cache=shared&_busy_timeout=5000", time.Now().UnixNano(), seq.Add(1))
	db, err := storage.Open("sqlite", dsn)
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// SeedProduct 创建一个可售商品。
func SeedProduct(t *testing.T, db *gorm.DB, sku string, price int64, stock int64) *model.Product {
	t.Helper()
	p := &model.Product{
		Name:        "Item " + sku,
		SKU:         sku,
		Category:    "rings",
		Price:       price,
		WeightGrams: 20,
		Stock:       stock,
		TrackStock:  true,
		Active:      true,
	}
	require.NoError(t, db.Create(p).Error)
	return p
}

// SeedUser 创建一个地址完整的用户。
func SeedUser(t *testing.T, db *gorm.DB, id int64) *model.User {
	t.Helper()
	u := &model.User{
		ID:     id,
		Name:   fmt.Sprintf("User %d", id),
		Email:  fmt.Sprintf("user%d@example.com", id),
		Mobile: "919800000000",
		Address: model.Address{
			Name: "Asha", Line1: "12 MG Road", City: "Bengaluru", State: "KA",
			Pincode: "560001", Country: "IN", Mobile: "919800000000",
		},
	}
	require.NoError(t, db.Create(u).Error)
	return u
}

// AddToCart 写入购物车行。
func AddToCart(t *testing.T, db *gorm.DB, userID int64, productID uint, qty int) {
	t.Helper()
	require.NoError(t, db.Create(&model.CartItem{UserID: userID, ProductID: productID, Quantity: qty}).Error)
}

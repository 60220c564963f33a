// Package storage 打开数据库并完成建表。生产使用 Postgres（行锁生效），开发与测试使用 SQLite。
package storage

import (
	"context"
	"fmt"
	"time"

	"jewel_shop/internal/model"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open 按驱动打开连接。
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if driver == "sqlite" {
		// SQLite 单写者，串行化连接避免 database is locked。
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Models 需要自动建表的全部模型。
func Models() []any {
	return []any{
		&model.Product{},
		&model.ProductVariant{},
		&model.CartItem{},
		&model.User{},
		&model.Coupon{},
		&model.CouponRedemption{},
		&model.Campaign{},
		&model.Candidate{},
		&model.Journey{},
		&model.Attempt{},
		&model.RecoveryDiscount{},
		&model.PaymentAttempt{},
		&model.InventoryReservation{},
		&model.Order{},
		&model.OrderItem{},
		&model.OrderStatusEvent{},
		&model.OrderRefund{},
		&model.WebhookEvent{},
		&model.ShippingZone{},
	}
}

// Migrate 自动建表（含部分唯一索引）。
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}
	return nil
}

// InTx 在事务中执行 fn，fn 返回错误时整体回滚。
func InTx(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return db.WithContext(ctx).Transaction(fn)
}

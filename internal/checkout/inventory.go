package checkout

import (
	"context"

	"jewel_shop/internal/apperr"
	"jewel_shop/internal/model"

	"gorm.io/gorm"
)

// stockRow 库存所在的行：有变体时库存在变体上。
func stockRow(productID, variantID uint) (any, uint) {
	if variantID != 0 {
		return &model.ProductVariant{}, variantID
	}
	return &model.Product{}, productID
}

// deductStock 条件更新扣减库存，行锁由 UPDATE 持有到事务结束。
// 不追踪库存的定制款直接放行。
func deductStock(ctx context.Context, tx *gorm.DB, productID, variantID uint, qty int, name string) error {
	table, id := stockRow(productID, variantID)
	res := tx.WithContext(ctx).Model(table).
		Where("id = ? AND track_stock = ? AND stock >= ?", id, true, qty).
		Update("stock", gorm.Expr("stock - ?", qty))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	var untracked int64
	if err := tx.WithContext(ctx).Model(table).Where("id = ? AND track_stock = ?", id, false).Count(&untracked).Error; err != nil {
		return err
	}
	if untracked > 0 {
		return nil
	}
	return apperr.Newf(apperr.CodeConflict, apperr.ReasonStockInsufficient, "not enough stock for %s", name)
}

func restoreStock(ctx context.Context, tx *gorm.DB, productID, variantID uint, qty int) error {
	table, id := stockRow(productID, variantID)
	return tx.WithContext(ctx).Model(table).
		Where("id = ? AND track_stock = ?", id, true).
		Update("stock", gorm.Expr("stock + ?", qty)).Error
}

// reserve 为每一行扣库存并写预留流水（包括不追踪库存的行，便于判断「是否已预留」）。
func reserve(ctx context.Context, tx *gorm.DB, attemptID uint, lines []model.SnapshotItem) error {
	for _, l := range lines {
		if err := deductStock(ctx, tx, l.ProductID, l.VariantID, l.Quantity, l.Name); err != nil {
			return err
		}
		r := model.InventoryReservation{
			PaymentAttemptID: attemptID,
			ProductID:        l.ProductID,
			VariantID:        l.VariantID,
			Quantity:         l.Quantity,
			Status:           model.ReservationReserved,
		}
		if err := tx.WithContext(ctx).Create(&r).Error; err != nil {
			return err
		}
	}
	return nil
}

// releaseReservations 释放仍处于 reserved 的预留并回补库存；重复调用是 no-op。
func releaseReservations(ctx context.Context, tx *gorm.DB, attemptID uint) (int, error) {
	var rows []model.InventoryReservation
	err := tx.WithContext(ctx).
		Where("payment_attempt_id = ? AND status = ?", attemptID, model.ReservationReserved).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}
	released := 0
	for _, r := range rows {
		res := tx.WithContext(ctx).Model(&model.InventoryReservation{}).
			Where("id = ? AND status = ?", r.ID, model.ReservationReserved).
			Update("status", model.ReservationReleased)
		if res.Error != nil {
			return released, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		if err := restoreStock(ctx, tx, r.ProductID, r.VariantID, r.Quantity); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

// consumeReservations 支付成功：预留转为消耗。返回是否存在可消耗的预留。
func consumeReservations(ctx context.Context, tx *gorm.DB, attemptID uint) (bool, error) {
	res := tx.WithContext(ctx).Model(&model.InventoryReservation{}).
		Where("payment_attempt_id = ? AND status = ?", attemptID, model.ReservationReserved).
		Update("status", model.ReservationConsumed)
	return res.RowsAffected > 0, res.Error
}

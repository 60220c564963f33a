package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"jewel_shop/internal/apperr"
	"jewel_shop/internal/model"
	"jewel_shop/internal/queue"
	"jewel_shop/internal/storage"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StatusChange 后台订单状态变更。
type StatusChange struct {
	Status model.OrderStatus `json:"status" binding:"required"`
	Note   string            `json:"note"`
	Actor  string            `json:"-"`
	// Refund 取消已支付订单时同时向网关发起全额退款。
	Refund bool `json:"refund"`
}

// UpdateOrderStatus 校验状态流转；取消时回补库存，按需退款。
// 退款先于本地状态变更：网关失败时订单状态保持不变。
func (s *Service) UpdateOrderStatus(ctx context.Context, orderID uint, ch StatusChange) (*model.Order, error) {
	o, err := s.loadOrder(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}
	from := o.Status
	if !from.CanTransition(ch.Status) {
		return nil, apperr.Newf(apperr.CodeValidation, apperr.ReasonInvalidTransition, "cannot move order from %s to %s", from, ch.Status)
	}

	var refundID string
	var refundAmount int64
	if ch.Status == model.OrderCancelled && ch.Refund && o.GatewayPaymentID != nil {
		refundAmount = o.Total - o.RefundedAmount
		if refundAmount > 0 {
			rf, err := s.gateway.Refund(ctx, *o.GatewayPaymentID, refundAmount, map[string]string{
				"order_no": o.OrderNo,
				"reason":   "order_cancelled",
			})
			if err != nil {
				return nil, apperr.Wrap(apperr.CodeDependency, err, "refund payment")
			}
			refundID, refundAmount = rf.ID, rf.Amount
		}
	}

	err = storage.InTx(ctx, s.db, func(tx *gorm.DB) error {
		res := tx.Model(&model.Order{}).Where("id = ? AND status = ?", o.ID, from).Update("status", ch.Status)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.Newf(apperr.CodeConflict, apperr.ReasonInvalidTransition, "order %s changed concurrently", o.OrderNo)
		}
		actor := ch.Actor
		if actor == "" {
			actor = "admin"
		}
		ev := model.OrderStatusEvent{OrderID: o.ID, FromStatus: from, ToStatus: ch.Status, Actor: actor, Note: truncate(ch.Note, 255)}
		if err := tx.Create(&ev).Error; err != nil {
			return err
		}
		if ch.Status == model.OrderCancelled {
			for _, it := range o.Items {
				if err := restoreStock(ctx, tx, it.ProductID, it.VariantID, it.Quantity); err != nil {
					return err
				}
			}
		}
		if refundID != "" {
			if _, err := s.recordRefund(ctx, tx, o, refundID, refundAmount, "processed"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if refundID != "" {
			s.log.Error().Err(err).Str("order_no", o.OrderNo).Str("refund_id", refundID).
				Msg("refund issued but order status update failed")
		}
		return nil, err
	}

	updated, err := s.loadOrder(ctx, s.db, o.ID)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("order_no", o.OrderNo).Str("from", string(from)).Str("to", string(ch.Status)).
		Str("refund_id", refundID).Msg("order status changed")
	now := s.now()
	s.publish(ctx, orderEvent(queue.EventOrderStatus, updated, "admin", now))
	if refundID != "" {
		s.publish(ctx, orderEvent(queue.EventOrderRefunded, updated, "admin", now))
	}
	return updated, nil
}

// ApplyRefund refund.processed 回调：按退款号去重后累加退款金额。
func (s *Service) ApplyRefund(ctx context.Context, paymentID, refundID string, amount int64, status string) (*model.Order, bool, error) {
	var (
		order   *model.Order
		applied bool
	)
	err := storage.InTx(ctx, s.db, func(tx *gorm.DB) error {
		var o model.Order
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("gateway_payment_id = ?", paymentID).First(&o).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.Newf(apperr.CodeNotFound, "", "no order for payment %s", paymentID)
		}
		if err != nil {
			return err
		}
		applied, err = s.recordRefund(ctx, tx, &o, refundID, amount, status)
		order = &o
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if applied {
		s.publish(ctx, orderEvent(queue.EventOrderRefunded, order, OriginWebhook, s.now()))
	}
	return order, applied, nil
}

// recordRefund 写退款流水并重算订单退款状态；重复的退款号返回 false。
func (s *Service) recordRefund(ctx context.Context, tx *gorm.DB, o *model.Order, refundID string, amount int64, status string) (bool, error) {
	row := model.OrderRefund{OrderID: o.ID, GatewayRefundID: refundID, Amount: amount, Status: status}
	res := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	var refunded int64
	if err := tx.WithContext(ctx).Model(&model.OrderRefund{}).Where("order_id = ?", o.ID).
		Select("COALESCE(SUM(amount), 0)").Scan(&refunded).Error; err != nil {
		return false, err
	}
	payStatus := model.OrderPaymentPartiallyRefunded
	if refunded >= o.Total {
		payStatus = model.OrderPaymentRefunded
	}
	if err := tx.WithContext(ctx).Model(&model.Order{}).Where("id = ?", o.ID).
		Updates(map[string]any{"refunded_amount": refunded, "payment_status": payStatus}).Error; err != nil {
		return false, err
	}
	if payStatus == model.OrderPaymentRefunded && o.PaymentAttemptID != nil {
		if err := tx.WithContext(ctx).Model(&model.PaymentAttempt{}).Where("id = ?", *o.PaymentAttemptID).
			Update("status", model.PaymentRefunded).Error; err != nil {
			return false, err
		}
	}
	o.RefundedAmount = refunded
	o.PaymentStatus = payStatus
	return true, nil
}

// ApplySettlement 结算批次回调：只更新共享该结算号的订单的结算快照。
func (s *Service) ApplySettlement(ctx context.Context, settlementID string, snapshot json.RawMessage) (int64, error) {
	if settlementID == "" {
		return 0, apperr.New(apperr.CodeValidation, "", "settlement id is required")
	}
	res := s.db.WithContext(ctx).Model(&model.Order{}).Where("settlement_id = ?", settlementID).
		Update("settlement_snapshot", datatypes.JSON(snapshot))
	if res.Error != nil {
		return 0, res.Error
	}
	s.log.Info().Str("settlement_id", settlementID).Int64("orders", res.RowsAffected).Msg("settlement applied")
	return res.RowsAffected, nil
}

// SettlementStats 结算同步统计。
type SettlementStats struct {
	Checked     int `json:"checked"`
	Linked      int `json:"linked"`
	Settlements int `json:"settlements"`
	Updated     int `json:"updated"`
}

// SyncSettlements 回查尚未关联结算批次的已付订单，补齐结算号并拉取结算详情。
func (s *Service) SyncSettlements(ctx context.Context, limit int) (SettlementStats, error) {
	var stats SettlementStats
	var orders []model.Order
	err := s.db.WithContext(ctx).
		Where("(settlement_id = '' OR settlement_id IS NULL) AND gateway_payment_id IS NOT NULL AND paid_at IS NOT NULL").
		Order("id").Limit(limit).Find(&orders).Error
	if err != nil {
		return stats, err
	}
	seen := map[string]bool{}
	for _, o := range orders {
		stats.Checked++
		p, err := s.gateway.FetchPayment(ctx, *o.GatewayPaymentID)
		if err != nil {
			s.log.Warn().Err(err).Str("order_no", o.OrderNo).Msg("fetch payment for settlement")
			continue
		}
		if p.SettlementID == "" {
			continue
		}
		if err := s.db.WithContext(ctx).Model(&model.Order{}).Where("id = ?", o.ID).
			Update("settlement_id", p.SettlementID).Error; err != nil {
			return stats, err
		}
		stats.Linked++
		seen[p.SettlementID] = true
	}
	for id := range seen {
		st, err := s.gateway.FetchSettlement(ctx, id)
		if err != nil {
			s.log.Warn().Err(err).Str("settlement_id", id).Msg("fetch settlement")
			continue
		}
		raw := st.Raw
		if len(raw) == 0 {
			if raw, err = json.Marshal(st); err != nil {
				return stats, fmt.Errorf("encode settlement %s: %w", id, err)
			}
		}
		n, err := s.ApplySettlement(ctx, id, raw)
		if err != nil {
			return stats, err
		}
		stats.Settlements++
		stats.Updated += int(n)
	}
	return stats, nil
}

// ParseOrderID 路由与 CLI 共用。
func ParseOrderID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, apperr.Newf(apperr.CodeValidation, "", "invalid order id %q", s)
	}
	return uint(id), nil
}

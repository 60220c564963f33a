package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jewel_shop/internal/apperr"
	"jewel_shop/internal/cart"
	"jewel_shop/internal/discount"
	"jewel_shop/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Close reasons.
const (
	ReasonPaidOrder      = "paid_order"
	ReasonCartEmptied    = "cart_emptied"
	ReasonWindowElapsed  = "window_elapsed"
	ReasonLadderDone     = "attempts_exhausted"
	ReasonCampaignShrunk = "campaign_shrunk"
	ReasonLinkPaid       = "payment_link_paid"
)

// errStale 旅程在处理过程中被并发修改（重置/关闭），本轮放弃。
var errStale = apperr.New(apperr.CodeConflict, "", "journey changed concurrently")

// Store 候选/旅程/触达/折扣的持久化，所有写操作都接受事务句柄。
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

// UpsertCandidate 刷新候选的最后活动时间与购物车汇总。
func (s *Store) UpsertCandidate(ctx context.Context, tx *gorm.DB, c *cart.Cart, at time.Time) error {
	cand := model.Candidate{
		UserID:         c.UserID,
		ItemCount:      c.ItemCount(),
		CartTotal:      c.Subtotal(),
		Currency:       c.Currency,
		LastActivityAt: at,
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"item_count", "cart_total", "currency", "last_activity_at", "updated_at"}),
	}).Create(&cand).Error
}

func (s *Store) DeleteCandidate(ctx context.Context, tx *gorm.DB, userID int64) error {
	return tx.WithContext(ctx).Where("user_id = ?", userID).Delete(&model.Candidate{}).Error
}

// ActiveJourney 用户当前 active 旅程，没有时返回 nil。
func (s *Store) ActiveJourney(ctx context.Context, tx *gorm.DB, userID int64) (*model.Journey, error) {
	var j model.Journey
	err := tx.WithContext(ctx).Where("user_id = ? AND status = ?", userID, model.JourneyActive).First(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Journey 按 id 读取。
func (s *Store) Journey(ctx context.Context, tx *gorm.DB, id uint) (*model.Journey, error) {
	var j model.Journey
	err := tx.WithContext(ctx).First(&j, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Newf(apperr.CodeNotFound, "", "journey %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Promote 把候选升级为旅程。同一事务内先检查 active 旅程，部分唯一索引兜底。
func (s *Store) Promote(ctx context.Context, tx *gorm.DB, c *cart.Cart, camp model.Campaign, now time.Time) (*model.Journey, error) {
	existing, err := s.ActiveJourney(ctx, tx, c.UserID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, nil
	}
	j := &model.Journey{
		UserID:          c.UserID,
		Status:          model.JourneyActive,
		CartSnapshot:    c.Snapshot(),
		ItemCount:       c.ItemCount(),
		CartTotal:       c.Subtotal(),
		Currency:        c.Currency,
		LadderStartedAt: now,
		ExpiresAt:       WindowEnd(camp, now),
	}
	if next, ok := AttemptAt(camp, now, 1); ok {
		j.NextAttemptAt = &next
	}
	if err := tx.WithContext(ctx).Create(j).Error; err != nil {
		return nil, fmt.Errorf("create journey: %w", err)
	}
	return j, nil
}

// RefreshSnapshot 写回最新购物车快照（不动阶梯）。
func (s *Store) RefreshSnapshot(ctx context.Context, tx *gorm.DB, j *model.Journey, c *cart.Cart) error {
	j.CartSnapshot = c.Snapshot()
	j.ItemCount = c.ItemCount()
	j.CartTotal = c.Subtotal()
	j.Currency = c.Currency
	return tx.WithContext(ctx).Model(&model.Journey{ID: j.ID}).
		Select("cart_snapshot", "item_count", "cart_total", "currency").
		Updates(&model.Journey{CartSnapshot: j.CartSnapshot, ItemCount: j.ItemCount, CartTotal: j.CartTotal, Currency: j.Currency}).Error
}

// ResetLadder 购物车有新动作：刷新快照，阶梯从第 1 次重新开始。
// 已发出的折扣码保持有效，用户可能正拿着它去结算。
func (s *Store) ResetLadder(ctx context.Context, tx *gorm.DB, j *model.Journey, c *cart.Cart, camp model.Campaign, at time.Time) error {
	upd := model.Journey{
		CartSnapshot:    c.Snapshot(),
		ItemCount:       c.ItemCount(),
		CartTotal:       c.Subtotal(),
		Currency:        c.Currency,
		LadderStartedAt: at,
		Round:           j.Round + 1,
		LastAttemptNo:   0,
		ExpiresAt:       WindowEnd(camp, at),
	}
	if next, ok := AttemptAt(camp, at, 1); ok {
		upd.NextAttemptAt = &next
	}
	res := tx.WithContext(ctx).Model(&model.Journey{}).
		Where("id = ? AND status = ? AND ladder_round = ?", j.ID, model.JourneyActive, j.Round).
		Select("cart_snapshot", "item_count", "cart_total", "currency", "ladder_started_at",
			"ladder_round", "last_attempt_no", "next_attempt_at", "expires_at").
		Updates(&upd)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errStale
	}
	return nil
}

// Reschedule 活动配置变更后按新阶梯重排下次触达与窗口结束时间。
// 旅程已被调度器推进或已关闭时返回 errStale。
func (s *Store) Reschedule(ctx context.Context, tx *gorm.DB, j *model.Journey, camp model.Campaign) error {
	upd := model.Journey{ExpiresAt: WindowEnd(camp, j.LadderStartedAt)}
	if next, ok := AttemptAt(camp, j.LadderStartedAt, j.LastAttemptNo+1); ok {
		upd.NextAttemptAt = &next
	}
	res := tx.WithContext(ctx).Model(&model.Journey{}).
		Where("id = ? AND status = ? AND ladder_round = ? AND last_attempt_no = ?", j.ID, model.JourneyActive, j.Round, j.LastAttemptNo).
		Select("next_attempt_at", "expires_at").
		Updates(&upd)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errStale
	}
	return nil
}

// Close 把 active 旅程推进到终态；已是终态时返回 false。
func (s *Store) Close(ctx context.Context, tx *gorm.DB, journeyID uint, status model.JourneyStatus, reason string, orderID *uint, now time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("close journey with non-terminal status %q", status)
	}
	res := tx.WithContext(ctx).Model(&model.Journey{}).
		Where("id = ? AND status = ?", journeyID, model.JourneyActive).
		Updates(map[string]any{
			"status":             status,
			"recovery_reason":    reason,
			"recovered_order_id": orderID,
			"next_attempt_at":    nil,
			"closed_at":          now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	// 阶梯自然走完的旅程保留最后一张折扣码，直到它自己过期；
	// 其余终态（含 recovered）作废全部 active 折扣。
	if status != model.JourneyExpired || reason != ReasonLadderDone {
		if err := s.invalidateDiscounts(ctx, tx, journeyID, 0); err != nil {
			return false, err
		}
	}
	return true, nil
}

// MarkRecovered 订单事务调用：把用户的 active 旅程标记为已召回。
func (s *Store) MarkRecovered(ctx context.Context, tx *gorm.DB, userID int64, orderID uint, reason string, now time.Time) (*model.Journey, error) {
	j, err := s.ActiveJourney(ctx, tx, userID)
	if err != nil || j == nil {
		return nil, err
	}
	ok, err := s.Close(ctx, tx, j.ID, model.JourneyRecovered, reason, &orderID, now)
	if err != nil || !ok {
		return nil, err
	}
	j.Status = model.JourneyRecovered
	j.RecoveredOrderID = &orderID
	j.RecoveryReason = reason
	j.ClosedAt = &now
	return j, nil
}

// MarkAttemptPaid 支付链接付款后把对应触达标记为 paid（触达唯一允许的修改）。
func (s *Store) MarkAttemptPaid(ctx context.Context, tx *gorm.DB, paymentLinkID string, paidAt time.Time) (*model.Attempt, error) {
	var a model.Attempt
	err := tx.WithContext(ctx).Where("payment_link_id = ?", paymentLinkID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if a.Status == model.AttemptPaid {
		return &a, nil
	}
	if err := tx.WithContext(ctx).Model(&model.Attempt{}).Where("id = ?", a.ID).
		Updates(map[string]any{"status": model.AttemptPaid, "paid_at": paidAt}).Error; err != nil {
		return nil, err
	}
	a.Status = model.AttemptPaid
	a.PaidAt = &paidAt
	return &a, nil
}

// EnsureDiscount 为旅程+触达创建（或复用）折扣码，并作废同旅程其他 active 折扣。
// 先作废再激活，部分唯一索引保证同一时刻最多一个 active。
func (s *Store) EnsureDiscount(ctx context.Context, tx *gorm.DB, j *model.Journey, attemptNo int, percent float64, maxAmount, minCart int64) (*model.RecoveryDiscount, error) {
	var d model.RecoveryDiscount
	err := tx.WithContext(ctx).Where("journey_id = ? AND attempt_no = ?", j.ID, attemptNo).First(&d).Error
	found := err == nil
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return nil, err
	case d.Status == model.DiscountRedeemed:
		return nil, apperr.ErrDiscountRedeemed
	}
	if err := s.invalidateDiscounts(ctx, tx, j.ID, d.ID); err != nil {
		return nil, err
	}

	if !found {
		d = model.RecoveryDiscount{
			JourneyID:         j.ID,
			AttemptNo:         attemptNo,
			UserID:            j.UserID,
			Code:              discount.GenerateCode("BACK"),
			Percent:           percent,
			MaxDiscountAmount: maxAmount,
			MinCartValue:      minCart,
			Status:            model.DiscountActive,
			ExpiresAt:         j.ExpiresAt,
		}
		if err := tx.WithContext(ctx).Create(&d).Error; err != nil {
			return nil, fmt.Errorf("create discount: %w", err)
		}
		return &d, nil
	}

	// 阶梯重启后复用同一序号的记录
	d.Percent = percent
	d.MaxDiscountAmount = maxAmount
	d.MinCartValue = minCart
	d.Status = model.DiscountActive
	d.ExpiresAt = j.ExpiresAt
	if err := tx.WithContext(ctx).Model(&model.RecoveryDiscount{}).Where("id = ?", d.ID).Updates(map[string]any{
		"percent":             d.Percent,
		"max_discount_amount": d.MaxDiscountAmount,
		"min_cart_value":      d.MinCartValue,
		"status":              d.Status,
		"expires_at":          d.ExpiresAt,
	}).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// invalidateDiscounts 作废旅程的 active 折扣，keepID 除外。
func (s *Store) invalidateDiscounts(ctx context.Context, tx *gorm.DB, journeyID, keepID uint) error {
	return tx.WithContext(ctx).Model(&model.RecoveryDiscount{}).
		Where("journey_id = ? AND status = ? AND id <> ?", journeyID, model.DiscountActive, keepID).
		Update("status", model.DiscountInvalidated).Error
}

// RecordAttempt 追加触达并推进旅程。last_attempt_no 乐观校验保证序号连续。
func (s *Store) RecordAttempt(ctx context.Context, tx *gorm.DB, j *model.Journey, a *model.Attempt, next *time.Time, expire bool, now time.Time) error {
	a.JourneyID = j.ID
	a.UserID = j.UserID
	a.Round = j.Round
	if err := tx.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	updates := map[string]any{
		"last_attempt_no": a.AttemptNo,
		"next_attempt_at": next,
	}
	if expire {
		updates["status"] = model.JourneyExpired
		updates["recovery_reason"] = ReasonLadderDone
		updates["next_attempt_at"] = nil
		updates["closed_at"] = now
	}
	res := tx.WithContext(ctx).Model(&model.Journey{}).
		Where("id = ? AND status = ? AND ladder_round = ? AND last_attempt_no = ?", j.ID, model.JourneyActive, j.Round, a.AttemptNo-1).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errStale
	}
	j.LastAttemptNo = a.AttemptNo
	j.NextAttemptAt = next
	if expire {
		j.Status = model.JourneyExpired
		j.RecoveryReason = ReasonLadderDone
		j.NextAttemptAt = nil
		j.ClosedAt = &now
	}
	return nil
}

// PaidOrderSince 用户在 since 之后完成支付的最新订单。
func (s *Store) PaidOrderSince(ctx context.Context, tx *gorm.DB, userID int64, since time.Time) (*model.Order, error) {
	var o model.Order
	err := tx.WithContext(ctx).
		Where("user_id = ? AND paid_at IS NOT NULL AND paid_at >= ? AND status <> ?", userID, since, model.OrderCancelled).
		Order("paid_at DESC").First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// DueJourneys next_attempt_at 已到的 active 旅程。
func (s *Store) DueJourneys(ctx context.Context, now time.Time, limit int) ([]model.Journey, error) {
	var out []model.Journey
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?", model.JourneyActive, now).
		Order("next_attempt_at, id").Limit(limit).Find(&out).Error
	return out, err
}

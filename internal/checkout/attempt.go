package checkout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"jewel_shop/internal/apperr"
	"jewel_shop/internal/model"
	"jewel_shop/internal/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateRequest 发起支付的请求体。地址为空时使用用户默认地址。
type CreateRequest struct {
	CouponCode      string         `json:"coupon_code"`
	ShippingAddress *model.Address `json:"shipping_address"`
	BillingAddress  *model.Address `json:"billing_address"`

	retryOf *uint
}

// AttemptResult 客户端拉起支付所需的信息。
type AttemptResult struct {
	Ref            string    `json:"ref"`
	GatewayOrderID string    `json:"gateway_order_id"`
	KeyID          string    `json:"key_id"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	ExpiresAt      time.Time `json:"expires_at"`
	Summary        *Summary  `json:"summary"`
}

// CreatePaymentAttempt 计价、锁购物车预留库存、落支付尝试，然后创建网关订单。
func (s *Service) CreatePaymentAttempt(ctx context.Context, userID int64, req CreateRequest) (*AttemptResult, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	shipTo := user.Address
	if req.ShippingAddress != nil {
		shipTo = *req.ShippingAddress
	}
	if !shipTo.Complete() {
		return nil, apperr.New(apperr.CodeValidation, apperr.ReasonAddressIncomplete, "shipping address is incomplete")
	}
	billTo := shipTo
	if req.BillingAddress != nil {
		billTo = *req.BillingAddress
	}

	c, err := s.carts.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	sum, err := s.price(ctx, user, c, req.CouponCode, shipTo)
	if err != nil {
		return nil, err
	}
	if sum.Total < minGatewayAmount {
		return nil, apperr.Newf(apperr.CodeValidation, "", "order total %d is below the minimum payable amount", sum.Total)
	}

	now := s.now()
	a := &model.PaymentAttempt{
		Ref:             uuid.NewString(),
		UserID:          userID,
		Status:          model.PaymentCreated,
		Amount:          sum.Total,
		Currency:        sum.Currency,
		Subtotal:        sum.Subtotal,
		ShippingFee:     sum.ShippingFee,
		DiscountAmount:  sum.DiscountAmount,
		CartFingerprint: sum.Fingerprint,
		Lines:           c.Snapshot(),
		BillingAddress:  billTo,
		ShippingAddress: shipTo,
		ExpiresAt:       now.Add(s.opts.AttemptTTL),
		RetryOfID:       req.retryOf,
	}
	if sum.Discount != nil {
		a.CouponCode = sum.Discount.Code
	}

	err = storage.InTx(ctx, s.db, func(tx *gorm.DB) error {
		locked, err := s.carts.Load(ctx, tx, userID, true)
		if err != nil {
			return err
		}
		if locked.Fingerprint() != sum.Fingerprint {
			return apperr.New(apperr.CodeConflict, apperr.ReasonCartChanged, "cart changed while pricing, please review it again")
		}
		if err := tx.Create(a).Error; err != nil {
			return fmt.Errorf("create payment attempt: %w", err)
		}
		return reserve(ctx, tx, a.ID, a.Lines)
	})
	if err != nil {
		return nil, err
	}

	notes := map[string]string{
		"source":      "checkout",
		"attempt_ref": a.Ref,
		"user_id":     strconv.FormatInt(userID, 10),
	}
	gwOrder, err := s.gateway.CreateOrder(ctx, a.Amount, a.Currency, a.Ref, notes)
	if err != nil {
		if ferr := s.failAttempt(ctx, a.ID, "gateway order: "+err.Error()); ferr != nil {
			s.log.Error().Err(ferr).Str("ref", a.Ref).Msg("release attempt after gateway failure")
		}
		return nil, apperr.Wrap(apperr.CodeDependency, err, "create gateway order")
	}
	if err := s.db.WithContext(ctx).Model(&model.PaymentAttempt{}).Where("id = ?", a.ID).
		Update("gateway_order_id", gwOrder.ID).Error; err != nil {
		return nil, fmt.Errorf("link gateway order: %w", err)
	}

	s.log.Info().Int64("user_id", userID).Str("ref", a.Ref).Str("gateway_order_id", gwOrder.ID).
		Int64("amount", a.Amount).Msg("payment attempt created")
	return &AttemptResult{
		Ref:            a.Ref,
		GatewayOrderID: gwOrder.ID,
		KeyID:          s.opts.KeyID,
		Amount:         a.Amount,
		Currency:       a.Currency,
		ExpiresAt:      a.ExpiresAt,
		Summary:        sum,
	}, nil
}

// RetryPayment 关闭旧尝试（释放预留）并用同样的折扣码和地址重新发起。
func (s *Service) RetryPayment(ctx context.Context, userID int64, ref string) (*AttemptResult, error) {
	var old model.PaymentAttempt
	err := s.db.WithContext(ctx).Where("ref = ? AND user_id = ?", ref, userID).First(&old).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Newf(apperr.CodeNotFound, "", "payment attempt %s not found", ref)
	}
	if err != nil {
		return nil, err
	}
	switch {
	case old.LocalOrderID != nil, old.Status == model.PaymentPaid, old.Status == model.PaymentRefunded:
		return nil, apperr.New(apperr.CodeConflict, apperr.ReasonAttemptClosed, "payment attempt is already paid")
	case !old.Status.Terminal():
		if _, err := s.closeAttempt(ctx, old.ID, model.PaymentExpired, "superseded by retry"); err != nil {
			return nil, err
		}
	}
	shipTo, billTo := old.ShippingAddress, old.BillingAddress
	retryOf := old.ID
	return s.CreatePaymentAttempt(ctx, userID, CreateRequest{
		CouponCode:      old.CouponCode,
		ShippingAddress: &shipTo,
		BillingAddress:  &billTo,
		retryOf:         &retryOf,
	})
}

// MarkAttemptFailed 网关报告支付失败：尝试置为 failed 并释放预留。已支付的尝试不受影响。
func (s *Service) MarkAttemptFailed(ctx context.Context, gatewayOrderID, reason string) (bool, error) {
	a, err := s.attemptByGatewayOrder(ctx, s.db, gatewayOrderID)
	if err != nil {
		return false, err
	}
	return s.closeAttempt(ctx, a.ID, model.PaymentFailed, reason)
}

// MarkAttemptAuthorized 客户已完成授权但尚未扣款。
func (s *Service) MarkAttemptAuthorized(ctx context.Context, gatewayOrderID, paymentID string) error {
	return s.db.WithContext(ctx).Model(&model.PaymentAttempt{}).
		Where("gateway_order_id = ? AND status = ?", gatewayOrderID, model.PaymentCreated).
		Updates(map[string]any{"status": model.PaymentAttempted, "gateway_payment_id": paymentID}).Error
}

// ExpireStaleAttempts 过期未支付的尝试并释放库存。
func (s *Service) ExpireStaleAttempts(ctx context.Context, limit int) (int, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&model.PaymentAttempt{}).
		Where("status IN ? AND local_order_id IS NULL AND expires_at <= ?",
			[]model.PaymentAttemptStatus{model.PaymentCreated, model.PaymentAttempted}, s.now()).
		Order("expires_at").Limit(limit).Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		ok, err := s.closeAttempt(ctx, id, model.PaymentExpired, "payment window elapsed")
		if err != nil {
			s.log.Warn().Err(err).Uint("attempt_id", id).Msg("expire payment attempt")
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (s *Service) failAttempt(ctx context.Context, id uint, reason string) error {
	_, err := s.closeAttempt(ctx, id, model.PaymentFailed, reason)
	return err
}

// closeAttempt 条件更新到终态（只在未建单且未终结时生效）并释放预留。
func (s *Service) closeAttempt(ctx context.Context, id uint, status model.PaymentAttemptStatus, reason string) (bool, error) {
	changed := false
	err := storage.InTx(ctx, s.db, func(tx *gorm.DB) error {
		res := tx.Model(&model.PaymentAttempt{}).
			Where("id = ? AND local_order_id IS NULL AND status IN ?", id,
				[]model.PaymentAttemptStatus{model.PaymentCreated, model.PaymentAttempted}).
			Updates(map[string]any{"status": status, "failure_reason": truncate(reason, 255), "verify_locked_at": nil})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		changed = true
		_, err := releaseReservations(ctx, tx, id)
		return err
	})
	if err == nil && changed {
		s.log.Info().Uint("attempt_id", id).Str("status", string(status)).Str("reason", reason).Msg("payment attempt closed")
	}
	return changed, err
}

func (s *Service) attemptByGatewayOrder(ctx context.Context, tx *gorm.DB, gatewayOrderID string) (*model.PaymentAttempt, error) {
	var a model.PaymentAttempt
	err := tx.WithContext(ctx).Where("gateway_order_id = ?", gatewayOrderID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Newf(apperr.CodeNotFound, "", "no payment attempt for gateway order %s", gatewayOrderID)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

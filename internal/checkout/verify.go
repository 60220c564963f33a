package checkout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"jewel_shop/internal/apperr"
	"jewel_shop/internal/cart"
	"jewel_shop/internal/gateway"
	"jewel_shop/internal/model"
	"jewel_shop/internal/queue"
	"jewel_shop/internal/recovery"
	"jewel_shop/internal/storage"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// VerifyRequest 客户端支付回调参数。
type VerifyRequest struct {
	GatewayOrderID   string `json:"razorpay_order_id" binding:"required"`
	GatewayPaymentID string `json:"razorpay_payment_id" binding:"required"`
	Signature        string `json:"razorpay_signature" binding:"required"`
}

// VerifyPayment 客户端回调校验：签名 → 时间戳锁 → 网关回查 → 金额币种订单号比对 → 建单。
// 重复调用返回同一订单。
func (s *Service) VerifyPayment(ctx context.Context, userID int64, req VerifyRequest) (order *model.Order, err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(apperr.ReasonOf(err))
			if outcome == "" {
				outcome = string(apperr.CodeOf(err))
			}
		}
		s.metrics.VerifyDuration(ctx, time.Since(start), outcome)
	}()

	if !gateway.VerifyPaymentSignature(s.opts.KeySecret, req.GatewayOrderID, req.GatewayPaymentID, req.Signature) {
		return nil, apperr.New(apperr.CodeValidation, apperr.ReasonSignatureInvalid, "payment signature mismatch")
	}
	a, err := s.attemptByGatewayOrder(ctx, s.db, req.GatewayOrderID)
	if err != nil {
		return nil, err
	}
	if a.UserID != userID {
		return nil, apperr.Newf(apperr.CodeNotFound, "", "no payment attempt for gateway order %s", req.GatewayOrderID)
	}
	if a.LocalOrderID != nil {
		return s.loadOrder(ctx, s.db, *a.LocalOrderID)
	}

	locked, err := s.lockVerify(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	if !locked {
		// 另一个请求刚完成建单，直接返回它的结果。
		var cur model.PaymentAttempt
		if err := s.db.WithContext(ctx).First(&cur, a.ID).Error; err != nil {
			return nil, err
		}
		if cur.LocalOrderID != nil {
			return s.loadOrder(ctx, s.db, *cur.LocalOrderID)
		}
		return nil, apperr.New(apperr.CodeConflict, apperr.ReasonVerificationInProgress, "payment verification in progress, retry shortly")
	}
	defer s.unlockVerify(ctx, a.ID)

	p, err := s.gateway.FetchPayment(ctx, req.GatewayPaymentID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeDependency, err, "fetch payment")
	}
	if err := matchPayment(a, p); err != nil {
		s.log.Error().Err(err).Str("ref", a.Ref).Str("payment_id", p.ID).Msg("payment does not match attempt")
		if ferr := s.failAttempt(ctx, a.ID, err.Error()); ferr != nil {
			s.log.Error().Err(ferr).Str("ref", a.Ref).Msg("fail attempt")
		}
		return nil, err
	}
	switch {
	case p.Captured():
	case p.Status == "failed":
		if ferr := s.failAttempt(ctx, a.ID, "payment failed: "+p.ErrorReason); ferr != nil {
			s.log.Error().Err(ferr).Str("ref", a.Ref).Msg("fail attempt")
		}
		return nil, apperr.New(apperr.CodeValidation, apperr.ReasonPaymentNotCaptured, "payment failed")
	default:
		return nil, apperr.Newf(apperr.CodeConflict, apperr.ReasonPaymentNotCaptured, "payment is %s, retry shortly", p.Status)
	}

	order, _, err = s.finalize(ctx, a.ID, p, true, OriginVerify)
	return order, err
}

// ConfirmPayment webhook 路径：不要求购物车未变，购物车变了就按尝试快照建单。
// 返回 created=false 表示订单早已存在。
func (s *Service) ConfirmPayment(ctx context.Context, p *gateway.Payment) (*model.Order, bool, error) {
	a, err := s.attemptByGatewayOrder(ctx, s.db, p.OrderID)
	if err != nil {
		return nil, false, err
	}
	if a.LocalOrderID != nil {
		o, err := s.loadOrder(ctx, s.db, *a.LocalOrderID)
		return o, false, err
	}
	if err := matchPayment(a, p); err != nil {
		if ferr := s.failAttempt(ctx, a.ID, err.Error()); ferr != nil {
			s.log.Error().Err(ferr).Str("ref", a.Ref).Msg("fail attempt")
		}
		return nil, false, err
	}
	if !p.Captured() {
		return nil, false, apperr.Newf(apperr.CodeConflict, apperr.ReasonPaymentNotCaptured, "payment is %s", p.Status)
	}
	return s.finalize(ctx, a.ID, p, false, OriginWebhook)
}

// matchPayment 网关订单号、金额、币种必须与尝试完全一致。
func matchPayment(a *model.PaymentAttempt, p *gateway.Payment) error {
	if a.GatewayOrderID == nil || p.OrderID != *a.GatewayOrderID {
		return apperr.Newf(apperr.CodeValidation, apperr.ReasonAmountMismatch, "payment %s belongs to another order", p.ID)
	}
	if p.Amount != a.Amount || !strings.EqualFold(p.Currency, a.Currency) {
		return apperr.Newf(apperr.CodeValidation, apperr.ReasonAmountMismatch,
			"paid %d %s, expected %d %s", p.Amount, p.Currency, a.Amount, a.Currency)
	}
	return nil
}

// lockVerify 时间戳咨询锁：锁超过 TTL 视为崩溃遗留，可被抢占。
func (s *Service) lockVerify(ctx context.Context, attemptID uint) (bool, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&model.PaymentAttempt{}).
		Where("id = ? AND local_order_id IS NULL AND (verify_locked_at IS NULL OR verify_locked_at < ?)",
			attemptID, now.Add(-s.opts.VerifyLockTTL)).
		Update("verify_locked_at", now)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Service) unlockVerify(ctx context.Context, attemptID uint) {
	err := s.db.WithContext(context.WithoutCancel(ctx)).Model(&model.PaymentAttempt{}).
		Where("id = ? AND local_order_id IS NULL", attemptID).
		Update("verify_locked_at", nil).Error
	if err != nil {
		s.log.Warn().Err(err).Uint("attempt_id", attemptID).Msg("release verify lock")
	}
}

// finalize 建单并回写 local_order_id（最多写一次）。
func (s *Service) finalize(ctx context.Context, attemptID uint, p *gateway.Payment, strictCart bool, origin string) (*model.Order, bool, error) {
	var (
		order   *model.Order
		created bool
	)
	err := storage.InTx(ctx, s.db, func(tx *gorm.DB) error {
		var a model.PaymentAttempt
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&a, attemptID).Error; err != nil {
			return err
		}
		if a.LocalOrderID != nil {
			o, err := s.loadOrder(ctx, tx, *a.LocalOrderID)
			order = o
			return err
		}
		var user model.User
		if err := tx.First(&user, a.UserID).Error; err != nil {
			return fmt.Errorf("load user: %w", err)
		}

		live, err := s.carts.Load(ctx, tx, a.UserID, true)
		if err != nil {
			return err
		}
		c, clearAll := live, true
		if live.Empty() || live.Fingerprint() != a.CartFingerprint {
			if strictCart {
				return apperr.New(apperr.CodeConflict, apperr.ReasonCartChanged, "cart changed after payment started")
			}
			c, clearAll = cart.FromSnapshot(a.UserID, a.Currency, a.Lines), false
		}

		reserved, err := consumeReservations(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		attemptID := a.ID
		o, err := s.CreateOrderFromCart(ctx, tx, OrderInput{
			User:            &user,
			Cart:            c,
			CouponCode:      a.CouponCode,
			ShippingFee:     a.ShippingFee,
			ShippingAddress: a.ShippingAddress,
			Reserved:        reserved,
			ClearCart:       clearAll,
			Payment:         p,
			AttemptID:       &attemptID,
			ExpectedTotal:   a.Amount,
			Origin:          origin,
			RecoveryReason:  recovery.ReasonPaidOrder,
		})
		if err != nil {
			return err
		}

		now := s.now()
		res := tx.Model(&model.PaymentAttempt{}).Where("id = ? AND local_order_id IS NULL", a.ID).
			Updates(map[string]any{
				"local_order_id":     o.ID,
				"status":             model.PaymentPaid,
				"gateway_payment_id": p.ID,
				"verified_at":        now,
				"verify_locked_at":   nil,
				"failure_reason":     "",
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return apperr.New(apperr.CodeConflict, apperr.ReasonVerificationInProgress, "payment attempt already finalized")
		}
		order, created = o, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.afterOrder(ctx, order, origin)
	}
	return order, created, nil
}

// LinkPayment payment_link.paid 回调携带的信息。
type LinkPayment struct {
	LinkID  string
	Notes   map[string]string
	Payment *gateway.Payment
}

// FinalizePaymentLink 召回支付链接付款成功但本地没有订单：按旅程快照补建订单。
func (s *Service) FinalizePaymentLink(ctx context.Context, lp LinkPayment) (*model.Order, bool, error) {
	p := lp.Payment
	if p == nil || p.ID == "" {
		return nil, false, apperr.New(apperr.CodeValidation, "", "payment link event without payment")
	}
	journeyID, err := strconv.ParseUint(lp.Notes["journey_id"], 10, 64)
	if err != nil || journeyID == 0 {
		return nil, false, apperr.Newf(apperr.CodeValidation, "", "payment link %s has no journey", lp.LinkID)
	}

	var (
		order   *model.Order
		created bool
	)
	err = storage.InTx(ctx, s.db, func(tx *gorm.DB) error {
		var existing model.Order
		err := tx.Where("gateway_payment_id = ?", p.ID).First(&existing).Error
		if err == nil {
			order = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var j model.Journey
		if err := tx.First(&j, uint(journeyID)).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.Newf(apperr.CodeNotFound, "", "journey %d not found", journeyID)
			}
			return err
		}

		// 链接按生成时的购物车定价；之后旅程快照可能已被刷新，优先用触达上保存的那份。
		items, currency := j.CartSnapshot, j.Currency
		fee, _ := strconv.ParseInt(lp.Notes["shipping_fee"], 10, 64)
		if lp.LinkID != "" {
			var linked model.Attempt
			err := tx.Where("payment_link_id = ? AND journey_id = ?", lp.LinkID, j.ID).First(&linked).Error
			switch {
			case err == nil && len(linked.CartSnapshot) > 0:
				items, fee = linked.CartSnapshot, linked.ShippingFee
				if linked.Currency != "" {
					currency = linked.Currency
				}
			case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
				return err
			}
		}
		if len(items) == 0 {
			return apperr.ErrCartEmpty
		}
		if !strings.EqualFold(p.Currency, currency) {
			return apperr.Newf(apperr.CodeValidation, apperr.ReasonAmountMismatch, "paid in %s, link in %s", p.Currency, currency)
		}
		var user model.User
		if err := tx.First(&user, j.UserID).Error; err != nil {
			return fmt.Errorf("load user: %w", err)
		}

		jid := j.ID
		o, err := s.CreateOrderFromCart(ctx, tx, OrderInput{
			User:            &user,
			Cart:            cart.FromSnapshot(j.UserID, currency, items),
			ShippingFee:     fee,
			ShippingAddress: user.Address,
			ClearCart:       false,
			Payment:         p,
			JourneyID:       &jid,
			ExpectedTotal:   p.Amount,
			Origin:          OriginPaymentLink,
			RecoveryReason:  recovery.ReasonLinkPaid,
		})
		if err != nil {
			return err
		}
		if s.journeys != nil {
			if _, err := s.journeys.MarkAttemptPaid(ctx, tx, lp.LinkID, s.now()); err != nil {
				return err
			}
		}
		order, created = o, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.afterOrder(ctx, order, OriginPaymentLink)
	}
	return order, created, nil
}

func (s *Service) afterOrder(ctx context.Context, o *model.Order, origin string) {
	s.metrics.OrderCreated(ctx, origin)
	s.log.Info().Uint("order_id", o.ID).Str("order_no", o.OrderNo).Int64("user_id", o.UserID).
		Int64("total", o.Total).Str("origin", origin).Msg("order created")
	s.publish(ctx, orderEvent(queue.EventOrderCreated, o, origin, s.now()))
}

// Package discount 把运营优惠券和召回专属折扣码统一成一个可核销结果。
package discount

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"jewel_shop/internal/apperr"
	"jewel_shop/internal/cart"
	"jewel_shop/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Source 折扣来源。
type Source string

const (
	SourceCoupon    Source = model.DiscountSourceCoupon
	SourceAbandoned Source = model.DiscountSourceAbandoned
)

// Redeemable 解析后的折扣：金额已按上限和购物车金额截断。
type Redeemable struct {
	Source  Source  `json:"source"`
	Code    string  `json:"code"`
	Amount  int64   `json:"amount"`
	Percent float64 `json:"percent,omitempty"`

	CouponID   uint `json:"-"`
	DiscountID uint `json:"-"`
	JourneyID  uint `json:"-"`
}

// AmountOrZero nil 表示未使用折扣。
func (r *Redeemable) AmountOrZero() int64 {
	if r == nil {
		return 0
	}
	return r.Amount
}

// Resolver 折扣解析与核销。
type Resolver struct {
	now func() time.Time
}

func NewResolver() *Resolver {
	return &Resolver{now: func() time.Time { return time.Now().UTC() }}
}

// NormalizeCode 折扣码大小写不敏感。
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// GenerateCode 生成召回折扣码，例如 BACK-1F3A9C2E。
func GenerateCode(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return NormalizeCode(prefix + "-" + id[:8])
}

// PercentOf 按百分比计算金额，四舍五入到最小货币单位。
func PercentOf(base int64, percent float64) int64 {
	if base <= 0 || percent <= 0 {
		return 0
	}
	return int64(math.Round(float64(base) * percent / 100))
}

func invalid(msg string) error {
	return apperr.New(apperr.CodeValidation, apperr.ReasonCouponInvalid, msg)
}

// Resolve 解析折扣码；code 为空时返回 nil。召回折扣码优先于同名优惠券。
func (r *Resolver) Resolve(ctx context.Context, tx *gorm.DB, code string, user *model.User, c *cart.Cart) (*Redeemable, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, nil
	}
	if c.Empty() {
		return nil, apperr.ErrCartEmpty
	}

	var rd model.RecoveryDiscount
	err := tx.WithContext(ctx).Where("code = ?", code).First(&rd).Error
	switch {
	case err == nil:
		return r.resolveRecovery(&rd, user, c)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}

	var cp model.Coupon
	err = tx.WithContext(ctx).Where("UPPER(code) = ?", code).First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, invalid("unknown discount code")
	}
	if err != nil {
		return nil, err
	}
	return r.resolveCoupon(ctx, tx, &cp, user, c)
}

func (r *Resolver) resolveRecovery(rd *model.RecoveryDiscount, user *model.User, c *cart.Cart) (*Redeemable, error) {
	switch rd.Status {
	case model.DiscountRedeemed:
		return nil, apperr.New(apperr.CodeInvariant, apperr.ReasonDiscountRedeemed, "discount already redeemed")
	case model.DiscountInvalidated:
		return nil, invalid("discount superseded")
	}
	if rd.UserID != user.ID {
		return nil, invalid("discount belongs to another customer")
	}
	if !r.now().Before(rd.ExpiresAt) {
		return nil, invalid("discount expired")
	}
	subtotal := c.Subtotal()
	if subtotal < rd.MinCartValue {
		return nil, invalid("cart below minimum value for this discount")
	}
	amount := capAmount(PercentOf(subtotal, rd.Percent), rd.MaxDiscountAmount, subtotal)
	return &Redeemable{
		Source:     SourceAbandoned,
		Code:       rd.Code,
		Amount:     amount,
		Percent:    rd.Percent,
		DiscountID: rd.ID,
		JourneyID:  rd.JourneyID,
	}, nil
}

func (r *Resolver) resolveCoupon(ctx context.Context, tx *gorm.DB, cp *model.Coupon, user *model.User, c *cart.Cart) (*Redeemable, error) {
	now := r.now()
	if !cp.Active {
		return nil, invalid("coupon inactive")
	}
	if cp.StartsAt != nil && now.Before(*cp.StartsAt) {
		return nil, invalid("coupon not started")
	}
	if cp.EndsAt != nil && !now.Before(*cp.EndsAt) {
		return nil, invalid("coupon expired")
	}
	subtotal := c.Subtotal()
	if subtotal < cp.MinCartValue {
		return nil, invalid("cart below coupon minimum")
	}
	if cp.UsageLimit > 0 && cp.UsedCount >= cp.UsageLimit {
		return nil, invalid("coupon usage limit reached")
	}
	if cp.PerUserLimit > 0 {
		var used int64
		err := tx.WithContext(ctx).Model(&model.CouponRedemption{}).
			Where("coupon_id = ? AND user_id = ?", cp.ID, user.ID).Count(&used).Error
		if err != nil {
			return nil, err
		}
		if used >= int64(cp.PerUserLimit) {
			return nil, invalid("coupon already used")
		}
	}

	// 作用域：category 只对该品类金额打折
	base := subtotal
	switch cp.Scope {
	case "", model.ScopeGeneric:
	case model.ScopeCategory:
		base = c.Categories()[cp.ScopeValue]
		if base == 0 {
			return nil, invalid("coupon not applicable to cart items")
		}
	case model.ScopeCustomer:
		if cp.ScopeValue != strconv.FormatInt(user.ID, 10) && !strings.EqualFold(cp.ScopeValue, user.Email) {
			return nil, invalid("coupon not issued to this customer")
		}
	case model.ScopeTier:
		if !strings.EqualFold(cp.ScopeValue, user.LoyaltyTier) {
			return nil, invalid("coupon requires a different loyalty tier")
		}
	default:
		return nil, invalid("coupon scope unsupported")
	}

	var amount int64
	var percent float64
	switch cp.DiscountType {
	case model.CouponPercent:
		percent = cp.Value
		amount = PercentOf(base, cp.Value)
	case model.CouponFixed:
		amount = int64(cp.Value)
	default:
		return nil, invalid("coupon type unsupported")
	}
	amount = capAmount(amount, cp.MaxDiscount, base)
	return &Redeemable{
		Source:   SourceCoupon,
		Code:     NormalizeCode(cp.Code),
		Amount:   amount,
		Percent:  percent,
		CouponID: cp.ID,
	}, nil
}

func capAmount(amount, maxAmount, ceiling int64) int64 {
	if maxAmount > 0 && amount > maxAmount {
		amount = maxAmount
	}
	if amount > ceiling {
		amount = ceiling
	}
	if amount < 0 {
		amount = 0
	}
	return amount
}

// Redeem 在订单事务内核销；同一订单重复核销是 no-op。
func (r *Resolver) Redeem(ctx context.Context, tx *gorm.DB, red *Redeemable, userID int64, orderID uint) error {
	if red == nil {
		return nil
	}
	switch red.Source {
	case SourceAbandoned:
		return r.redeemRecovery(ctx, tx, red, userID, orderID)
	case SourceCoupon:
		return r.redeemCoupon(ctx, tx, red, userID, orderID)
	}
	return apperr.Newf(apperr.CodeInternal, "", "unknown discount source %q", red.Source)
}

func (r *Resolver) redeemRecovery(ctx context.Context, tx *gorm.DB, red *Redeemable, userID int64, orderID uint) error {
	now := r.now()
	res := tx.WithContext(ctx).Model(&model.RecoveryDiscount{}).
		Where("id = ? AND status = ?", red.DiscountID, model.DiscountActive).
		Updates(map[string]any{
			"status":            model.DiscountRedeemed,
			"redeemed_order_id": orderID,
			"redeemed_at":       now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var rd model.RecoveryDiscount
		if err := tx.WithContext(ctx).First(&rd, red.DiscountID).Error; err != nil {
			return err
		}
		if rd.Status == model.DiscountRedeemed && rd.RedeemedOrderID != nil && *rd.RedeemedOrderID == orderID {
			return nil
		}
		return apperr.ErrDiscountRedeemed
	}
	// 同一用户的其他召回折扣全部作废，只能花掉一张。
	return tx.WithContext(ctx).Model(&model.RecoveryDiscount{}).
		Where("user_id = ? AND status = ? AND id <> ?", userID, model.DiscountActive, red.DiscountID).
		Update("status", model.DiscountInvalidated).Error
}

func (r *Resolver) redeemCoupon(ctx context.Context, tx *gorm.DB, red *Redeemable, userID int64, orderID uint) error {
	var existing int64
	if err := tx.WithContext(ctx).Model(&model.CouponRedemption{}).Where("order_id = ?", orderID).Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}
	res := tx.WithContext(ctx).Model(&model.Coupon{}).
		Where("id = ? AND (usage_limit = 0 OR used_count < usage_limit)", red.CouponID).
		Update("used_count", gorm.Expr("used_count + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return invalid("coupon usage limit reached")
	}
	return tx.WithContext(ctx).Create(&model.CouponRedemption{
		CouponID: red.CouponID,
		UserID:   userID,
		OrderID:  orderID,
		Amount:   red.Amount,
	}).Error
}

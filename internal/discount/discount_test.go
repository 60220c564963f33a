package discount

import (
	"context"
	"errors"
	"testing"
	"time"

	"jewel_shop/internal/apperr"
	"jewel_shop/internal/cart"
	"jewel_shop/internal/model"
	"jewel_shop/internal/storage/storagetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func cartOf(userID int64, lines ...cart.Line) *cart.Cart {
	return &cart.Cart{UserID: userID, Currency: "INR", Lines: lines}
}

func ring(price int64, qty int) cart.Line {
	return cart.Line{ProductID: 1, Name: "Ring", Category: "rings", UnitPrice: price, Quantity: qty, Active: true}
}

func seedRecoveryDiscount(t *testing.T, db *gorm.DB, journeyID uint, attemptNo int, userID int64, code string, pct float64) *model.RecoveryDiscount {
	t.Helper()
	rd := &model.RecoveryDiscount{
		JourneyID: journeyID, AttemptNo: attemptNo, UserID: userID, Code: code,
		Percent: pct, MaxDiscountAmount: 1_000_000, Status: model.DiscountActive,
		ExpiresAt: time.Now().UTC().Add(24 * time.Hour),
	}
	require.NoError(t, db.Create(rd).Error)
	return rd
}

func TestPercentOf(t *testing.T) {
	assert.Equal(t, int64(100), PercentOf(2000, 5))
	assert.Equal(t, int64(0), PercentOf(2000, 0))
	assert.Equal(t, int64(17), PercentOf(333, 5)) // 16.65 -> 17
}

func TestGenerateCode(t *testing.T) {
	a, b := GenerateCode("back"), GenerateCode("back")
	assert.Len(t, a, len("BACK-")+8)
	assert.Regexp(t, `^BACK-[0-9A-F]{8}$`, a)
	assert.NotEqual(t, a, b)
}

func TestResolveRecoveryDiscount(t *testing.T) {
	db := storagetest.New(t)
	u := storagetest.SeedUser(t, db, 1)
	seedRecoveryDiscount(t, db, 10, 3, u.ID, "BACK-AAAA0001", 5)

	r := NewResolver()
	red, err := r.Resolve(context.Background(), db, "back-aaaa0001", u, cartOf(u.ID, ring(1000, 2)))
	require.NoError(t, err)
	assert.Equal(t, SourceAbandoned, red.Source)
	assert.Equal(t, int64(100), red.Amount)
	assert.Equal(t, uint(10), red.JourneyID)

	other := storagetest.SeedUser(t, db, 2)
	_, err = r.Resolve(context.Background(), db, "BACK-AAAA0001", other, cartOf(other.ID, ring(1000, 2)))
	assert.True(t, errors.Is(err, apperr.ErrCouponInvalid))
}

func TestResolveEmptyCodeIsNil(t *testing.T) {
	db := storagetest.New(t)
	u := storagetest.SeedUser(t, db, 1)
	red, err := NewResolver().Resolve(context.Background(), db, "  ", u, cartOf(u.ID, ring(1000, 1)))
	require.NoError(t, err)
	assert.Nil(t, red)
}

func TestResolveCouponRules(t *testing.T) {
	db := storagetest.New(t)
	u := storagetest.SeedUser(t, db, 1)
	require.NoError(t, db.Model(u).Update("loyalty_tier", model.TierGold).Error)
	u.LoyaltyTier = model.TierGold

	past := time.Now().UTC().Add(-time.Hour)
	coupons := []model.Coupon{
		{Code: "FLAT500", DiscountType: model.CouponFixed, Value: 500, Scope: model.ScopeGeneric, Active: true},
		{Code: "BIG10", DiscountType: model.CouponPercent, Value: 10, MaxDiscount: 150, Scope: model.ScopeGeneric, Active: true},
		{Code: "OLD", DiscountType: model.CouponPercent, Value: 10, Scope: model.ScopeGeneric, Active: true, EndsAt: &past},
		{Code: "MIN", DiscountType: model.CouponPercent, Value: 10, MinCartValue: 1_000_000, Scope: model.ScopeGeneric, Active: true},
		{Code: "GOLDONLY", DiscountType: model.CouponPercent, Value: 20, Scope: model.ScopeTier, ScopeValue: model.TierGold, Active: true},
		{Code: "PLAT", DiscountType: model.CouponPercent, Value: 20, Scope: model.ScopeTier, ScopeValue: model.TierPlatinum, Active: true},
		{Code: "CHAINS", DiscountType: model.CouponPercent, Value: 50, Scope: model.ScopeCategory, ScopeValue: "chains", Active: true},
		{Code: "HUGE", DiscountType: model.CouponFixed, Value: 999999, Scope: model.ScopeGeneric, Active: true},
	}
	require.NoError(t, db.Create(&coupons).Error)

	c := cartOf(u.ID, ring(1000, 2),
		cart.Line{ProductID: 2, Name: "Chain", Category: "chains", UnitPrice: 400, Quantity: 1, Active: true})
	r := NewResolver()

	cases := []struct {
		code    string
		amount  int64
		invalid bool
	}{
		{"flat500", 500, false},
		{"BIG10", 150, false},
		{"OLD", 0, true},
		{"MIN", 0, true},
		{"GOLDONLY", 480, false},
		{"PLAT", 0, true},
		{"CHAINS", 200, false},
		{"HUGE", 2400, false},
		{"NOPE", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			red, err := r.Resolve(context.Background(), db, tc.code, u, c)
			if tc.invalid {
				assert.True(t, errors.Is(err, apperr.ErrCouponInvalid), "err=%v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.amount, red.Amount)
			assert.LessOrEqual(t, red.Amount, c.Subtotal())
		})
	}
}

func TestRedeemRecoveryInvalidatesSiblings(t *testing.T) {
	db := storagetest.New(t)
	ctx := context.Background()
	u := storagetest.SeedUser(t, db, 1)
	// 同一用户上一段旅程遗留的 active 折扣
	older := seedRecoveryDiscount(t, db, 9, 3, u.ID, "BACK-00000003", 5)
	newer := seedRecoveryDiscount(t, db, 10, 4, u.ID, "BACK-00000004", 10)

	r := NewResolver()
	red, err := r.Resolve(ctx, db, newer.Code, u, cartOf(u.ID, ring(1000, 2)))
	require.NoError(t, err)
	require.NoError(t, r.Redeem(ctx, db, red, u.ID, 77))

	var got model.RecoveryDiscount
	require.NoError(t, db.First(&got, newer.ID).Error)
	assert.Equal(t, model.DiscountRedeemed, got.Status)
	require.NotNil(t, got.RedeemedOrderID)
	assert.Equal(t, uint(77), *got.RedeemedOrderID)

	require.NoError(t, db.First(&got, older.ID).Error)
	assert.Equal(t, model.DiscountInvalidated, got.Status)

	// 同一订单重放是 no-op，不同订单不允许再次核销
	require.NoError(t, r.Redeem(ctx, db, red, u.ID, 77))
	err = r.Redeem(ctx, db, red, u.ID, 78)
	assert.True(t, errors.Is(err, apperr.ErrDiscountRedeemed))

	var active int64
	require.NoError(t, db.Model(&model.RecoveryDiscount{}).Where("user_id = ? AND status = ?", u.ID, model.DiscountActive).Count(&active).Error)
	assert.Zero(t, active)
}

func TestRedeemCouponHonoursLimits(t *testing.T) {
	db := storagetest.New(t)
	ctx := context.Background()
	u := storagetest.SeedUser(t, db, 1)
	cp := model.Coupon{Code: "ONCE", DiscountType: model.CouponFixed, Value: 100, UsageLimit: 5, PerUserLimit: 1, Scope: model.ScopeGeneric, Active: true}
	require.NoError(t, db.Create(&cp).Error)

	r := NewResolver()
	c := cartOf(u.ID, ring(1000, 1))
	red, err := r.Resolve(ctx, db, "ONCE", u, c)
	require.NoError(t, err)
	require.NoError(t, r.Redeem(ctx, db, red, u.ID, 1))
	require.NoError(t, r.Redeem(ctx, db, red, u.ID, 1))

	require.NoError(t, db.First(&cp, cp.ID).Error)
	assert.Equal(t, 1, cp.UsedCount)

	_, err = r.Resolve(ctx, db, "ONCE", u, c)
	assert.True(t, errors.Is(err, apperr.ErrCouponInvalid))
}

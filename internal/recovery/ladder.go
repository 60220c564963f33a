package recovery

import (
	"time"

	"jewel_shop/internal/model"
)

// AttemptAt 第 n 次触达（从 1 开始）的计划时间；超出阶梯返回 false。
func AttemptAt(c model.Campaign, anchor time.Time, n int) (time.Time, bool) {
	if n < 1 || n > c.MaxAttempts || n > len(c.AttemptDelaysMinutes) {
		return time.Time{}, false
	}
	return anchor.Add(time.Duration(c.AttemptDelaysMinutes[n-1]) * time.Minute), true
}

// WindowEnd 召回窗口截止时间。
func WindowEnd(c model.Campaign, anchor time.Time) time.Time {
	return anchor.Add(time.Duration(c.RecoveryWindowHours) * time.Hour)
}

// DiscountPercent 阶梯折扣 + 会员加成，封顶 MaxDiscountPercent；
// 购物车低于门槛时恒为 0。阶梯本身为 0 的轮次不发加成。
func DiscountPercent(c model.Campaign, attemptNo int, tier string, cartTotal int64) float64 {
	if attemptNo < 1 || attemptNo > len(c.DiscountLadderPercent) {
		return 0
	}
	if cartTotal <= 0 || cartTotal < c.MinDiscountCartValue {
		return 0
	}
	base := c.DiscountLadderPercent[attemptNo-1]
	if base <= 0 {
		return 0
	}
	pct := base + c.TierBonusPercent[tier]
	if pct > c.MaxDiscountPercent {
		pct = c.MaxDiscountPercent
	}
	return pct
}

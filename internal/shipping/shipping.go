// Package shipping 运费规则：结算与召回支付链接共用同一套区域/重量计费。
package shipping

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"jewel_shop/internal/model"

	"gorm.io/gorm"
)

// Resolver 运费计算契约。
type Resolver interface {
	ComputeShippingFee(ctx context.Context, addr model.Address, subtotal int64, totalWeightGrams int) (int64, error)
}

// ZoneResolver 从 shipping_zones 表读取规则。
type ZoneResolver struct {
	db *gorm.DB
}

func NewZoneResolver(db *gorm.DB) *ZoneResolver { return &ZoneResolver{db: db} }

func (r *ZoneResolver) ComputeShippingFee(ctx context.Context, addr model.Address, subtotal int64, weight int) (int64, error) {
	var zones []model.ShippingZone
	if err := r.db.WithContext(ctx).Find(&zones).Error; err != nil {
		return 0, fmt.Errorf("load shipping zones: %w", err)
	}
	z := Match(zones, addr.State)
	if z == nil {
		return 0, nil
	}
	return Fee(*z, subtotal, weight), nil
}

// Match 优先匹配包含该州的区域，其次是默认区域（States 为空）。
func Match(zones []model.ShippingZone, state string) *model.ShippingZone {
	sort.SliceStable(zones, func(i, j int) bool { return zones[i].Priority > zones[j].Priority })
	var fallback *model.ShippingZone
	for i := range zones {
		z := &zones[i]
		if len(z.States) == 0 {
			if fallback == nil {
				fallback = z
			}
			continue
		}
		for _, s := range z.States {
			if strings.EqualFold(strings.TrimSpace(s), strings.TrimSpace(state)) {
				return z
			}
		}
	}
	return fallback
}

// Fee 首重 + 续重阶梯，满额包邮。
func Fee(z model.ShippingZone, subtotal int64, weight int) int64 {
	if z.FreeAbove > 0 && subtotal >= z.FreeAbove {
		return 0
	}
	fee := z.BaseFee
	extra := weight - z.BaseGrams
	if extra > 0 && z.SlabGrams > 0 {
		slabs := (extra + z.SlabGrams - 1) / z.SlabGrams
		fee += int64(slabs) * z.PerSlabFee
	}
	return fee
}

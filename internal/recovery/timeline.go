package recovery

import (
	"context"
	"strconv"
	"strings"

	"jewel_shop/internal/apperr"
	"jewel_shop/internal/model"

	"gorm.io/gorm"
)

// ListFilter 旅程列表筛选。
type ListFilter struct {
	Status   string `form:"status"`
	Search   string `form:"q"`
	Sort     string `form:"sort"`
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
}

// JourneyPage 分页结果。
type JourneyPage struct {
	Items    []model.Journey `json:"items"`
	Total    int64           `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

// Timeline 单个旅程的完整时间线。
type Timeline struct {
	Journey   model.Journey            `json:"journey"`
	User      *model.User              `json:"user,omitempty"`
	Attempts  []model.Attempt          `json:"attempts"`
	Discounts []model.RecoveryDiscount `json:"discounts"`
}

var sortColumns = map[string]string{
	"created_at":      "created_at",
	"updated_at":      "updated_at",
	"next_attempt_at": "next_attempt_at",
	"cart_total":      "cart_total",
	"last_attempt_no": "last_attempt_no",
}

// List 按状态/关键字筛选，sort 形如 "-created_at"。
func (s *Store) List(ctx context.Context, f ListFilter) (JourneyPage, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 200 {
		f.PageSize = 20
	}
	q := s.db.WithContext(ctx).Model(&model.Journey{})
	if f.Status != "" {
		switch model.JourneyStatus(f.Status) {
		case model.JourneyActive, model.JourneyRecovered, model.JourneyCancelled, model.JourneyExpired:
		default:
			return JourneyPage{}, apperr.Newf(apperr.CodeValidation, "", "unknown journey status %q", f.Status)
		}
		q = q.Where("status = ?", f.Status)
	}
	if term := strings.TrimSpace(f.Search); term != "" {
		like := "%" + strings.ToLower(term) + "%"
		sub := s.db.Model(&model.User{}).Select("id").
			Where("LOWER(email) LIKE ? OR LOWER(name) LIKE ? OR mobile LIKE ?", like, like, like)
		if id, err := strconv.ParseInt(term, 10, 64); err == nil {
			q = q.Where("user_id = ? OR user_id IN (?)", id, sub)
		} else {
			q = q.Where("user_id IN (?)", sub)
		}
	}

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return JourneyPage{}, err
	}

	order := "created_at DESC"
	if f.Sort != "" {
		desc := strings.HasPrefix(f.Sort, "-")
		col, ok := sortColumns[strings.TrimPrefix(f.Sort, "-")]
		if !ok {
			return JourneyPage{}, apperr.Newf(apperr.CodeValidation, "", "unsupported sort %q", f.Sort)
		}
		order = col
		if desc {
			order += " DESC"
		}
	}
	var items []model.Journey
	err := q.Order(order).Order("id DESC").
		Offset((f.Page - 1) * f.PageSize).Limit(f.PageSize).
		Find(&items).Error
	if err != nil {
		return JourneyPage{}, err
	}
	return JourneyPage{Items: items, Total: total, Page: f.Page, PageSize: f.PageSize}, nil
}

// Timeline 旅程 + 全部触达 + 折扣。
func (s *Store) Timeline(ctx context.Context, id uint) (*Timeline, error) {
	j, err := s.Journey(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	tl := &Timeline{Journey: *j}
	if err := s.db.WithContext(ctx).Where("journey_id = ?", id).Order("ladder_round, attempt_no").Find(&tl.Attempts).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Where("journey_id = ?", id).Order("attempt_no").Find(&tl.Discounts).Error; err != nil {
		return nil, err
	}
	var u model.User
	if err := s.db.WithContext(ctx).First(&u, j.UserID).Error; err == nil {
		tl.User = &u
	}
	return tl, nil
}

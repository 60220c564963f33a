// Package campaign 弃购召回活动的单例配置：读取、校验与 YAML 初始化。
package campaign

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"jewel_shop/internal/apperr"
	"jewel_shop/internal/model"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WindowBuffer 召回窗口必须比最后一次触达晚至少这么久。
const WindowBuffer = time.Hour

// Default 未配置时的默认活动（关闭状态）。
func Default() model.Campaign {
	return model.Campaign{
		ID:                    model.CampaignID,
		Enabled:               false,
		InactivityMinutes:     30,
		MaxAttempts:           4,
		AttemptDelaysMinutes:  []int{30, 360, 1440, 2880},
		DiscountLadderPercent: []float64{0, 0, 5, 10},
		MaxDiscountPercent:    25,
		MinDiscountCartValue:  0,
		RecoveryWindowHours:   72,
		TierBonusPercent:      map[string]float64{},
		EmailEnabled:          true,
		WhatsAppEnabled:       false,
	}
}

// Validate 校验阶梯长度、单调性、折扣上限与召回窗口。
func Validate(c model.Campaign) error {
	invalid := func(format string, args ...any) error {
		return apperr.Newf(apperr.CodeValidation, apperr.ReasonInvalidCampaign, format, args...)
	}
	if c.InactivityMinutes <= 0 {
		return invalid("inactivity_minutes must be > 0")
	}
	if c.MaxAttempts < 1 || c.MaxAttempts > model.MaxCampaignAttempts {
		return invalid("max_attempts must be between 1 and %d", model.MaxCampaignAttempts)
	}
	if len(c.AttemptDelaysMinutes) != c.MaxAttempts {
		return invalid("attempt_delays_minutes has %d entries, max_attempts is %d", len(c.AttemptDelaysMinutes), c.MaxAttempts)
	}
	if len(c.DiscountLadderPercent) != c.MaxAttempts {
		return invalid("discount_ladder_percent has %d entries, max_attempts is %d", len(c.DiscountLadderPercent), c.MaxAttempts)
	}
	if c.MaxDiscountPercent < 0 || c.MaxDiscountPercent > 100 {
		return invalid("max_discount_percent must be within [0, 100]")
	}
	prev := -1
	for i, d := range c.AttemptDelaysMinutes {
		if d < 0 || d <= prev {
			return invalid("attempt_delays_minutes must be cumulative and strictly increasing (index %d)", i)
		}
		prev = d
	}
	for i, p := range c.DiscountLadderPercent {
		if p < 0 || p > c.MaxDiscountPercent {
			return invalid("discount_ladder_percent[%d]=%.2f outside [0, %.2f]", i, p, c.MaxDiscountPercent)
		}
	}
	for tier, bonus := range c.TierBonusPercent {
		if bonus < 0 || bonus > c.MaxDiscountPercent {
			return invalid("tier_bonus_percent[%s] outside [0, %.2f]", tier, c.MaxDiscountPercent)
		}
	}
	if c.MinDiscountCartValue < 0 {
		return invalid("min_discount_cart_value must be >= 0")
	}
	window := time.Duration(c.RecoveryWindowHours) * time.Hour
	last := time.Duration(prev) * time.Minute
	if window <= last+WindowBuffer {
		return invalid("recovery_window_hours (%d) must exceed last attempt delay %s plus %s buffer", c.RecoveryWindowHours, last, WindowBuffer)
	}
	return nil
}

// Store 单例读写。
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

// Get 读取当前配置，未初始化时返回默认值。
func (s *Store) Get(ctx context.Context) (model.Campaign, error) {
	return s.GetTx(ctx, s.db)
}

// GetTx 在给定连接上读取。
func (s *Store) GetTx(ctx context.Context, tx *gorm.DB) (model.Campaign, error) {
	var c model.Campaign
	err := tx.WithContext(ctx).First(&c, model.CampaignID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Default(), nil
	}
	if err != nil {
		return model.Campaign{}, fmt.Errorf("load campaign: %w", err)
	}
	if c.TierBonusPercent == nil {
		c.TierBonusPercent = map[string]float64{}
	}
	return c, nil
}

// SaveTx 校验并写入单例。
func (s *Store) SaveTx(ctx context.Context, tx *gorm.DB, c model.Campaign) error {
	if err := Validate(c); err != nil {
		return err
	}
	c.ID = model.CampaignID
	return tx.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&c).Error
}

// Exists 是否已经初始化过单例。
func (s *Store) Exists(ctx context.Context) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.Campaign{}).Where("id = ?", model.CampaignID).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// LoadFile 从 YAML 读取活动配置，缺失字段沿用默认值。
func LoadFile(path string) (model.Campaign, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return model.Campaign{}, fmt.Errorf("read campaign file: %w", err)
	}
	c := Default()
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return model.Campaign{}, fmt.Errorf("parse campaign file: %w", err)
	}
	if err := Validate(c); err != nil {
		return model.Campaign{}, err
	}
	return c, nil
}

// Seed 仅在单例不存在时用 YAML 初始化。
func (s *Store) Seed(ctx context.Context, path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	ok, err := s.Exists(ctx)
	if err != nil || ok {
		return false, err
	}
	c, err := LoadFile(path)
	if err != nil {
		return false, err
	}
	return true, s.SaveTx(ctx, s.db, c)
}

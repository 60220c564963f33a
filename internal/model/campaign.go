package model

import "time"

// CampaignID 单例配置的固定主键。
const CampaignID = 1

// MaxCampaignAttempts 恢复阶梯的最大长度。
const MaxCampaignAttempts = 6

// Campaign 弃购召回的可调参数（单例）。
type Campaign struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	UpdatedAt time.Time `json:"updated_at"`

	Enabled           bool `gorm:"not null;default:false" json:"enabled" yaml:"enabled"`
	InactivityMinutes int  `gorm:"not null" json:"inactivity_minutes" yaml:"inactivity_minutes"`
	MaxAttempts       int  `gorm:"not null" json:"max_attempts" yaml:"max_attempts"`
	// AttemptDelaysMinutes 相对阶梯起点的累计分钟数，长度必须等于 MaxAttempts。
	AttemptDelaysMinutes  []int     `gorm:"serializer:json" json:"attempt_delays_minutes" yaml:"attempt_delays_minutes"`
	DiscountLadderPercent []float64 `gorm:"serializer:json" json:"discount_ladder_percent" yaml:"discount_ladder_percent"`
	MaxDiscountPercent    float64   `gorm:"not null" json:"max_discount_percent" yaml:"max_discount_percent"`
	MinDiscountCartValue  int64     `gorm:"not null;default:0" json:"min_discount_cart_value" yaml:"min_discount_cart_value"`
	RecoveryWindowHours   int       `gorm:"not null" json:"recovery_window_hours" yaml:"recovery_window_hours"`
	// TierBonusPercent 会员等级附加折扣（叠加在阶梯折扣上）。
	TierBonusPercent map[string]float64 `gorm:"serializer:json" json:"tier_bonus_percent" yaml:"tier_bonus_percent"`
	EmailEnabled     bool               `gorm:"not null" json:"email_enabled" yaml:"email_enabled"`
	WhatsAppEnabled  bool               `gorm:"not null;default:false" json:"whatsapp_enabled" yaml:"whatsapp_enabled"`
}

func (Campaign) TableName() string { return "recovery_campaigns" }

package model

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookEventStatus 幂等台账状态。
type WebhookEventStatus string

const (
	WebhookReceived  WebhookEventStatus = "received"
	WebhookProcessed WebhookEventStatus = "processed"
	WebhookIgnored   WebhookEventStatus = "ignored"
	// WebhookFailed 业务硬失败（如金额不符），不再重试。
	WebhookFailed WebhookEventStatus = "failed"
	// WebhookErrored 内部错误，网关重投时允许再次处理。
	WebhookErrored WebhookEventStatus = "errored"
)

// WebhookEvent 网关回调幂等台账，按 event_id 去重。
type WebhookEvent struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Provider    string             `gorm:"size:20;not null;uniqueIndex:idx_webhook_provider_event,priority:1" json:"provider"`
	EventID     string             `gorm:"size:128;not null;uniqueIndex:idx_webhook_provider_event,priority:2" json:"event_id"`
	EventType   string             `gorm:"size:64;not null;index" json:"event_type"`
	Payload     datatypes.JSON     `json:"payload"`
	Status      WebhookEventStatus `gorm:"size:16;not null;index" json:"status"`
	Error       string             `gorm:"size:512" json:"error"`
	TryCount    int                `gorm:"not null;default:0" json:"try_count"`
	ProcessedAt *time.Time         `json:"processed_at"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

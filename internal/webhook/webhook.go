// Package webhook 网关回调对账：签名校验、按事件号幂等、按事件类型分发到结算引擎。
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"jewel_shop/internal/apperr"
	"jewel_shop/internal/checkout"
	"jewel_shop/internal/gateway"
	"jewel_shop/internal/metrics"
	"jewel_shop/internal/model"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProviderRazorpay 台账中的网关标识。
const ProviderRazorpay = "razorpay"

// reclaimAfter received 状态超过该时长视为处理进程已崩溃，允许重投时接管。
const reclaimAfter = 5 * time.Minute

// Checkout 回调需要的结算能力。
type Checkout interface {
	ConfirmPayment(ctx context.Context, p *gateway.Payment) (*model.Order, bool, error)
	MarkAttemptAuthorized(ctx context.Context, gatewayOrderID, paymentID string) error
	MarkAttemptFailed(ctx context.Context, gatewayOrderID, reason string) (bool, error)
	FinalizePaymentLink(ctx context.Context, lp checkout.LinkPayment) (*model.Order, bool, error)
	ApplyRefund(ctx context.Context, paymentID, refundID string, amount int64, status string) (*model.Order, bool, error)
	ApplySettlement(ctx context.Context, settlementID string, snapshot json.RawMessage) (int64, error)
}

// Envelope Razorpay 回调体。
type Envelope struct {
	Event     string  `json:"event"`
	Entity    string  `json:"entity"`
	CreatedAt int64   `json:"created_at"`
	Payload   Payload `json:"payload"`
}

// Payload 各实体按需出现。
type Payload struct {
	Payment     *wrapped[gateway.Payment]     `json:"payment"`
	Order       *wrapped[gateway.Order]       `json:"order"`
	PaymentLink *wrapped[gateway.PaymentLink] `json:"payment_link"`
	Refund      *wrapped[gateway.Refund]      `json:"refund"`
	Settlement  *rawEntity                    `json:"settlement"`
}

type wrapped[T any] struct {
	Entity T `json:"entity"`
}

type rawEntity struct {
	Entity json.RawMessage `json:"entity"`
}

// Result 单次回调的处理结果。
type Result struct {
	EventID   string                   `json:"event_id"`
	Event     string                   `json:"event"`
	Status    model.WebhookEventStatus `json:"status"`
	Duplicate bool                     `json:"duplicate"`
	OrderID   uint                     `json:"order_id,omitempty"`
	Message   string                   `json:"message,omitempty"`
}

// Handler 回调处理器。
type Handler struct {
	db       *gorm.DB
	secret   string
	checkout Checkout
	metrics  *metrics.Recorder
	log      zerolog.Logger
	now      func() time.Time
}

func NewHandler(db *gorm.DB, secret string, co Checkout, m *metrics.Recorder, log zerolog.Logger) *Handler {
	if m == nil {
		m = metrics.Nop()
	}
	return &Handler{
		db:       db,
		secret:   secret,
		checkout: co,
		metrics:  m,
		log:      log.With().Str("component", "webhook").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// EventID 优先使用网关事件号，缺失时用原始报文哈希。
func EventID(header string, body []byte) string {
	if header != "" {
		return header
	}
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Handle 校验签名后入账并处理。返回 error 时调用方应回非 2xx，让网关重投。
func (h *Handler) Handle(ctx context.Context, body []byte, signature, eventIDHeader string) (Result, error) {
	if !gateway.VerifyWebhookSignature(h.secret, body, signature) {
		return Result{}, apperr.New(apperr.CodeValidation, apperr.ReasonSignatureInvalid, "webhook signature mismatch")
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Result{}, apperr.Wrap(apperr.CodeValidation, err, "malformed webhook body")
	}
	if env.Event == "" {
		return Result{}, apperr.New(apperr.CodeValidation, "", "webhook event type missing")
	}
	res := Result{EventID: EventID(eventIDHeader, body), Event: env.Event}
	log := h.log.With().Str("event_id", res.EventID).Str("event", env.Event).Logger()

	claimed, prior, err := h.claim(ctx, res.EventID, env.Event, body)
	if err != nil {
		return res, err
	}
	if !claimed {
		res.Duplicate = true
		res.Status = prior
		h.metrics.Webhook(ctx, env.Event, "duplicate")
		if prior == model.WebhookReceived {
			return res, apperr.New(apperr.CodeConflict, "", "event is being processed")
		}
		log.Debug().Str("status", string(prior)).Msg("duplicate webhook acked")
		return res, nil
	}

	status, orderID, procErr := h.dispatch(ctx, &env)
	res.Status, res.OrderID = status, orderID
	if procErr != nil {
		res.Message = procErr.Error()
	}
	if err := h.finish(ctx, res.EventID, status, res.Message); err != nil {
		return res, err
	}
	h.metrics.Webhook(ctx, env.Event, string(status))

	switch status {
	case model.WebhookErrored:
		log.Error().Err(procErr).Msg("webhook processing errored")
		return res, procErr
	case model.WebhookFailed:
		log.Error().Err(procErr).Msg("webhook rejected")
	default:
		log.Info().Str("status", string(status)).Uint("order_id", orderID).Msg("webhook handled")
	}
	return res, nil
}

// claim 写入台账；已有记录时只有 errored 或卡住的 received 可以被接管。
func (h *Handler) claim(ctx context.Context, eventID, eventType string, body []byte) (bool, model.WebhookEventStatus, error) {
	ev := model.WebhookEvent{
		Provider:  ProviderRazorpay,
		EventID:   eventID,
		EventType: eventType,
		Payload:   datatypes.JSON(body),
		Status:    model.WebhookReceived,
		TryCount:  1,
	}
	res := h.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&ev)
	if res.Error != nil {
		return false, "", fmt.Errorf("record webhook event: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, model.WebhookReceived, nil
	}

	stale := h.now().Add(-reclaimAfter)
	upd := h.db.WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("provider = ? AND event_id = ? AND (status = ? OR (status = ? AND updated_at < ?))",
			ProviderRazorpay, eventID, model.WebhookErrored, model.WebhookReceived, stale).
		Updates(map[string]any{"status": model.WebhookReceived, "try_count": gorm.Expr("try_count + 1"), "error": ""})
	if upd.Error != nil {
		return false, "", upd.Error
	}
	if upd.RowsAffected == 1 {
		return true, model.WebhookReceived, nil
	}
	var existing model.WebhookEvent
	if err := h.db.WithContext(ctx).Where("provider = ? AND event_id = ?", ProviderRazorpay, eventID).
		First(&existing).Error; err != nil {
		return false, "", err
	}
	return false, existing.Status, nil
}

func (h *Handler) finish(ctx context.Context, eventID string, status model.WebhookEventStatus, msg string) error {
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return h.db.WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("provider = ? AND event_id = ?", ProviderRazorpay, eventID).
		Updates(map[string]any{"status": status, "error": msg, "processed_at": h.now()}).Error
}

// dispatch 把业务错误映射为台账状态：不存在的对象 → ignored，金额不符等硬失败 → failed，其余 → errored。
func (h *Handler) dispatch(ctx context.Context, env *Envelope) (model.WebhookEventStatus, uint, error) {
	switch env.Event {
	case "payment.authorized":
		p := env.payment()
		if p == nil || p.OrderID == "" {
			return model.WebhookIgnored, 0, nil
		}
		return classify(h.checkout.MarkAttemptAuthorized(ctx, p.OrderID, p.ID), 0)

	case "payment.captured", "order.paid":
		p := env.payment()
		if p == nil || p.OrderID == "" {
			return model.WebhookIgnored, 0, nil
		}
		o, _, err := h.checkout.ConfirmPayment(ctx, p)
		return classify(err, orderID(o))

	case "payment.failed":
		p := env.payment()
		if p == nil || p.OrderID == "" {
			return model.WebhookIgnored, 0, nil
		}
		reason := p.ErrorDesc
		if reason == "" {
			reason = p.ErrorCode
		}
		changed, err := h.checkout.MarkAttemptFailed(ctx, p.OrderID, "payment failed: "+reason)
		if err == nil && !changed {
			return model.WebhookIgnored, 0, nil
		}
		return classify(err, 0)

	case "payment_link.paid":
		if env.Payload.PaymentLink == nil {
			return model.WebhookIgnored, 0, nil
		}
		link := env.Payload.PaymentLink.Entity
		if link.Notes["journey_id"] == "" {
			return model.WebhookIgnored, 0, nil
		}
		o, _, err := h.checkout.FinalizePaymentLink(ctx, checkout.LinkPayment{
			LinkID:  link.ID,
			Notes:   link.Notes,
			Payment: env.payment(),
		})
		return classify(err, orderID(o))

	case "refund.processed":
		if env.Payload.Refund == nil {
			return model.WebhookIgnored, 0, nil
		}
		rf := env.Payload.Refund.Entity
		o, _, err := h.checkout.ApplyRefund(ctx, rf.PaymentID, rf.ID, rf.Amount, rf.Status)
		return classify(err, orderID(o))

	case "settlement.processed":
		if env.Payload.Settlement == nil {
			return model.WebhookIgnored, 0, nil
		}
		var st struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(env.Payload.Settlement.Entity, &st); err != nil || st.ID == "" {
			return model.WebhookFailed, 0, fmt.Errorf("settlement entity without id")
		}
		_, err := h.checkout.ApplySettlement(ctx, st.ID, env.Payload.Settlement.Entity)
		return classify(err, 0)
	}
	return model.WebhookIgnored, 0, nil
}

func (e *Envelope) payment() *gateway.Payment {
	if e.Payload.Payment == nil {
		return nil
	}
	p := e.Payload.Payment.Entity
	return &p
}

func classify(err error, orderID uint) (model.WebhookEventStatus, uint, error) {
	if err == nil {
		return model.WebhookProcessed, orderID, nil
	}
	switch {
	case apperr.CodeOf(err) == apperr.CodeNotFound:
		return model.WebhookIgnored, orderID, err
	case errors.Is(err, apperr.ErrPaymentNotCaptured):
		return model.WebhookIgnored, orderID, err
	case errors.Is(err, apperr.ErrAmountMismatch),
		errors.Is(err, apperr.ErrStockInsufficient),
		errors.Is(err, apperr.ErrDiscountRedeemed),
		errors.Is(err, apperr.ErrCouponInvalid),
		errors.Is(err, apperr.ErrCartEmpty),
		apperr.CodeOf(err) == apperr.CodeValidation:
		return model.WebhookFailed, orderID, err
	}
	return model.WebhookErrored, orderID, err
}

func orderID(o *model.Order) uint {
	if o == nil {
		return 0
	}
	return o.ID
}

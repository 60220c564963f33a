// Package gateway 支付网关客户端（Razorpay）与签名校验。
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
)

// Notes 网关的 notes 字段：为空时 Razorpay 返回 []，有值时返回对象。
type Notes map[string]string

func (n *Notes) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if bytes.Equal(trimmed, []byte("null")) || bytes.HasPrefix(trimmed, []byte("[")) {
		*n = Notes{}
		return nil
	}
	m := map[string]string{}
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return err
	}
	*n = m
	return nil
}

// Order 网关订单。
type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
	Notes    Notes  `json:"notes"`
}

// Payment 网关支付详情，校验时以此为准，不信任客户端金额。
type Payment struct {
	ID           string `json:"id"`
	OrderID      string `json:"order_id"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Status       string `json:"status"` // created/authorized/captured/refunded/failed
	Method       string `json:"method"`
	Email        string `json:"email"`
	Contact      string `json:"contact"`
	ErrorCode    string `json:"error_code"`
	ErrorReason  string `json:"error_reason"`
	ErrorDesc    string `json:"error_description"`
	SettlementID string `json:"settlement_id,omitempty"`
	Notes        Notes  `json:"notes"`
	CreatedAt    int64  `json:"created_at"`
}

// Captured 是否已扣款成功。
func (p *Payment) Captured() bool { return p.Status == "captured" }

// Refund 退款结果。
type Refund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

// PaymentLinkRequest 召回支付链接参数。
type PaymentLinkRequest struct {
	Amount      int64
	Currency    string
	Description string
	ReferenceID string
	ExpireBy    int64 // unix 秒
	Customer    LinkCustomer
	Notes       map[string]string
	CallbackURL string
}

// LinkCustomer 支付链接客户信息。
type LinkCustomer struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Contact string `json:"contact,omitempty"`
}

// PaymentLink 网关返回的支付链接。
type PaymentLink struct {
	ID          string `json:"id"`
	ShortURL    string `json:"short_url"`
	Amount      int64  `json:"amount"`
	Status      string `json:"status"`
	ReferenceID string `json:"reference_id"`
	ExpireBy    int64  `json:"expire_by"`
	Notes       Notes  `json:"notes"`
}

// Settlement 网关结算批次。
type Settlement struct {
	ID        string          `json:"id"`
	Amount    int64           `json:"amount"`
	Fees      int64           `json:"fees"`
	Tax       int64           `json:"tax"`
	UTR       string          `json:"utr"`
	Status    string          `json:"status"`
	CreatedAt int64           `json:"created_at"`
	Raw       json.RawMessage `json:"-"`
}

// Client 网关外部协作者契约。
type Client interface {
	CreateOrder(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (*Order, error)
	FetchPayment(ctx context.Context, paymentID string) (*Payment, error)
	Refund(ctx context.Context, paymentID string, amount int64, notes map[string]string) (*Refund, error)
	CreatePaymentLink(ctx context.Context, req PaymentLinkRequest) (*PaymentLink, error)
	FetchSettlement(ctx context.Context, settlementID string) (*Settlement, error)
}

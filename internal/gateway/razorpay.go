package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"jewel_shop/internal/apperr"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Retry/backoff configuration
var (
	maxAttempts = 3
	baseBackoff = 300 * time.Millisecond
	maxBackoff  = 3 * time.Second
	jitterPct   = 0.20
)

// APIError 网关返回的非 2xx 响应。
type APIError struct {
	Status      int
	Code        string `json:"code"`
	Description string `json:"description"`
	Path        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("razorpay %s: status %d %s %s", e.Path, e.Status, e.Code, e.Description)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "timeout") || strings.Contains(s, "eof") || strings.Contains(s, "reset")
}

// Razorpay REST 客户端：令牌桶限速 + 指数退避重试。
type Razorpay struct {
	baseURL   string
	keyID     string
	keySecret string
	http      *http.Client
	limiter   *rate.Limiter
	log       zerolog.Logger
}

// NewRazorpay rps 为每秒请求上限。
func NewRazorpay(baseURL, keyID, keySecret string, rps float64, log zerolog.Logger) *Razorpay {
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &Razorpay{
		baseURL:   strings.TrimRight(baseURL, "/"),
		keyID:     keyID,
		keySecret: keySecret,
		http:      &http.Client{Timeout: 15 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		log:       log.With().Str("component", "razorpay").Logger(),
	}
}

func (r *Razorpay) CreateOrder(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (*Order, error) {
	body := map[string]any{
		"amount":   amount,
		"currency": currency,
		"receipt":  receipt,
		"notes":    notes,
	}
	var out Order
	if err := r.do(ctx, http.MethodPost, "/orders", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Razorpay) FetchPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var out Payment
	if err := r.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(paymentID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Razorpay) Refund(ctx context.Context, paymentID string, amount int64, notes map[string]string) (*Refund, error) {
	body := map[string]any{"amount": amount, "notes": notes}
	var out Refund
	if err := r.do(ctx, http.MethodPost, "/payments/"+url.PathEscape(paymentID)+"/refund", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Razorpay) CreatePaymentLink(ctx context.Context, req PaymentLinkRequest) (*PaymentLink, error) {
	body := map[string]any{
		"amount":          req.Amount,
		"currency":        req.Currency,
		"description":     req.Description,
		"reference_id":    req.ReferenceID,
		"expire_by":       req.ExpireBy,
		"customer":        req.Customer,
		"notify":          map[string]bool{"sms": false, "email": false},
		"reminder_enable": false,
		"notes":           req.Notes,
	}
	if req.CallbackURL != "" {
		body["callback_url"] = req.CallbackURL
		body["callback_method"] = "get"
	}
	var out PaymentLink
	if err := r.do(ctx, http.MethodPost, "/payment_links", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Razorpay) FetchSettlement(ctx context.Context, settlementID string) (*Settlement, error) {
	var raw json.RawMessage
	if err := r.do(ctx, http.MethodGet, "/settlements/"+url.PathEscape(settlementID), nil, &raw); err != nil {
		return nil, err
	}
	var out Settlement
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode settlement: %w", err)
	}
	out.Raw = raw
	return &out, nil
}

// do 发请求；可重试错误按指数退避重试，最终错误归类为外部依赖失败。
func (r *Razorpay) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = b
	}

	attempt := 0
	backoff := baseBackoff
	for {
		err := r.once(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		attempt++
		if attempt >= maxAttempts || !isRetryable(err) {
			r.log.Warn().Err(err).Str("method", method).Str("path", path).Int("attempts", attempt).Msg("gateway call failed")
			return apperr.Wrap(apperr.CodeDependency, err, "payment gateway")
		}
		jit := time.Duration(rand.Int63n(int64(float64(backoff)*jitterPct) + 1))
		wait := backoff + jit
		if wait > maxBackoff {
			wait = maxBackoff
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return apperr.Wrap(apperr.CodeDependency, ctx.Err(), "payment gateway")
		}
		backoff *= 2
	}
}

func (r *Razorpay) once(ctx context.Context, method, path string, payload []byte, out any) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(r.keyID, r.keySecret)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		apiErr := &APIError{Status: res.StatusCode, Path: path}
		var envelope struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error != nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Description = envelope.Error.Description
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

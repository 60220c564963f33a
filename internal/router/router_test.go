package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"jewel_shop/internal/apperr"
	"jewel_shop/internal/cart"
	"jewel_shop/internal/checkout"
	"jewel_shop/internal/config"
	"jewel_shop/internal/model"
	"jewel_shop/internal/recovery"
	"jewel_shop/internal/webhook"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeCarts struct {
	set map[uint]int
	err error
}

func (f *fakeCarts) Get(_ context.Context, userID int64) (*cart.Cart, error) {
	return &cart.Cart{UserID: userID, Currency: "INR"}, nil
}

func (f *fakeCarts) SetQuantity(_ context.Context, _ int64, productID, _ uint, qty int) error {
	if f.err != nil {
		return f.err
	}
	f.set[productID] = qty
	return nil
}

type fakeActivity struct{ tracked []string }

func (f *fakeActivity) Track(userID int64, reason string) {
	f.tracked = append(f.tracked, reason)
}

type fakeCheckout struct {
	createErr error
	lastCh    checkout.StatusChange
}

func (f *fakeCheckout) Summarize(_ context.Context, userID int64, _ string, _ *model.Address) (*checkout.Summary, error) {
	return &checkout.Summary{UserID: userID, Total: 2150}, nil
}

func (f *fakeCheckout) CreatePaymentAttempt(_ context.Context, _ int64, _ checkout.CreateRequest) (*checkout.AttemptResult, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &checkout.AttemptResult{Ref: "ref-1", GatewayOrderID: "order_1", Amount: 2150}, nil
}

func (f *fakeCheckout) VerifyPayment(_ context.Context, userID int64, req checkout.VerifyRequest) (*model.Order, error) {
	return &model.Order{ID: 5, UserID: userID, GatewayOrderID: req.GatewayOrderID}, nil
}

func (f *fakeCheckout) RetryPayment(_ context.Context, _ int64, ref string) (*checkout.AttemptResult, error) {
	return nil, apperr.Newf(apperr.CodeConflict, apperr.ReasonAttemptClosed, "attempt %s already paid", ref)
}

func (f *fakeCheckout) Order(_ context.Context, id uint) (*model.Order, error) {
	return &model.Order{ID: id}, nil
}

func (f *fakeCheckout) UpdateOrderStatus(_ context.Context, id uint, ch checkout.StatusChange) (*model.Order, error) {
	f.lastCh = ch
	return &model.Order{ID: id, Status: ch.Status}, nil
}

func (f *fakeCheckout) SyncSettlements(_ context.Context, limit int) (checkout.SettlementStats, error) {
	return checkout.SettlementStats{Checked: limit}, nil
}

type fakeRecovery struct{ limit int }

func (f *fakeRecovery) RunOnce(_ context.Context, limit int) (recovery.Stats, error) {
	f.limit = limit
	return recovery.Stats{Due: 2, Processed: 2, Sent: 1}, nil
}

func (f *fakeRecovery) Sweep(context.Context) (recovery.SweepStats, error) {
	return recovery.SweepStats{Promoted: 1}, nil
}

func (f *fakeRecovery) UpdateCampaign(_ context.Context, c model.Campaign) (model.Campaign, int, error) {
	if c.MaxAttempts == 0 {
		return model.Campaign{}, 0, apperr.New(apperr.CodeValidation, apperr.ReasonInvalidCampaign, "max_attempts must be between 1 and 6")
	}
	return c, 3, nil
}

type fakeJourneys struct{}

func (fakeJourneys) List(_ context.Context, f recovery.ListFilter) (recovery.JourneyPage, error) {
	return recovery.JourneyPage{Page: f.Page, PageSize: f.PageSize}, nil
}

func (fakeJourneys) Timeline(_ context.Context, id uint) (*recovery.Timeline, error) {
	return nil, apperr.Newf(apperr.CodeNotFound, "", "journey %d not found", id)
}

type fakeCampaigns struct{}

func (fakeCampaigns) Get(context.Context) (model.Campaign, error) {
	return model.Campaign{ID: model.CampaignID, MaxAttempts: 4}, nil
}

type fakeWebhooks struct {
	body      string
	signature string
	eventID   string
	err       error
}

func (f *fakeWebhooks) Handle(_ context.Context, body []byte, signature, eventID string) (webhook.Result, error) {
	f.body, f.signature, f.eventID = string(body), signature, eventID
	if f.err != nil {
		return webhook.Result{EventID: eventID}, f.err
	}
	return webhook.Result{EventID: eventID, Status: model.WebhookProcessed}, nil
}

type fixture struct {
	engine   *gin.Engine
	carts    *fakeCarts
	activity *fakeActivity
	checkout *fakeCheckout
	recovery *fakeRecovery
	webhooks *fakeWebhooks
}

func newFixture() *fixture {
	f := &fixture{
		engine:   gin.New(),
		carts:    &fakeCarts{set: map[uint]int{}},
		activity: &fakeActivity{},
		checkout: &fakeCheckout{},
		recovery: &fakeRecovery{},
		webhooks: &fakeWebhooks{},
	}
	Setup(f.engine, Deps{
		Carts:     f.carts,
		Activity:  f.activity,
		Checkout:  f.checkout,
		Recovery:  f.recovery,
		Journeys:  fakeJourneys{},
		Campaigns: fakeCampaigns{},
		Webhooks:  f.webhooks,
		Config:    config.AppConfig{AdminToken: "adm", RecoveryBatch: 50},
		Log:       zerolog.Nop(),
	})
	return f
}

type envelope struct {
	Code      int             `json:"code"`
	Msg       string          `json:"msg"`
	Reason    string          `json:"reason"`
	Retryable bool            `json:"retryable"`
	Data      json.RawMessage `json:"data"`
}

func (f *fixture) do(t *testing.T, method, path, body string, headers map[string]string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w.Code, env
}

var (
	asUser  = map[string]string{"X-User-ID": "7"}
	asAdmin = map[string]string{"X-Admin-Token": "adm", "X-Admin-Actor": "ops@jewelshop"}
)

func TestCartMutationFeedsTracker(t *testing.T) {
	f := newFixture()

	code, _ := f.do(t, http.MethodPut, "/api/cart/items", `{"product_id":3,"quantity":2}`, asUser)
	require.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodDelete, "/api/cart/items/3", "", asUser)
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, 0, f.carts.set[3])
	assert.Equal(t, []string{"cart_updated", "cart_item_removed"}, f.activity.tracked)
}

func TestCartMutationErrorsDoNotTrack(t *testing.T) {
	f := newFixture()
	f.carts.err = apperr.Newf(apperr.CodeNotFound, "", "product 99 not found")

	code, env := f.do(t, http.MethodPut, "/api/cart/items", `{"product_id":99,"quantity":1}`, asUser)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "product 99 not found", env.Msg)
	assert.Empty(t, f.activity.tracked)

	code, _ = f.do(t, http.MethodPut, "/api/cart/items", `{"quantity":1}`, asUser)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestUserRoutesRequireIdentity(t *testing.T) {
	f := newFixture()
	code, _ := f.do(t, http.MethodPost, "/api/checkout/summary", `{}`, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestCheckoutErrorsCarryReason(t *testing.T) {
	f := newFixture()
	f.checkout.createErr = apperr.Newf(apperr.CodeConflict, apperr.ReasonStockInsufficient, "only 1 left of Solitaire Ring")

	code, env := f.do(t, http.MethodPost, "/api/checkout/orders", `{}`, asUser)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "stock_insufficient", env.Reason)
	assert.False(t, env.Retryable)

	code, env = f.do(t, http.MethodPost, "/api/checkout/attempts/ref-1/retry", "", asUser)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "attempt_closed", env.Reason)
}

func TestInternalErrorsAreMasked(t *testing.T) {
	f := newFixture()
	f.checkout.createErr = assert.AnError

	code, env := f.do(t, http.MethodPost, "/api/checkout/orders", `{}`, asUser)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "internal error", env.Msg)
	assert.True(t, env.Retryable)
}

func TestVerifyReturnsOrder(t *testing.T) {
	f := newFixture()
	code, env := f.do(t, http.MethodPost, "/api/checkout/verify",
		`{"razorpay_order_id":"order_1","razorpay_payment_id":"pay_1","razorpay_signature":"sig"}`, asUser)
	require.Equal(t, http.StatusOK, code)

	var o model.Order
	require.NoError(t, json.Unmarshal(env.Data, &o))
	assert.Equal(t, "order_1", o.GatewayOrderID)
	assert.Equal(t, int64(7), o.UserID)
}

func TestWebhookPassesRawBodyAndHeaders(t *testing.T) {
	f := newFixture()
	body := `{"event":"payment.captured","payload":{}}`
	code, _ := f.do(t, http.MethodPost, "/api/webhooks/razorpay", body,
		map[string]string{"X-Razorpay-Signature": "abc", "X-Razorpay-Event-Id": "evt_1"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, body, f.webhooks.body)
	assert.Equal(t, "abc", f.webhooks.signature)
	assert.Equal(t, "evt_1", f.webhooks.eventID)

	f.webhooks.err = apperr.New(apperr.CodeValidation, apperr.ReasonSignatureInvalid, "webhook signature mismatch")
	code, env := f.do(t, http.MethodPost, "/api/webhooks/razorpay", body, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "signature_invalid", env.Reason)

	f.webhooks.err = assert.AnError
	code, _ = f.do(t, http.MethodPost, "/api/webhooks/razorpay", body, nil)
	assert.Equal(t, http.StatusInternalServerError, code, "gateway should redeliver")
}

func TestAdminRoutes(t *testing.T) {
	f := newFixture()

	code, _ := f.do(t, http.MethodGet, "/api/admin/recovery/campaign", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = f.do(t, http.MethodGet, "/api/admin/recovery/campaign", "", asAdmin)
	assert.Equal(t, http.StatusOK, code)

	code, env := f.do(t, http.MethodPut, "/api/admin/recovery/campaign", `{"max_attempts":0}`, asAdmin)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_campaign", env.Reason)

	code, env = f.do(t, http.MethodPut, "/api/admin/recovery/campaign", `{"max_attempts":3}`, asAdmin)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"rescheduled":3`)

	code, _ = f.do(t, http.MethodPost, "/api/admin/recovery/run?limit=5", "", asAdmin)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 5, f.recovery.limit)
	code, _ = f.do(t, http.MethodPost, "/api/admin/recovery/run", "", asAdmin)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 50, f.recovery.limit)

	code, env = f.do(t, http.MethodGet, "/api/admin/recovery/journeys?status=active&page=2&page_size=10", "", asAdmin)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"page":2`)

	code, _ = f.do(t, http.MethodGet, "/api/admin/recovery/journeys/9", "", asAdmin)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodGet, "/api/admin/orders/abc", "", asAdmin)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPatch, "/api/admin/orders/4/status", `{"status":"cancelled","refund":true,"note":"customer request"}`, asAdmin)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, model.OrderCancelled, f.checkout.lastCh.Status)
	assert.True(t, f.checkout.lastCh.Refund)
	assert.Equal(t, "ops@jewelshop", f.checkout.lastCh.Actor)
}

package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"jewel_shop/internal/apperr"
	"jewel_shop/internal/cart"
	"jewel_shop/internal/gateway"
	"jewel_shop/internal/model"
	"jewel_shop/internal/queue"
	"jewel_shop/internal/recovery"
	"jewel_shop/internal/shipping"
	"jewel_shop/internal/storage/storagetest"
	"jewel_shop/internal/users"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testSecret = "test_secret"

type fakeGateway struct {
	mu          sync.Mutex
	orders      int
	payments    map[string]*gateway.Payment
	refunds     []gateway.Refund
	createErr   error
	settlements map[string]*gateway.Settlement
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{payments: map[string]*gateway.Payment{}, settlements: map[string]*gateway.Settlement{}}
}

func (f *fakeGateway) CreateOrder(_ context.Context, amount int64, currency, receipt string, _ map[string]string) (*gateway.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.orders++
	return &gateway.Order{ID: fmt.Sprintf("order_%d", f.orders), Amount: amount, Currency: currency, Receipt: receipt, Status: "created"}, nil
}

func (f *fakeGateway) FetchPayment(_ context.Context, id string) (*gateway.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return nil, errors.New("payment not found")
	}
	cp := *p
	return &cp, nil
}

func (f *fakeGateway) Refund(_ context.Context, paymentID string, amount int64, _ map[string]string) (*gateway.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rf := gateway.Refund{ID: fmt.Sprintf("rfnd_%d", len(f.refunds)+1), PaymentID: paymentID, Amount: amount, Status: "processed"}
	f.refunds = append(f.refunds, rf)
	return &rf, nil
}

func (f *fakeGateway) CreatePaymentLink(context.Context, gateway.PaymentLinkRequest) (*gateway.PaymentLink, error) {
	return nil, errors.New("not used")
}

func (f *fakeGateway) FetchSettlement(_ context.Context, id string) (*gateway.Settlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.settlements[id]
	if !ok {
		return nil, errors.New("settlement not found")
	}
	return st, nil
}

func (f *fakeGateway) addPayment(p gateway.Payment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments[p.ID] = &p
}

type fakePublisher struct {
	mu     sync.Mutex
	events []queue.OrderEvent
}

func (f *fakePublisher) Publish(_ context.Context, evt queue.OrderEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return nil
}

func (f *fakePublisher) count(typ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	db      *gorm.DB
	svc     *Service
	gw      *fakeGateway
	pub     *fakePublisher
	ring    *model.Product
	carts   *cart.Store
	journal *recovery.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storagetest.New(t)
	storagetest.SeedUser(t, db, 1)
	storagetest.SeedUser(t, db, 2)
	ring := storagetest.SeedProduct(t, db, "RING-1", 1000, 3)
	require.NoError(t, db.Create(&model.ShippingZone{Name: "south", States: []string{"KA"}, BaseFee: 150, BaseGrams: 500, SlabGrams: 500, PerSlabFee: 50}).Error)

	gw := newFakeGateway()
	pub := &fakePublisher{}
	carts := cart.NewStore(db, "INR")
	journal := recovery.NewStore(db)
	svc, err := NewService(Deps{
		DB:        db,
		Carts:     carts,
		Users:     users.NewStore(db),
		Shipping:  shipping.NewZoneResolver(db),
		Gateway:   gw,
		Journeys:  journal,
		Publisher: pub,
		Log:       zerolog.Nop(),
	}, Options{Currency: "INR", KeyID: "rzp_test", KeySecret: testSecret, AttemptTTL: 30 * time.Minute, VerifyLockTTL: 30 * time.Second, NodeID: 1})
	require.NoError(t, err)
	return &fixture{db: db, svc: svc, gw: gw, pub: pub, ring: ring, carts: carts, journal: journal}
}

// pay 模拟客户端完成支付并返回回调参数。
func (f *fixture) pay(res *AttemptResult, amount int64) VerifyRequest {
	pid := "pay_" + res.GatewayOrderID
	f.gw.addPayment(gateway.Payment{ID: pid, OrderID: res.GatewayOrderID, Amount: amount, Currency: "INR", Status: "captured"})
	return VerifyRequest{
		GatewayOrderID:   res.GatewayOrderID,
		GatewayPaymentID: pid,
		Signature:        gateway.Sign(testSecret, []byte(res.GatewayOrderID+"|"+pid)),
	}
}

func (f *fixture) stock(t *testing.T) int64 {
	t.Helper()
	var p model.Product
	require.NoError(t, f.db.First(&p, f.ring.ID).Error)
	return p.Stock
}

func (f *fixture) attempt(t *testing.T, ref string) model.PaymentAttempt {
	t.Helper()
	var a model.PaymentAttempt
	require.NoError(t, f.db.Where("ref = ?", ref).First(&a).Error)
	return a
}

func TestSummarizeComputesServerSideTotals(t *testing.T) {
	f := newFixture(t)
	storagetest.AddToCart(t, f.db, 1, f.ring.ID, 2)

	sum, err := f.svc.Summarize(context.Background(), 1, "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), sum.Subtotal)
	assert.Equal(t, int64(150), sum.ShippingFee)
	assert.Equal(t, int64(2150), sum.Total)
	assert.Equal(t, 2, sum.ItemCount)

	_, err = f.svc.Summarize(context.Background(), 2, "", nil)
	assert.True(t, errors.Is(err, apperr.ErrCartEmpty))
}

func TestCreateAttemptReservesStock(t *testing.T) {
	f := newFixture(t)
	storagetest.AddToCart(t, f.db, 1, f.ring.ID, 2)

	res, err := f.svc.CreatePaymentAttempt(context.Background(), 1, CreateRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(2150), res.Amount)
	assert.Equal(t, "rzp_test", res.KeyID)
	assert.Equal(t, int64(1), f.stock(t))

	a := f.attempt(t, res.Ref)
	assert.Equal(t, model.PaymentCreated, a.Status)
	require.NotNil(t, a.GatewayOrderID)
	assert.Equal(t, res.GatewayOrderID, *a.GatewayOrderID)

	var rows []model.InventoryReservation
	require.NoError(t, f.db.Where("payment_attempt_id = ?", a.ID).Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, model.ReservationReserved, rows[0].Status)
}

func TestCreateAttemptRejectsOversell(t *testing.T) {
	f := newFixture(t)
	storagetest.AddToCart(t, f.db, 1, f.ring.ID, 2)
	storagetest.AddToCart(t, f.db, 2, f.ring.ID, 2)

	_, err := f.svc.CreatePaymentAttempt(context.Background(), 1, CreateRequest{})
	require.NoError(t, err)
	_, err = f.svc.CreatePaymentAttempt(context.Background(), 2, CreateRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrStockInsufficient))
	assert.Equal(t, int64(1), f.stock(t))

	var n int64
	require.NoError(t, f.db.Model(&model.PaymentAttempt{}).Where("user_id = ?", 2).Count(&n).Error)
	assert.Zero(t, n, "failed reservation rolls back the attempt")
}

func TestCreateAttemptGatewayFailureReleasesStock(t *testing.T) {
	f := newFixture(t)
	storagetest.AddToCart(t, f.db, 1, f.ring.ID, 2)
	f.gw.createErr = errors.New("razorpay down")

	_, err := f.svc.CreatePaymentAttempt(context.Background(), 1, CreateRequest{})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeDependency, apperr.CodeOf(err))
	assert.Equal(t, int64(3), f.stock(t))

	var a model.PaymentAttempt
	require.NoError(t, f.db.Where("user_id = ?", 1).First(&a).Error)
	assert.Equal(t, model.PaymentFailed, a.Status)
}

func TestCreateAttemptRequiresCompleteAddress(t *testing.T) {
	f := newFixture(t)
	storagetest.AddToCart(t, f.db, 1, f.ring.ID, 1)

	_, err := f.svc.CreatePaymentAttempt(context.Background(), 1, CreateRequest{ShippingAddress: &model.Address{City: "Pune"}})
	assert.Equal(t, apperr.ReasonAddressIncomplete, apperr.ReasonOf(err))
}

func TestVerifyCreatesExactlyOneOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	storagetest.AddToCart(t, f.db, 1, f.ring.ID, 2)

	res, err := f.svc.CreatePaymentAttempt(ctx, 1, CreateRequest{})
	require.NoError(t, err)
	req := f.pay(res, res.Amount)

	order, err := f.svc.VerifyPayment(ctx, 1, req)
	require.NoError(t, err)
	assert.Equal(t, model.OrderConfirmed, order.Status)
	assert.Equal(t, int64(2150), order.Total)
	assert.Equal(t, order.Subtotal+order.ShippingFee-order.DiscountAmount, order.Total)
	var lineSum int64
	for _, it := range order.Items {
		lineSum += it.LineTotal
	}
	assert.Equal(t, order.Subtotal, lineSum)
	assert.Equal(t, int64(1), f.stock(t), "reserved stock is not deducted twice")

	c, err := f.carts.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, c.Empty())

	again, err := f.svc.VerifyPayment(ctx, 1, req)
	require.NoError(t, err)
	assert.Equal(t, order.ID, again.ID)

	a := f.attempt(t, res.Ref)
	assert.Equal(t, model.PaymentPaid, a.Status)
	require.NotNil(t, a.LocalOrderID)
	assert.Equal(t, order.ID, *a.LocalOrderID)
	assert.Nil(t, a.VerifyLockedAt)

	var reservations []model.InventoryReservation
	require.NoError(t, f.db.Where("payment_attempt_id = ?", a.ID).Find(&reservations).Error)
	for _, r := range reservations {
		assert.Equal(t, model.ReservationConsumed, r.Status)
	}
	assert.Equal(t, 1, f.pub.count(queue.EventOrderCreated))
}

func TestVerifyConcurrentCallsShareOneOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	storagetest.AddToCart(t, f.db, 1, f.ring.ID, 1)
	res, err := f.svc.CreatePaymentAttempt(ctx, 1, CreateRequest{})
	require.NoError(t, err)
	req := f.pay(res, res.Amount)

	var wg sync.WaitGroup
	ids := make(chan uint, 8)
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, err := f.svc.VerifyPayment(ctx, 1, req)
			if err != nil {
				errs <- err
				return
			}
			ids <- o.ID
		}()
	}
	wg.Wait()
	close(ids)
	close(errs)

	for err := range errs {
		assert.True(t, errors.Is(err, apperr.ErrVerificationInProgress), "unexpected error %v", err)
	}
	seen := map[uint]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.LessOrEqual(t, len(seen), 1)

	var n int64
	require.NoError(t, f.db.Model(&model.Order{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	storagetest.AddToCart(t, f.db, 1, f.ring.ID, 1)
	res, err := f.svc.CreatePaymentAttempt(context.Background(), 1, CreateRequest{})
	require.NoError(t, err)
	req := f.pay(res, res.Amount)
	req.Signature = "deadbeef"

	_, err = f.svc.VerifyPayment(context.Background(), 1, req)
	assert.True(t, errors.Is(err, apperr.ErrSignatureInvalid))
	assert.Equal(t, model.PaymentCreated, f.attempt(t, res.Ref).Status)
}

func TestVerifyAmountMismatchFailsAttempt(t *testing.T) {
	f := newFixture(t)
	storagetest.AddToCart(t, f.db, 1, f.ring.ID, 2)
	res, err := f.svc.CreatePaymentAttempt(context.Background(), 1, CreateRequest{})
	require.NoError(t, err)
	req := f.pay(res, 100)

	_, err = f.svc.VerifyPayment(context.Background(), 1, req)
	assert.True(t, errors.Is(err, apperr.ErrAmountMismatch))
	assert.Equal(t, model.PaymentFailed, f.attempt(t, res.Ref).Status)
	assert.Equal(t, int64(3), f.stock(t), "reservation released")
}

func TestVerifyUnknownOrderForOtherUser(t *testing.T) {
	f := newFixture(t)
	storagetest.AddToCart(t, f.db, 1, f.ring.ID, 1)
	res, err := f.svc.CreatePaymentAttempt(context.Background(), 1, CreateRequest{})
	require.NoError(t, err)

	_, err = f.svc.VerifyPayment(context.Background(), 2, f.pay(res, res.Amount))
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestCartChangedStrictOnVerifyLenientOnWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chain := storagetest.SeedProduct(t, f.db, "CHAIN-1", 400, 5)
	storagetest.AddToCart(t, f.db, 1, f.ring.ID, 2)
	res, err := f.svc.CreatePaymentAttempt(ctx, 1, CreateRequest{})
	require.NoError(t, err)
	req := f.pay(res, res.Amount)

	// 付款期间又加购了一条项链。
	storagetest.AddToCart(t, f.db, 1, chain.ID, 1)
	_, err = f.svc.VerifyPayment(ctx, 1, req)
	assert.True(t, errors.Is(err, apperr.ErrCartChanged))

	p, err := f.gw.FetchPayment(ctx, req.GatewayPaymentID)
	require.NoError(t, err)
	order, created, err := f.svc.ConfirmPayment(ctx, p)
	require.NoError(t, err)
	assert.True(t, created)
	require.Len(t, order.Items, 1)
	assert.Equal(t, int64(2150), order.Total)

	c, err := f.carts.Get(ctx, 1)
	require.NoError(t, err)
	require.Len(t, c.Lines, 1, "items added after payment stay in the cart")
	assert.Equal(t, chain.ID, c.Lines[0].ProductID)

	_, created, err = f.svc.ConfirmPayment(ctx, p)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestVerifyClosesActiveJourney(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	storagetest.AddToCart(t, f.db, 1, f.ring.ID, 1)
	now := time.Now().UTC()
	j := model.Journey{
		UserID: 1, Status: model.JourneyActive, ItemCount: 1, CartTotal: 1000, Currency: "INR",
		CartSnapshot:    []model.SnapshotItem{{ProductID: f.ring.ID, Name: "Ring", UnitPrice: 1000, Quantity: 1}},
		LadderStartedAt: now.Add(-time.Hour), ExpiresAt: now.Add(48 * time.Hour),
	}
	require.NoError(t, f.db.Create(&j).Error)

	res, err := f.svc.CreatePaymentAttempt(ctx, 1, CreateRequest{})
	require.NoError(t, err)
	order, err := f.svc.VerifyPayment(ctx, 1, f.pay(res, res.Amount))
	require.NoError(t, err)
	require.NotNil(t, order.JourneyID)
	assert.Equal(t, j.ID, *order.JourneyID)

	var got model.Journey
	require.NoError(t, f.db.First(&got, j.ID).Error)
	assert.Equal(t, model.JourneyRecovered, got.Status)
	require.NotNil(t, got.RecoveredOrderID)
	assert.Equal(t, order.ID, *got.RecoveredOrderID)
	assert.Equal(t, recovery.ReasonPaidOrder, got.RecoveryReason)
}

func TestRecoveredJourneyInvalidatesOutstandingDiscount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	closedAt := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	f.svc.now = func() time.Time { return closedAt }
	storagetest.AddToCart(t, f.db, 1, f.ring.ID, 1)
	j := model.Journey{
		UserID: 1, Status: model.JourneyActive, ItemCount: 1, CartTotal: 1000, Currency: "INR",
		CartSnapshot:    []model.SnapshotItem{{ProductID: f.ring.ID, Name: "Ring", UnitPrice: 1000, Quantity: 1}},
		LadderStartedAt: closedAt.Add(-time.Hour), ExpiresAt: closedAt.Add(48 * time.Hour), LastAttemptNo: 2,
	}
	require.NoError(t, f.db.Create(&j).Error)
	code := model.RecoveryDiscount{
		JourneyID: j.ID, AttemptNo: 2, UserID: 1, Code: "BACK-RECOVERED", Percent: 10,
		MaxDiscountAmount: 10_000, Status: model.DiscountActive, ExpiresAt: time.Now().UTC().Add(48 * time.Hour),
	}
	require.NoError(t, f.db.Create(&code).Error)

	// 用户没用召回码，直接正常结算
	res, err := f.svc.CreatePaymentAttempt(ctx, 1, CreateRequest{})
	require.NoError(t, err)
	_, err = f.svc.VerifyPayment(ctx, 1, f.pay(res, res.Amount))
	require.NoError(t, err)

	var got model.Journey
	require.NoError(t, f.db.First(&got, j.ID).Error)
	assert.Equal(t, model.JourneyRecovered, got.Status)
	require.NotNil(t, got.ClosedAt)
	assert.True(t, closedAt.Equal(*got.ClosedAt), "closed_at comes from the service clock")

	var d model.RecoveryDiscount
	require.NoError(t, f.db.First(&d, code.ID).Error)
	assert.Equal(t, model.DiscountInvalidated, d.Status)

	storagetest.AddToCart(t, f.db, 1, f.ring.ID, 1)
	_, err = f.svc.Summarize(ctx, 1, "BACK-RECOVERED", nil)
	assert.Equal(t, apperr.ReasonCouponInvalid, apperr.ReasonOf(err))
}

func TestVerifyRedeemsCoupon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	storagetest.AddToCart(t, f.db, 1, f.ring.ID, 2)
	require.NoError(t, f.db.Create(&model.Coupon{Code: "FLAT100", DiscountType: model.CouponFixed, Value: 100, Scope: model.ScopeGeneric, Active: true}).Error)

	res, err := f.svc.CreatePaymentAttempt(ctx, 1, CreateRequest{CouponCode: "flat100"})
	require.NoError(t, err)
	assert.Equal(t, int64(2050), res.Amount)

	order, err := f.svc.VerifyPayment(ctx, 1, f.pay(res, res.Amount))
	require.NoError(t, err)
	assert.Equal(t, int64(100), order.DiscountAmount)
	assert.Equal(t, "FLAT100", order.CouponCode)
	assert.Equal(t, model.DiscountSourceCoupon, order.DiscountSource)

	var cp model.Coupon
	require.NoError(t, f.db.Where("code = ?", "FLAT100").First(&cp).Error)
	assert.Equal(t, 1, cp.UsedCount)
}

func TestExpiredAttemptReleasesThenLateWebhookDeducts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	storagetest.AddToCart(t, f.db, 1, f.ring.ID, 2)
	res, err := f.svc.CreatePaymentAttempt(ctx, 1, CreateRequest{})
	require.NoError(t, err)
	req := f.pay(res, res.Amount)

	f.svc.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	n, err := f.svc.ExpireStaleAttempts(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(3), f.stock(t))
	assert.Equal(t, model.PaymentExpired, f.attempt(t, res.Ref).Status)

	n, err = f.svc.ExpireStaleAttempts(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	p, err := f.gw.FetchPayment(ctx, req.GatewayPaymentID)
	require.NoError(t, err)
	order, created, err := f.svc.ConfirmPayment(ctx, p)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1), f.stock(t), "stock deducted at order time once the reservation is gone")
	assert.Equal(t, model.PaymentPaid, f.attempt(t, res.Ref).Status)
	assert.NotZero(t, order.ID)
}

func TestRetryPaymentSupersedesOpenAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	storagetest.AddToCart(t, f.db, 1, f.ring.ID, 2)
	first, err := f.svc.CreatePaymentAttempt(ctx, 1, CreateRequest{})
	require.NoError(t, err)

	second, err := f.svc.RetryPayment(ctx, 1, first.Ref)
	require.NoError(t, err)
	assert.NotEqual(t, first.Ref, second.Ref)
	assert.NotEqual(t, first.GatewayOrderID, second.GatewayOrderID)
	assert.Equal(t, int64(1), f.stock(t), "only the new attempt holds stock")

	old := f.attempt(t, first.Ref)
	assert.Equal(t, model.PaymentExpired, old.Status)
	fresh := f.attempt(t, second.Ref)
	require.NotNil(t, fresh.RetryOfID)
	assert.Equal(t, old.ID, *fresh.RetryOfID)

	_, err = f.svc.VerifyPayment(ctx, 1, f.pay(second, second.Amount))
	require.NoError(t, err)
	_, err = f.svc.RetryPayment(ctx, 1, second.Ref)
	assert.True(t, errors.Is(err, apperr.ErrAttemptClosed))
}

func TestMarkAttemptFailedReleases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	storagetest.AddToCart(t, f.db, 1, f.ring.ID, 1)
	res, err := f.svc.CreatePaymentAttempt(ctx, 1, CreateRequest{})
	require.NoError(t, err)

	require.NoError(t, f.svc.MarkAttemptAuthorized(ctx, res.GatewayOrderID, "pay_x"))
	assert.Equal(t, model.PaymentAttempted, f.attempt(t, res.Ref).Status)

	ok, err := f.svc.MarkAttemptFailed(ctx, res.GatewayOrderID, "card declined")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(3), f.stock(t))

	ok, err = f.svc.MarkAttemptFailed(ctx, res.GatewayOrderID, "card declined")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFinalizePaymentLinkSynthesizesOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	j := model.Journey{
		UserID: 1, Status: model.JourneyActive, ItemCount: 2, CartTotal: 2000, Currency: "INR",
		CartSnapshot:    []model.SnapshotItem{{ProductID: f.ring.ID, Name: "Ring", SKU: "RING-1", UnitPrice: 1000, Quantity: 2, WeightGrams: 20}},
		LadderStartedAt: now.Add(-time.Hour), ExpiresAt: now.Add(48 * time.Hour), LastAttemptNo: 1,
	}
	require.NoError(t, f.db.Create(&j).Error)
	require.NoError(t, f.db.Create(&model.Attempt{JourneyID: j.ID, AttemptNo: 1, UserID: 1, Status: model.AttemptSent, PaymentLinkID: "plink_1"}).Error)

	lp := LinkPayment{
		LinkID:  "plink_1",
		Notes:   map[string]string{"journey_id": fmt.Sprint(j.ID), "shipping_fee": "150"},
		Payment: &gateway.Payment{ID: "pay_link", OrderID: "order_link", Amount: 2150, Currency: "INR", Status: "captured"},
	}
	order, created, err := f.svc.FinalizePaymentLink(ctx, lp)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(2150), order.Total)
	assert.Equal(t, int64(150), order.ShippingFee)
	assert.Equal(t, int64(1), f.stock(t))

	var got model.Journey
	require.NoError(t, f.db.First(&got, j.ID).Error)
	assert.Equal(t, model.JourneyRecovered, got.Status)
	assert.Equal(t, recovery.ReasonLinkPaid, got.RecoveryReason)

	var a model.Attempt
	require.NoError(t, f.db.Where("payment_link_id = ?", "plink_1").First(&a).Error)
	assert.Equal(t, model.AttemptPaid, a.Status)

	again, created, err := f.svc.FinalizePaymentLink(ctx, lp)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, order.ID, again.ID)

	lp.Payment = &gateway.Payment{ID: "pay_short", Amount: 500, Currency: "INR", Status: "captured"}
	_, _, err = f.svc.FinalizePaymentLink(ctx, lp)
	assert.True(t, errors.Is(err, apperr.ErrAmountMismatch))
}

func TestPaymentLinkOrderUsesLinkPricingAfterSnapshotRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	one := []model.SnapshotItem{{ProductID: f.ring.ID, Name: "Ring", SKU: "RING-1", UnitPrice: 1000, Quantity: 1, WeightGrams: 10}}
	j := model.Journey{
		UserID: 1, Status: model.JourneyActive, ItemCount: 1, CartTotal: 1000, Currency: "INR",
		CartSnapshot: one, LadderStartedAt: now.Add(-time.Hour), ExpiresAt: now.Add(48 * time.Hour), LastAttemptNo: 1,
	}
	require.NoError(t, f.db.Create(&j).Error)
	require.NoError(t, f.db.Create(&model.Attempt{
		JourneyID: j.ID, AttemptNo: 1, UserID: 1, Status: model.AttemptSent, PaymentLinkID: "plink_1x",
		CartSnapshot: one, Currency: "INR", ShippingFee: 150, Amount: 1150,
	}).Error)

	// 链接发出后用户又加了一件，旅程快照被刷新成 2 件
	two := []model.SnapshotItem{{ProductID: f.ring.ID, Name: "Ring", SKU: "RING-1", UnitPrice: 1000, Quantity: 2, WeightGrams: 20}}
	require.NoError(t, f.journal.RefreshSnapshot(ctx, f.db, &j, cart.FromSnapshot(1, "INR", two)))

	order, created, err := f.svc.FinalizePaymentLink(ctx, LinkPayment{
		LinkID:  "plink_1x",
		Notes:   map[string]string{"journey_id": fmt.Sprint(j.ID), "shipping_fee": "150"},
		Payment: &gateway.Payment{ID: "pay_1x", Amount: 1150, Currency: "INR", Status: "captured"},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1150), order.Total)
	assert.Equal(t, int64(1000), order.Subtotal)
	assert.Equal(t, int64(2), f.stock(t))

	var n int64
	require.NoError(t, f.db.Model(&model.Order{}).Where("gateway_payment_id = ?", "pay_1x").Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestCancelWithRefundRestocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	storagetest.AddToCart(t, f.db, 1, f.ring.ID, 2)
	res, err := f.svc.CreatePaymentAttempt(ctx, 1, CreateRequest{})
	require.NoError(t, err)
	order, err := f.svc.VerifyPayment(ctx, 1, f.pay(res, res.Amount))
	require.NoError(t, err)

	_, err = f.svc.UpdateOrderStatus(ctx, order.ID, StatusChange{Status: model.OrderCompleted})
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))

	updated, err := f.svc.UpdateOrderStatus(ctx, order.ID, StatusChange{Status: model.OrderCancelled, Refund: true, Actor: "ops@jewelshop", Note: "customer request"})
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, updated.Status)
	assert.Equal(t, order.Total, updated.RefundedAmount)
	assert.Equal(t, model.OrderPaymentRefunded, updated.PaymentStatus)
	assert.Equal(t, int64(3), f.stock(t))
	require.Len(t, f.gw.refunds, 1)
	require.Len(t, updated.Events, 2)
	assert.Equal(t, "ops@jewelshop", updated.Events[1].Actor)
	assert.Equal(t, model.PaymentRefunded, f.attempt(t, res.Ref).Status)

	// webhook 重复上报同一笔退款不会重复累加
	_, applied, err := f.svc.ApplyRefund(ctx, *updated.GatewayPaymentID, f.gw.refunds[0].ID, order.Total, "processed")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 1, f.pub.count(queue.EventOrderRefunded))
}

func TestApplyRefundPartial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	storagetest.AddToCart(t, f.db, 1, f.ring.ID, 2)
	res, err := f.svc.CreatePaymentAttempt(ctx, 1, CreateRequest{})
	require.NoError(t, err)
	order, err := f.svc.VerifyPayment(ctx, 1, f.pay(res, res.Amount))
	require.NoError(t, err)

	o, applied, err := f.svc.ApplyRefund(ctx, *order.GatewayPaymentID, "rfnd_web_1", 500, "processed")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(500), o.RefundedAmount)
	assert.Equal(t, model.OrderPaymentPartiallyRefunded, o.PaymentStatus)

	_, _, err = f.svc.ApplyRefund(ctx, "pay_unknown", "rfnd_x", 1, "processed")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestSyncSettlementsFansOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var orders []*model.Order
	for _, uid := range []int64{1, 2} {
		storagetest.AddToCart(t, f.db, uid, f.ring.ID, 1)
		res, err := f.svc.CreatePaymentAttempt(ctx, uid, CreateRequest{})
		require.NoError(t, err)
		o, err := f.svc.VerifyPayment(ctx, uid, f.pay(res, res.Amount))
		require.NoError(t, err)
		orders = append(orders, o)
	}
	for _, o := range orders {
		f.gw.payments[*o.GatewayPaymentID].SettlementID = "setl_1"
	}
	f.gw.settlements["setl_1"] = &gateway.Settlement{ID: "setl_1", Amount: 2300, UTR: "UTR123", Raw: []byte(`{"id":"setl_1","utr":"UTR123"}`)}

	stats, err := f.svc.SyncSettlements(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, SettlementStats{Checked: 2, Linked: 2, Settlements: 1, Updated: 2}, stats)

	var got model.Order
	require.NoError(t, f.db.First(&got, orders[1].ID).Error)
	assert.Equal(t, "setl_1", got.SettlementID)
	assert.JSONEq(t, `{"id":"setl_1","utr":"UTR123"}`, string(got.SettlementSnapshot))
}

package router

import (
	"context"
	"net/http"
	"strconv"

	"jewel_shop/internal/apperr"
	"jewel_shop/internal/cart"
	"jewel_shop/internal/checkout"
	"jewel_shop/internal/config"
	"jewel_shop/internal/middleware"
	"jewel_shop/internal/model"
	"jewel_shop/internal/recovery"
	"jewel_shop/internal/webhook"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Carts 购物车读写。
type Carts interface {
	Get(ctx context.Context, userID int64) (*cart.Cart, error)
	SetQuantity(ctx context.Context, userID int64, productID, variantID uint, qty int) error
}

// Activity 购物车变动后通知召回引擎（去抖）。
type Activity interface {
	Track(userID int64, reason string)
}

// Checkout 结算与订单后台。
type Checkout interface {
	Summarize(ctx context.Context, userID int64, couponCode string, addr *model.Address) (*checkout.Summary, error)
	CreatePaymentAttempt(ctx context.Context, userID int64, req checkout.CreateRequest) (*checkout.AttemptResult, error)
	VerifyPayment(ctx context.Context, userID int64, req checkout.VerifyRequest) (*model.Order, error)
	RetryPayment(ctx context.Context, userID int64, ref string) (*checkout.AttemptResult, error)
	Order(ctx context.Context, id uint) (*model.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID uint, ch checkout.StatusChange) (*model.Order, error)
	SyncSettlements(ctx context.Context, limit int) (checkout.SettlementStats, error)
}

// Recovery 召回后台操作。
type Recovery interface {
	RunOnce(ctx context.Context, limit int) (recovery.Stats, error)
	Sweep(ctx context.Context) (recovery.SweepStats, error)
	UpdateCampaign(ctx context.Context, c model.Campaign) (model.Campaign, int, error)
}

// Journeys 旅程查询。
type Journeys interface {
	List(ctx context.Context, f recovery.ListFilter) (recovery.JourneyPage, error)
	Timeline(ctx context.Context, id uint) (*recovery.Timeline, error)
}

// Campaigns 活动配置读取。
type Campaigns interface {
	Get(ctx context.Context) (model.Campaign, error)
}

// Webhooks 网关回调。
type Webhooks interface {
	Handle(ctx context.Context, body []byte, signature, eventID string) (webhook.Result, error)
}

// Deps 路由依赖；Redis 为空时不启用限流。
type Deps struct {
	Carts     Carts
	Activity  Activity
	Checkout  Checkout
	Recovery  Recovery
	Journeys  Journeys
	Campaigns Campaigns
	Webhooks  Webhooks
	Redis     *rd.Client
	Config    config.AppConfig
	Log       zerolog.Logger
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	limit := func(scope string) gin.HandlerFunc {
		if d.Redis == nil {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RedisRateLimit(d.Redis, scope, d.Config.CheckoutRateLimit, d.Config.CheckoutRateWindow, d.Log)
	}

	api := r.Group("/api", middleware.UserID())
	api.GET("/cart", getCart(d))
	api.PUT("/cart/items", setCartItem(d))
	api.DELETE("/cart/items/:product_id", removeCartItem(d))
	api.POST("/checkout/summary", summary(d))
	api.POST("/checkout/orders", limit("checkout"), createAttempt(d))
	api.POST("/checkout/verify", limit("verify"), verify(d))
	api.POST("/checkout/attempts/:ref/retry", limit("checkout"), retry(d))

	// 网关回调自带签名，不走用户身份。
	r.POST("/api/webhooks/razorpay", razorpayWebhook(d))

	admin := r.Group("/api/admin", middleware.AdminToken(d.Config.AdminToken))
	admin.GET("/recovery/campaign", getCampaign(d))
	admin.PUT("/recovery/campaign", putCampaign(d))
	admin.POST("/recovery/run", runRecovery(d))
	admin.POST("/recovery/sweep", runSweep(d))
	admin.GET("/recovery/journeys", listJourneys(d))
	admin.GET("/recovery/journeys/:id", journeyTimeline(d))
	admin.GET("/orders/:id", getOrder(d))
	admin.PATCH("/orders/:id/status", updateOrderStatus(d))
	admin.POST("/settlements/sync", syncSettlements(d))
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": data})
}

// fail 统一错误响应：reason 供客户端区分「重试」与「重新结算」。
func fail(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError && apperr.CodeOf(err) == apperr.CodeInternal {
		msg = "internal error"
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{
		"code":      status,
		"msg":       msg,
		"reason":    apperr.ReasonOf(err),
		"retryable": apperr.Retryable(err),
	})
}

func badRequest(c *gin.Context, err error) {
	fail(c, apperr.Wrap(apperr.CodeValidation, err, "invalid request"))
}

func queryInt(c *gin.Context, key string, fallback int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func getCart(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ct, err := d.Carts.Get(c.Request.Context(), middleware.CurrentUser(c))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"lines": ct.Lines, "subtotal": ct.Subtotal(), "item_count": ct.ItemCount(), "currency": ct.Currency})
	}
}

// setCartItem 新增或修改数量（quantity=0 删除），随后触发活动跟踪。
func setCartItem(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ProductID uint `json:"product_id" binding:"required,min=1"`
			VariantID uint `json:"variant_id"`
			Quantity  int  `json:"quantity" binding:"min=0,max=20"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		uid := middleware.CurrentUser(c)
		if err := d.Carts.SetQuantity(c.Request.Context(), uid, req.ProductID, req.VariantID, req.Quantity); err != nil {
			fail(c, err)
			return
		}
		d.Activity.Track(uid, "cart_updated")
		ok(c, gin.H{"product_id": req.ProductID, "variant_id": req.VariantID, "quantity": req.Quantity})
	}
}

func removeCartItem(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		pid, err := strconv.ParseUint(c.Param("product_id"), 10, 64)
		if err != nil || pid == 0 {
			fail(c, apperr.New(apperr.CodeValidation, "", "invalid product id"))
			return
		}
		vid, _ := strconv.ParseUint(c.Query("variant_id"), 10, 64)
		uid := middleware.CurrentUser(c)
		if err := d.Carts.SetQuantity(c.Request.Context(), uid, uint(pid), uint(vid), 0); err != nil {
			fail(c, err)
			return
		}
		d.Activity.Track(uid, "cart_item_removed")
		ok(c, nil)
	}
}

func summary(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			CouponCode      string         `json:"coupon_code"`
			ShippingAddress *model.Address `json:"shipping_address"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		sum, err := d.Checkout.Summarize(c.Request.Context(), middleware.CurrentUser(c), req.CouponCode, req.ShippingAddress)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, sum)
	}
}

// createAttempt 创建支付尝试并预留库存，返回前端拉起支付所需参数。
func createAttempt(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req checkout.CreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		res, err := d.Checkout.CreatePaymentAttempt(c.Request.Context(), middleware.CurrentUser(c), req)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, res)
	}
}

func verify(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req checkout.VerifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		o, err := d.Checkout.VerifyPayment(c.Request.Context(), middleware.CurrentUser(c), req)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, o)
	}
}

func retry(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := d.Checkout.RetryPayment(c.Request.Context(), middleware.CurrentUser(c), c.Param("ref"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, res)
	}
}

// razorpayWebhook 必须读取原始报文做签名校验；返回非 2xx 网关会重投。
func razorpayWebhook(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			badRequest(c, err)
			return
		}
		res, err := d.Webhooks.Handle(c.Request.Context(), body,
			c.GetHeader("X-Razorpay-Signature"), c.GetHeader("X-Razorpay-Event-Id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, res)
	}
}

func getCampaign(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		camp, err := d.Campaigns.Get(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, camp)
	}
}

func putCampaign(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var camp model.Campaign
		if err := c.ShouldBindJSON(&camp); err != nil {
			badRequest(c, err)
			return
		}
		saved, n, err := d.Recovery.UpdateCampaign(c.Request.Context(), camp)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"campaign": saved, "rescheduled": n})
	}
}

func runRecovery(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := d.Recovery.RunOnce(c.Request.Context(), queryInt(c, "limit", d.Config.RecoveryBatch))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, st)
	}
}

func runSweep(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := d.Recovery.Sweep(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, st)
	}
}

func listJourneys(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var f recovery.ListFilter
		if err := c.ShouldBindQuery(&f); err != nil {
			badRequest(c, err)
			return
		}
		page, err := d.Journeys.List(c.Request.Context(), f)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, page)
	}
}

func journeyTimeline(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil || id == 0 {
			fail(c, apperr.New(apperr.CodeValidation, "", "invalid journey id"))
			return
		}
		tl, err := d.Journeys.Timeline(c.Request.Context(), uint(id))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, tl)
	}
}

func getOrder(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := checkout.ParseOrderID(c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		o, err := d.Checkout.Order(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, o)
	}
}

func updateOrderStatus(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := checkout.ParseOrderID(c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		var ch checkout.StatusChange
		if err := c.ShouldBindJSON(&ch); err != nil {
			badRequest(c, err)
			return
		}
		ch.Actor = middleware.AdminActor(c)
		o, err := d.Checkout.UpdateOrderStatus(c.Request.Context(), id, ch)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, o)
	}
}

func syncSettlements(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := d.Checkout.SyncSettlements(c.Request.Context(), queryInt(c, "limit", 100))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, st)
	}
}

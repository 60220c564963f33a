// Package checkout 结算与订单引擎：价格汇总、支付尝试与库存预留、支付校验、建单、后台状态与退款。
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jewel_shop/internal/apperr"
	"jewel_shop/internal/cart"
	"jewel_shop/internal/discount"
	"jewel_shop/internal/gateway"
	"jewel_shop/internal/metrics"
	"jewel_shop/internal/model"
	"jewel_shop/internal/queue"
	"jewel_shop/internal/shipping"
	"jewel_shop/internal/users"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// minGatewayAmount 网关单笔最低 1 卢比。
const minGatewayAmount = 100

// Carts 引擎需要的购物车能力。
type Carts interface {
	Get(ctx context.Context, userID int64) (*cart.Cart, error)
	Load(ctx context.Context, tx *gorm.DB, userID int64, forUpdate bool) (*cart.Cart, error)
	Clear(ctx context.Context, tx *gorm.DB, userID int64) error
	RemoveLines(ctx context.Context, tx *gorm.DB, userID int64, items []model.SnapshotItem) error
}

// JourneyCloser 建单成功后关闭召回旅程。
type JourneyCloser interface {
	MarkRecovered(ctx context.Context, tx *gorm.DB, userID int64, orderID uint, reason string, now time.Time) (*model.Journey, error)
	MarkAttemptPaid(ctx context.Context, tx *gorm.DB, paymentLinkID string, paidAt time.Time) (*model.Attempt, error)
}

// Publisher 订单事件出口（Redis Stream outbox）。
type Publisher interface {
	Publish(ctx context.Context, evt queue.OrderEvent) error
}

// Options 结算参数。
type Options struct {
	Currency      string
	KeyID         string
	KeySecret     string
	AttemptTTL    time.Duration
	VerifyLockTTL time.Duration
	// NodeID 雪花算法节点号，多实例部署时必须互不相同。
	NodeID int64
}

// Deps 外部协作者。
type Deps struct {
	DB        *gorm.DB
	Carts     Carts
	Users     users.Directory
	Shipping  shipping.Resolver
	Discounts *discount.Resolver
	Gateway   gateway.Client
	Journeys  JourneyCloser
	Publisher Publisher
	Metrics   *metrics.Recorder
	Log       zerolog.Logger
}

// Service 结算引擎。
type Service struct {
	db        *gorm.DB
	carts     Carts
	users     users.Directory
	shipping  shipping.Resolver
	discounts *discount.Resolver
	gateway   gateway.Client
	journeys  JourneyCloser
	publisher Publisher
	metrics   *metrics.Recorder
	node      *snowflake.Node
	opts      Options
	log       zerolog.Logger
	now       func() time.Time
}

func NewService(d Deps, opts Options) (*Service, error) {
	node, err := snowflake.NewNode(opts.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node: %w", err)
	}
	if opts.AttemptTTL <= 0 {
		opts.AttemptTTL = 30 * time.Minute
	}
	if opts.VerifyLockTTL <= 0 {
		opts.VerifyLockTTL = 30 * time.Second
	}
	if d.Discounts == nil {
		d.Discounts = discount.NewResolver()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Nop()
	}
	return &Service{
		db:        d.DB,
		carts:     d.Carts,
		users:     d.Users,
		shipping:  d.Shipping,
		discounts: d.Discounts,
		gateway:   d.Gateway,
		journeys:  d.Journeys,
		publisher: d.Publisher,
		metrics:   d.Metrics,
		node:      node,
		opts:      opts,
		log:       d.Log.With().Str("component", "checkout").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Summary 服务端计算的结算金额，客户端传入的金额一律不信任。
type Summary struct {
	UserID          int64                `json:"user_id"`
	Currency        string               `json:"currency"`
	Lines           []cart.Line          `json:"lines"`
	ItemCount       int                  `json:"item_count"`
	WeightGrams     int                  `json:"weight_grams"`
	Subtotal        int64                `json:"subtotal"`
	ShippingFee     int64                `json:"shipping_fee"`
	Discount        *discount.Redeemable `json:"discount,omitempty"`
	DiscountAmount  int64                `json:"discount_amount"`
	Total           int64                `json:"total"`
	Fingerprint     string               `json:"fingerprint"`
	ShippingAddress model.Address        `json:"shipping_address"`
}

// Summarize 购物车 + 运费 + 折扣的完整汇总；addr 为空时使用用户默认地址。
func (s *Service) Summarize(ctx context.Context, userID int64, couponCode string, addr *model.Address) (*Summary, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	c, err := s.carts.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	shipTo := user.Address
	if addr != nil {
		shipTo = *addr
	}
	return s.price(ctx, user, c, couponCode, shipTo)
}

// price 不在事务内调用：运费解析器使用自己的连接。
func (s *Service) price(ctx context.Context, user *model.User, c *cart.Cart, couponCode string, shipTo model.Address) (*Summary, error) {
	if c.Empty() {
		return nil, apperr.ErrCartEmpty
	}
	for _, l := range c.Lines {
		if !l.Active {
			return nil, apperr.Newf(apperr.CodeConflict, apperr.ReasonProductUnavailable, "%s is no longer available", l.Name)
		}
	}
	sum := &Summary{
		UserID:          user.ID,
		Currency:        s.currency(c),
		Lines:           c.Lines,
		ItemCount:       c.ItemCount(),
		WeightGrams:     c.WeightGrams(),
		Subtotal:        c.Subtotal(),
		Fingerprint:     c.Fingerprint(),
		ShippingAddress: shipTo,
	}
	fee, err := s.shipping.ComputeShippingFee(ctx, shipTo, sum.Subtotal, sum.WeightGrams)
	if err != nil {
		return nil, fmt.Errorf("shipping fee: %w", err)
	}
	sum.ShippingFee = fee

	red, err := s.discounts.Resolve(ctx, s.db, couponCode, user, c)
	if err != nil {
		return nil, err
	}
	if red != nil {
		sum.Discount = red
		sum.DiscountAmount = red.Amount
	}
	sum.Total = sum.Subtotal + sum.ShippingFee - sum.DiscountAmount
	return sum, nil
}

func (s *Service) currency(c *cart.Cart) string {
	if c != nil && c.Currency != "" {
		return c.Currency
	}
	return s.opts.Currency
}

// Order 查询订单（含明细与状态日志）。
func (s *Service) Order(ctx context.Context, id uint) (*model.Order, error) {
	return s.loadOrder(ctx, s.db, id)
}

func (s *Service) loadOrder(ctx context.Context, tx *gorm.DB, id uint) (*model.Order, error) {
	var o model.Order
	err := tx.WithContext(ctx).Preload("Items").Preload("Events", func(db *gorm.DB) *gorm.DB {
		return db.Order("id")
	}).First(&o, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Newf(apperr.CodeNotFound, "", "order %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// publish 在事务提交后调用，失败只记日志：订单已落库，事件可由运维补发。
func (s *Service) publish(ctx context.Context, evt queue.OrderEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.log.Warn().Err(err).Str("type", evt.Type).Str("order_no", evt.OrderNo).Msg("publish order event failed")
	}
}

func orderEvent(typ string, o *model.Order, origin string, at time.Time) queue.OrderEvent {
	evt := queue.OrderEvent{
		Type:       typ,
		OrderID:    o.ID,
		OrderNo:    o.OrderNo,
		UserID:     o.UserID,
		Status:     string(o.Status),
		Total:      o.Total,
		Currency:   o.Currency,
		Origin:     origin,
		OccurredAt: at,
	}
	if o.JourneyID != nil {
		evt.JourneyID = *o.JourneyID
	}
	return evt
}

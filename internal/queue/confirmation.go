package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jewel_shop/internal/model"
	"jewel_shop/internal/notify"
	"jewel_shop/internal/users"
	rediskey "jewel_shop/pkg/redis"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

const confirmationKind = "order_confirmation"

// Notifier 通知分发。
type Notifier interface {
	Dispatch(ctx context.Context, msg notify.Message, enabled map[string]bool) []model.ChannelResult
}

// Confirmations 消费 order.created，给顾客发送下单确认，每个订单只发一次。
type Confirmations struct {
	db       *gorm.DB
	rdb      *rd.Client
	users    users.Directory
	notifier Notifier
	ttl      time.Duration
	log      zerolog.Logger
}

func NewConfirmations(db *gorm.DB, rdb *rd.Client, dir users.Directory, n Notifier, log zerolog.Logger) *Confirmations {
	return &Confirmations{
		db:       db,
		rdb:      rdb,
		users:    dir,
		notifier: n,
		ttl:      30 * 24 * time.Hour,
		log:      log.With().Str("component", "confirmations").Logger(),
	}
}

// Handle 满足 HandlerFunc。
func (c *Confirmations) Handle(ctx context.Context, evt OrderEvent) error {
	if evt.Type != EventOrderCreated {
		return nil
	}
	key := rediskey.NotifiedKey(confirmationKind, evt.OrderNo)
	first, err := rediskey.MarkOnce(ctx, c.rdb, key, c.ttl)
	if err != nil {
		return fmt.Errorf("mark confirmation: %w", err)
	}
	if !first {
		c.log.Debug().Str("order_no", evt.OrderNo).Msg("confirmation already sent")
		return nil
	}

	status, err := c.send(ctx, evt)
	if err != nil || status == model.AttemptFailed {
		if ferr := rediskey.Forget(context.WithoutCancel(ctx), c.rdb, key); ferr != nil {
			c.log.Warn().Err(ferr).Str("order_no", evt.OrderNo).Msg("release confirmation mark")
		}
		if err == nil {
			err = errors.New("all notification channels failed")
		}
		return err
	}
	c.log.Info().Str("order_no", evt.OrderNo).Str("outcome", string(status)).Msg("order confirmation dispatched")
	return nil
}

func (c *Confirmations) send(ctx context.Context, evt OrderEvent) (model.AttemptStatus, error) {
	var o model.Order
	if err := c.db.WithContext(ctx).Preload("Items").First(&o, evt.OrderID).Error; err != nil {
		return "", fmt.Errorf("load order %s: %w", evt.OrderNo, err)
	}
	u, err := c.users.FindByID(ctx, o.UserID)
	if err != nil {
		return "", err
	}
	msg, err := notify.RenderOrderConfirmation(notify.OrderData{
		Name:           u.Name,
		OrderNo:        o.OrderNo,
		Items:          o.Items,
		Currency:       o.Currency,
		Subtotal:       o.Subtotal,
		ShippingFee:    o.ShippingFee,
		DiscountAmount: o.DiscountAmount,
		Total:          o.Total,
	})
	if err != nil {
		return "", err
	}
	msg.Email, msg.Mobile = u.Email, u.Mobile
	return notify.Outcome(c.notifier.Dispatch(ctx, msg, nil)), nil
}

// Package recovery 弃购召回：活动追踪、维护清扫、阶梯触达调度与旅程时间线。
package recovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"jewel_shop/internal/campaign"
	"jewel_shop/internal/cart"
	"jewel_shop/internal/gateway"
	"jewel_shop/internal/metrics"
	"jewel_shop/internal/model"
	"jewel_shop/internal/notify"
	"jewel_shop/internal/shipping"
	"jewel_shop/internal/storage"
	"jewel_shop/internal/users"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// CartLoader 在指定连接上读取购物车。
type CartLoader interface {
	Load(ctx context.Context, tx *gorm.DB, userID int64, forUpdate bool) (*cart.Cart, error)
}

// Notifier 通知分发。
type Notifier interface {
	Dispatch(ctx context.Context, msg notify.Message, enabled map[string]bool) []model.ChannelResult
}

// Locker 集群级租约，保证同一时刻只有一个实例在跑召回。
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// AttemptExpirer 清扫时顺带过期超时的支付尝试（释放库存预留）。
type AttemptExpirer interface {
	ExpireStaleAttempts(ctx context.Context, limit int) (int, error)
}

// Options 调度相关参数。
type Options struct {
	CheckoutBaseURL string
	MinLinkLifetime time.Duration
	LeaseTTL        time.Duration
}

// Deps 外部协作者。
type Deps struct {
	DB        *gorm.DB
	Campaigns *campaign.Store
	Carts     CartLoader
	Users     users.Directory
	Shipping  shipping.Resolver
	Gateway   gateway.Client
	Notifier  Notifier
	Locker    Locker
	Expirer   AttemptExpirer
	Metrics   *metrics.Recorder
	Log       zerolog.Logger
}

// Service 召回引擎。
type Service struct {
	db        *gorm.DB
	store     *Store
	campaigns *campaign.Store
	carts     CartLoader
	users     users.Directory
	shipping  shipping.Resolver
	gateway   gateway.Client
	notifier  Notifier
	locker    Locker
	expirer   AttemptExpirer
	metrics   *metrics.Recorder
	opts      Options
	log       zerolog.Logger
	now       func() time.Time

	// 本地互斥：同一进程内召回批次不重叠
	runMu   sync.Mutex
	sweepMu sync.Mutex
}

func NewService(d Deps, opts Options) *Service {
	if opts.MinLinkLifetime <= 0 {
		opts.MinLinkLifetime = 20 * time.Minute
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 5 * time.Minute
	}
	return &Service{
		db:        d.DB,
		store:     NewStore(d.DB),
		campaigns: d.Campaigns,
		carts:     d.Carts,
		users:     d.Users,
		shipping:  d.Shipping,
		gateway:   d.Gateway,
		notifier:  d.Notifier,
		locker:    d.Locker,
		expirer:   d.Expirer,
		metrics:   d.Metrics,
		opts:      opts,
		log:       d.Log.With().Str("component", "recovery").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Store 暴露给订单事务与 webhook 使用。
func (s *Service) Store() *Store { return s.store }

// Evaluate 活动追踪的实际评估逻辑（防抖之后执行）。
func (s *Service) Evaluate(ctx context.Context, userID int64, at time.Time) error {
	camp, err := s.campaigns.Get(ctx)
	if err != nil {
		return err
	}
	return storage.InTx(ctx, s.db, func(tx *gorm.DB) error {
		c, err := s.carts.Load(ctx, tx, userID, false)
		if err != nil {
			return err
		}
		active, err := s.store.ActiveJourney(ctx, tx, userID)
		if err != nil {
			return err
		}

		if c.Empty() {
			if err := s.store.DeleteCandidate(ctx, tx, userID); err != nil {
				return err
			}
			if active == nil {
				return nil
			}
			// 清空购物车可能是因为刚付款成功，先查订单
			_, err := s.closeEmptied(ctx, tx, active)
			return err
		}
		if !camp.Enabled {
			return nil
		}
		if active != nil {
			if err := s.store.ResetLadder(ctx, tx, active, c, camp, at); err != nil {
				return err
			}
			s.log.Debug().Uint("journey_id", active.ID).Int64("user_id", userID).Msg("ladder reset on cart activity")
			return nil
		}
		return s.store.UpsertCandidate(ctx, tx, c, at)
	})
}

// closeEmptied 购物车已空：有已付订单则 recovered，否则 cancelled。返回实际转入的状态。
func (s *Service) closeEmptied(ctx context.Context, tx *gorm.DB, j *model.Journey) (model.JourneyStatus, error) {
	now := s.now()
	order, err := s.store.PaidOrderSince(ctx, tx, j.UserID, j.CreatedAt)
	if err != nil {
		return "", err
	}
	status, reason := model.JourneyCancelled, ReasonCartEmptied
	var orderID *uint
	if order != nil {
		id := order.ID
		status, reason, orderID = model.JourneyRecovered, ReasonPaidOrder, &id
	}
	ok, err := s.store.Close(ctx, tx, j.ID, status, reason, orderID, now)
	if err != nil || !ok {
		return "", err
	}
	s.metrics.Journey(ctx, string(status))
	s.log.Info().Uint("journey_id", j.ID).Int64("user_id", j.UserID).Str("status", string(status)).Msg("journey closed on empty cart")
	return status, nil
}

// UpdateCampaign 校验并保存活动配置，重新排期所有 active 旅程。返回被重排的数量。
func (s *Service) UpdateCampaign(ctx context.Context, c model.Campaign) (model.Campaign, int, error) {
	if err := campaign.Validate(c); err != nil {
		return model.Campaign{}, 0, err
	}
	c.ID = model.CampaignID
	rescheduled := 0
	err := storage.InTx(ctx, s.db, func(tx *gorm.DB) error {
		if err := s.campaigns.SaveTx(ctx, tx, c); err != nil {
			return err
		}
		var active []model.Journey
		if err := tx.WithContext(ctx).Where("status = ?", model.JourneyActive).Find(&active).Error; err != nil {
			return err
		}
		now := s.now()
		for i := range active {
			j := &active[i]
			if j.LastAttemptNo >= c.MaxAttempts {
				if _, err := s.store.Close(ctx, tx, j.ID, model.JourneyExpired, ReasonCampaignShrunk, nil, now); err != nil {
					return err
				}
				rescheduled++
				continue
			}
			err := s.store.Reschedule(ctx, tx, j, c)
			if errors.Is(err, errStale) {
				s.log.Debug().Uint("journey_id", j.ID).Msg("journey moved on during reschedule, skipped")
				continue
			}
			if err != nil {
				return err
			}
			rescheduled++
		}
		return nil
	})
	if err != nil {
		return model.Campaign{}, 0, err
	}
	s.log.Info().Bool("enabled", c.Enabled).Int("max_attempts", c.MaxAttempts).Int("rescheduled", rescheduled).Msg("campaign updated")
	return c, rescheduled, nil
}

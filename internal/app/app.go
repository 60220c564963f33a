// Package app 组装全部组件，server 与 recoveryctl 共用。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"jewel_shop/internal/campaign"
	"jewel_shop/internal/cart"
	"jewel_shop/internal/checkout"
	"jewel_shop/internal/config"
	"jewel_shop/internal/discount"
	"jewel_shop/internal/gateway"
	"jewel_shop/internal/metrics"
	"jewel_shop/internal/middleware"
	"jewel_shop/internal/notify"
	"jewel_shop/internal/queue"
	"jewel_shop/internal/recovery"
	"jewel_shop/internal/router"
	"jewel_shop/internal/shipping"
	"jewel_shop/internal/storage"
	"jewel_shop/internal/users"
	"jewel_shop/internal/webhook"
	rediskey "jewel_shop/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// App 进程内的全部长生命周期对象。
type App struct {
	Config config.AppConfig
	Log    zerolog.Logger

	DB        *gorm.DB
	Redis     *rd.Client
	Metrics   *metrics.Recorder
	Gateway   *gateway.Razorpay
	Notifier  *notify.Dispatcher
	Carts     *cart.Store
	Users     *users.Store
	Campaigns *campaign.Store
	Recovery  *recovery.Service
	Checkout  *checkout.Service
	Webhooks  *webhook.Handler
	Tracker   *recovery.Tracker
	Events    *queue.StreamPublisher

	closers []func(context.Context) error
}

// NewLogger format=console 时输出人类可读格式，否则 JSON。
func NewLogger(level, format string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "jewel_shop").Logger()
}

// New 打开存储、连接 Redis、初始化通知渠道并装配业务服务。
func New(ctx context.Context, cfg config.AppConfig, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close(context.Background())
		}
	}()

	db, err := storage.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	a.DB = db
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, func(context.Context) error { return sqlDB.Close() })
	}

	a.Redis = rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	a.closers = append(a.closers, func(context.Context) error { return a.Redis.Close() })
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := a.Redis.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}

	rec, shutdown, err := metrics.Setup(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return nil, err
	}
	a.Metrics = rec
	a.closers = append(a.closers, shutdown)

	a.Gateway = gateway.NewRazorpay(cfg.RazorpayBaseURL, cfg.RazorpayKeyID, cfg.RazorpayKeySecret, cfg.GatewayRPS, log)

	var channels []notify.Channel
	if cfg.SMTPHost != "" {
		channels = append(channels, notify.NewEmail(notify.EmailConfig{
			Host: cfg.SMTPHost, Port: cfg.SMTPPort, Username: cfg.SMTPUser, Password: cfg.SMTPPassword, From: cfg.MailFrom,
		}))
	} else {
		log.Warn().Msg("SMTP_HOST not set, email channel disabled")
	}
	if cfg.WhatsAppDBDSN != "" {
		wa, err := notify.NewWhatsApp(ctx, cfg.WhatsAppDBDSN)
		if err != nil {
			return nil, err
		}
		channels = append(channels, wa)
		a.closers = append(a.closers, func(context.Context) error { wa.Close(); return nil })
	}
	a.Notifier = notify.NewDispatcher(log, channels...)

	a.Carts = cart.NewStore(db, cfg.Currency)
	a.Users = users.NewStore(db)
	a.Campaigns = campaign.NewStore(db)
	a.Events = queue.NewStreamPublisher(a.Redis, cfg.OrderEventStream, 0)
	zones := shipping.NewZoneResolver(db)

	a.Checkout, err = checkout.NewService(checkout.Deps{
		DB:        db,
		Carts:     a.Carts,
		Users:     a.Users,
		Shipping:  zones,
		Discounts: discount.NewResolver(),
		Gateway:   a.Gateway,
		Journeys:  recovery.NewStore(db),
		Publisher: a.Events,
		Metrics:   rec,
		Log:       log,
	}, checkout.Options{
		Currency:      cfg.Currency,
		KeyID:         cfg.RazorpayKeyID,
		KeySecret:     cfg.RazorpayKeySecret,
		AttemptTTL:    cfg.PaymentAttemptTTL,
		VerifyLockTTL: cfg.VerifyLockTTL,
		NodeID:        int64(cfg.NodeID),
	})
	if err != nil {
		return nil, err
	}

	a.Recovery = recovery.NewService(recovery.Deps{
		DB:        db,
		Campaigns: a.Campaigns,
		Carts:     a.Carts,
		Users:     a.Users,
		Shipping:  zones,
		Gateway:   a.Gateway,
		Notifier:  a.Notifier,
		Locker:    rediskey.NewLease(a.Redis),
		Expirer:   a.Checkout,
		Metrics:   rec,
		Log:       log,
	}, recovery.Options{
		CheckoutBaseURL: cfg.CheckoutBaseURL,
		MinLinkLifetime: cfg.MinLinkLifetime,
		LeaseTTL:        cfg.SchedulerLeaseTTL,
	})
	a.Tracker = recovery.NewTracker(a.Recovery, cfg.TrackerDebounce, log)
	a.closers = append(a.closers, func(context.Context) error { a.Tracker.Close(); return nil })
	a.Webhooks = webhook.NewHandler(db, cfg.RazorpayWebhookSecret, a.Checkout, rec, log)

	ok = true
	return a, nil
}

// Migrate 建表并按需用 YAML 初始化活动配置。
func (a *App) Migrate(ctx context.Context) error {
	if err := storage.Migrate(a.DB); err != nil {
		return err
	}
	seeded, err := a.Campaigns.Seed(ctx, a.Config.CampaignSeed)
	if err != nil {
		return fmt.Errorf("seed campaign: %w", err)
	}
	if seeded {
		a.Log.Info().Str("path", a.Config.CampaignSeed).Msg("campaign seeded")
	}
	return nil
}

// Router gin 引擎：panic 恢复、请求日志与全部路由。
func (a *App) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLog(a.Log.With().Str("component", "http").Logger()))
	router.Setup(r, router.Deps{
		Carts:     a.Carts,
		Activity:  a.Tracker,
		Checkout:  a.Checkout,
		Recovery:  a.Recovery,
		Journeys:  a.Recovery.Store(),
		Campaigns: a.Campaigns,
		Webhooks:  a.Webhooks,
		Redis:     a.Redis,
		Config:    a.Config,
		Log:       a.Log,
	})
	return r
}

// Relay Redis Stream → Kafka 转发器，返回的 closer 关闭 Kafka writer。
func (a *App) Relay() (*queue.Relay, func() error) {
	p := queue.NewProducer(a.Config.KafkaBrokers, a.Config.KafkaTopic)
	r := queue.NewRelay(a.Redis, p, a.Config.OrderEventStream, a.Config.OrderEventGroup, a.Config.OrderEventConsumer, a.Log)
	return r, p.Close
}

// Consumer Kafka 订单事件消费者：发送下单确认。
func (a *App) Consumer() *queue.Consumer {
	conf := queue.NewConfirmations(a.DB, a.Redis, a.Users, a.Notifier, a.Log)
	return queue.NewConsumer(a.Config.KafkaBrokers, a.Config.KafkaTopic, a.Config.KafkaGroupID, conf.Handle, a.Log)
}

// Close 逆序释放资源。
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

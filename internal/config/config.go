package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	// DBDriver: sqlite（开发/测试）或 postgres（生产，真正的行锁）
	DBDriver string
	DBDSN    string

	RedisAddr string
	RedisDB   int

	// Kafka 集群地址（逗号分隔）、Topic、消费者组
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// Redis Stream outbox（事务提交后入流，Relay 异步转 Kafka）
	OrderEventStream   string
	OrderEventGroup    string
	OrderEventConsumer string

	// 结算接口限流
	CheckoutRateLimit  int
	CheckoutRateWindow time.Duration

	AdminToken string
	Currency   string
	// NodeID 雪花订单号的节点号，多实例必须互不相同
	NodeID int

	// Razorpay
	RazorpayBaseURL       string
	RazorpayKeyID         string
	RazorpayKeySecret     string
	RazorpayWebhookSecret string
	GatewayRPS            float64

	// 邮件与 WhatsApp 渠道
	SMTPHost      string
	SMTPPort      int
	SMTPUser      string
	SMTPPassword  string
	MailFrom      string
	WhatsAppDBDSN string

	// 召回与结算时序
	CheckoutBaseURL   string
	RecoveryInterval  time.Duration
	SweepInterval     time.Duration
	RecoveryBatch     int
	TrackerDebounce   time.Duration
	VerifyLockTTL     time.Duration
	PaymentAttemptTTL time.Duration
	MinLinkLifetime   time.Duration
	SchedulerLeaseTTL time.Duration

	// CampaignSeed 首次启动时用于初始化单例配置的 YAML 文件（可选）
	CampaignSeed string

	OTLPEndpoint string
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddr:              getEnv("HTTP_ADDR", ":8080"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "json"),
		DBDriver:              getEnv("DB_DRIVER", "sqlite"),
		DBDSN:                 getEnv("DB_DSN", "jewel_shop.db"),
		RedisAddr:             getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:               0,
		KafkaBrokers:          splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:            getEnv("KAFKA_TOPIC", "jewel-shop-order-events"),
		KafkaGroupID:          getEnv("KAFKA_GROUP_ID", "jewel-shop-order-consumer"),
		OrderEventStream:      getEnv("ORDER_EVENT_STREAM", "jewel_shop:order_events"),
		OrderEventGroup:       getEnv("ORDER_EVENT_GROUP", "jewel-shop-relay-group"),
		OrderEventConsumer:    getEnv("ORDER_EVENT_CONSUMER", "jewel-shop-relay-1"),
		CheckoutRateLimit:     20,
		CheckoutRateWindow:    time.Second,
		AdminToken:            getEnv("ADMIN_TOKEN", "dev-admin-token"),
		Currency:              getEnv("CURRENCY", "INR"),
		NodeID:                1,
		RazorpayBaseURL:       getEnv("RAZORPAY_BASE_URL", "https://api.razorpay.com/v1"),
		RazorpayKeyID:         os.Getenv("RAZORPAY_KEY_ID"),
		RazorpayKeySecret:     os.Getenv("RAZORPAY_KEY_SECRET"),
		RazorpayWebhookSecret: os.Getenv("RAZORPAY_WEBHOOK_SECRET"),
		GatewayRPS:            10,
		SMTPHost:              os.Getenv("SMTP_HOST"),
		SMTPPort:              587,
		SMTPUser:              os.Getenv("SMTP_USER"),
		SMTPPassword:          os.Getenv("SMTP_PASSWORD"),
		MailFrom:              getEnv("MAIL_FROM", "care@jewelshop.example"),
		WhatsAppDBDSN:         os.Getenv("WHATSAPP_DB_DSN"),
		CheckoutBaseURL:       getEnv("CHECKOUT_BASE_URL", "https://jewelshop.example/checkout"),
		RecoveryInterval:      time.Minute,
		SweepInterval:         time.Minute,
		RecoveryBatch:         50,
		TrackerDebounce:       3 * time.Second,
		VerifyLockTTL:         30 * time.Second,
		PaymentAttemptTTL:     30 * time.Minute,
		MinLinkLifetime:       20 * time.Minute,
		SchedulerLeaseTTL:     5 * time.Minute,
		CampaignSeed:          os.Getenv("CAMPAIGN_SEED"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", cfg.RedisDB); err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	if cfg.NodeID, err = getEnvInt("NODE_ID", cfg.NodeID); err != nil {
		return AppConfig{}, fmt.Errorf("invalid NODE_ID: %w", err)
	}
	if cfg.NodeID < 0 || cfg.NodeID > 1023 {
		return AppConfig{}, fmt.Errorf("NODE_ID must be within [0, 1023]")
	}
	if cfg.SMTPPort, err = getEnvInt("SMTP_PORT", cfg.SMTPPort); err != nil {
		return AppConfig{}, fmt.Errorf("invalid SMTP_PORT: %w", err)
	}
	if cfg.RecoveryBatch, err = getEnvInt("RECOVERY_BATCH", cfg.RecoveryBatch); err != nil {
		return AppConfig{}, fmt.Errorf("invalid RECOVERY_BATCH: %w", err)
	}
	if cfg.RecoveryBatch <= 0 {
		return AppConfig{}, fmt.Errorf("RECOVERY_BATCH must be > 0")
	}

	rateLimit, err := getEnvInt("CHECKOUT_RATE_LIMIT", cfg.CheckoutRateLimit)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid CHECKOUT_RATE_LIMIT: %w", err)
	}
	if rateLimit <= 0 {
		return AppConfig{}, fmt.Errorf("CHECKOUT_RATE_LIMIT must be > 0")
	}
	cfg.CheckoutRateLimit = rateLimit

	rps, err := getEnvFloat("GATEWAY_RPS", cfg.GatewayRPS)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid GATEWAY_RPS: %w", err)
	}
	if rps <= 0 {
		return AppConfig{}, fmt.Errorf("GATEWAY_RPS must be > 0")
	}
	cfg.GatewayRPS = rps

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"CHECKOUT_RATE_WINDOW", &cfg.CheckoutRateWindow},
		{"RECOVERY_INTERVAL", &cfg.RecoveryInterval},
		{"SWEEP_INTERVAL", &cfg.SweepInterval},
		{"TRACKER_DEBOUNCE", &cfg.TrackerDebounce},
		{"VERIFY_LOCK_TTL", &cfg.VerifyLockTTL},
		{"PAYMENT_ATTEMPT_TTL", &cfg.PaymentAttemptTTL},
		{"MIN_LINK_LIFETIME", &cfg.MinLinkLifetime},
		{"SCHEDULER_LEASE_TTL", &cfg.SchedulerLeaseTTL},
	}
	for _, d := range durations {
		v, err := getEnvDuration(d.key, *d.dst)
		if err != nil {
			return AppConfig{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		if v <= 0 {
			return AppConfig{}, fmt.Errorf("%s must be > 0", d.key)
		}
		*d.dst = v
	}

	switch cfg.DBDriver {
	case "sqlite", "postgres":
	default:
		return AppConfig{}, fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", cfg.DBDriver)
	}
	if len(cfg.KafkaBrokers) == 0 {
		return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if cfg.KafkaTopic == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_TOPIC must not be empty")
	}
	if cfg.OrderEventStream == "" || cfg.OrderEventGroup == "" || cfg.OrderEventConsumer == "" {
		return AppConfig{}, fmt.Errorf("ORDER_EVENT_STREAM/GROUP/CONSUMER must not be empty")
	}
	if len(cfg.Currency) != 3 {
		return AppConfig{}, fmt.Errorf("CURRENCY must be an ISO 4217 code")
	}
	// Razorpay 要求支付链接至少 15 分钟后过期。
	if cfg.MinLinkLifetime < 15*time.Minute {
		return AppConfig{}, fmt.Errorf("MIN_LINK_LIFETIME must be >= 15m")
	}

	return cfg, nil
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(v, 64)
}

// getEnvDuration 接受 Go duration 格式（如 90s、5m）。
func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

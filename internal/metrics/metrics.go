// Package metrics 召回、结算与 webhook 的 OpenTelemetry 计数器。
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "jewel_shop"

// Recorder 业务计数器集合，nil 安全。
type Recorder struct {
	attempts  metric.Int64Counter
	journeys  metric.Int64Counter
	orders    metric.Int64Counter
	webhooks  metric.Int64Counter
	verifyDur metric.Float64Histogram
}

// New 在给定 meter 上注册计数器。
func New(meter metric.Meter) (*Recorder, error) {
	r := &Recorder{}
	var err error
	if r.attempts, err = meter.Int64Counter("recovery.attempts.total",
		metric.WithDescription("Recovery attempts recorded, by status"),
		metric.WithUnit("{attempt}")); err != nil {
		return nil, err
	}
	if r.journeys, err = meter.Int64Counter("recovery.journeys.transitions",
		metric.WithDescription("Journey lifecycle transitions, by target status"),
		metric.WithUnit("{journey}")); err != nil {
		return nil, err
	}
	if r.orders, err = meter.Int64Counter("checkout.orders.created",
		metric.WithDescription("Orders created, by origin"),
		metric.WithUnit("{order}")); err != nil {
		return nil, err
	}
	if r.webhooks, err = meter.Int64Counter("webhook.events.total",
		metric.WithDescription("Gateway webhook events, by event and ledger status"),
		metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	if r.verifyDur, err = meter.Float64Histogram("checkout.verify.duration",
		metric.WithDescription("Payment verification latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)); err != nil {
		return nil, err
	}
	return r, nil
}

// Nop 不导出的 Recorder，测试与未配置 OTLP 时使用。
func Nop() *Recorder {
	r, _ := New(noop.NewMeterProvider().Meter(meterName))
	return r
}

func (r *Recorder) Attempt(ctx context.Context, status string) {
	if r == nil {
		return
	}
	r.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (r *Recorder) Journey(ctx context.Context, status string) {
	if r == nil {
		return
	}
	r.journeys.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (r *Recorder) OrderCreated(ctx context.Context, origin string) {
	if r == nil {
		return
	}
	r.orders.Add(ctx, 1, metric.WithAttributes(attribute.String("origin", origin)))
}

func (r *Recorder) Webhook(ctx context.Context, event, status string) {
	if r == nil {
		return
	}
	r.webhooks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("status", status),
	))
}

func (r *Recorder) VerifyDuration(ctx context.Context, d time.Duration, outcome string) {
	if r == nil {
		return
	}
	r.verifyDur.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Setup 构建 MeterProvider；endpoint 为空时不导出。
func Setup(ctx context.Context, endpoint string) (*Recorder, func(context.Context) error, error) {
	if endpoint == "" {
		return Nop(), func(context.Context) error { return nil }, nil
	}
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("otlp metric exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	rec, err := New(provider.Meter(meterName))
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, nil, err
	}
	return rec, provider.Shutdown, nil
}

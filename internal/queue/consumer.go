package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// HandlerFunc 处理一条订单事件。返回 error 时按退避重试，重试耗尽后跳过。
type HandlerFunc func(ctx context.Context, evt OrderEvent) error

// Consumer Kafka 消费者：至少一次投递，处理后提交位点。
type Consumer struct {
	r       *kafka.Reader
	handle  HandlerFunc
	retries int
	backoff time.Duration
	log     zerolog.Logger
}

func NewConsumer(brokers []string, topic, groupID string, handle HandlerFunc, log zerolog.Logger) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		handle:  handle,
		retries: 3,
		backoff: 500 * time.Millisecond,
		log:     log.With().Str("component", "consumer").Str("topic", topic).Logger(),
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			return // ctx cancel / reader 关闭
		}
		c.process(ctx, m)
		if err := c.r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn().Err(err).Int64("offset", m.Offset).Msg("commit offset")
		}
	}
}

func (c *Consumer) process(ctx context.Context, m kafka.Message) {
	evt, err := decode(m)
	if err != nil {
		c.log.Error().Err(err).Int64("offset", m.Offset).Msg("skip undecodable message")
		return
	}
	log := c.log.With().Str("type", evt.Type).Str("order_no", evt.OrderNo).Logger()
	for attempt := 1; ; attempt++ {
		err = c.handle(ctx, evt)
		if err == nil {
			return
		}
		if attempt >= c.retries || ctx.Err() != nil {
			log.Error().Err(err).Int("attempts", attempt).Msg("order event handler gave up")
			return
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("order event handler failed, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.backoff * time.Duration(attempt)):
		}
	}
}

func decode(m kafka.Message) (OrderEvent, error) {
	var evt OrderEvent
	if err := json.Unmarshal(m.Value, &evt); err != nil {
		return OrderEvent{}, fmt.Errorf("unmarshal order event: %w", err)
	}
	if err := evt.Validate(); err != nil {
		return OrderEvent{}, err
	}
	if t, ok := header(m, headerType); ok && t != evt.Type {
		return OrderEvent{}, fmt.Errorf("type header %q does not match body %q", t, evt.Type)
	}
	return evt, nil
}

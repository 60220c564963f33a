package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	headerType       = "type"
	headerOrigin     = "origin"
	headerOccurredAt = "occurred_at"
)

// Producer 订单事件写入 Kafka，Relay 的下游。
type Producer struct {
	w *kafka.Writer
}

// NewProducer 订单号做分区键，同一订单的事件按序到达消费者。
// 同步写、RequireAll：Relay 只在写成功后 ACK Stream。
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Compression:  kafka.Snappy,
			MaxAttempts:  5,
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  5 * time.Second,
			BatchTimeout: 20 * time.Millisecond,
		},
	}
}

func (p *Producer) Close() error { return p.w.Close() }

// Publish 实现 Sink。
func (p *Producer) Publish(ctx context.Context, evt OrderEvent) error {
	msg, err := encode(evt)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, msg)
}

// encode JSON body 加上路由用的 header，消费者不解 body 也能按类型过滤。
func encode(evt OrderEvent) (kafka.Message, error) {
	b, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal order event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(evt.Key()),
		Value: b,
		Headers: []kafka.Header{
			{Key: headerType, Value: []byte(evt.Type)},
			{Key: headerOrigin, Value: []byte(evt.Origin)},
			{Key: headerOccurredAt, Value: []byte(evt.OccurredAt.UTC().Format(time.RFC3339Nano))},
		},
	}, nil
}

func header(m kafka.Message, key string) (string, bool) {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value), true
		}
	}
	return "", false
}

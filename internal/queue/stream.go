package queue

import (
	"context"
	"fmt"

	rd "github.com/redis/go-redis/v9"
)

// StreamPublisher 订单事务提交后把事件追加到 Redis Stream，由 Relay 异步转发。
// HTTP 路径只依赖 Redis，Kafka 抖动不影响下单响应。
type StreamPublisher struct {
	rdb    *rd.Client
	stream string
	maxLen int64
}

func NewStreamPublisher(rdb *rd.Client, stream string, maxLen int64) *StreamPublisher {
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &StreamPublisher{rdb: rdb, stream: stream, maxLen: maxLen}
}

func (p *StreamPublisher) Publish(ctx context.Context, evt OrderEvent) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	err := p.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: evt.values(),
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

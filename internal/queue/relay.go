package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Sink Relay 的下游，生产环境是 Kafka Producer。
type Sink interface {
	Publish(ctx context.Context, evt OrderEvent) error
}

// Relay 订单事件 outbox：事务提交后写入的 Stream 记录搬运到 Kafka。
// 至少一次：Sink 成功才 XACK+XDEL，失败的留在 pending 里下轮重投。
type Relay struct {
	rdb  *rd.Client
	sink Sink
	log  zerolog.Logger

	stream   string
	group    string
	consumer string
}

func NewRelay(rdb *rd.Client, sink Sink, stream, group, consumer string, log zerolog.Logger) *Relay {
	return &Relay{
		rdb:      rdb,
		sink:     sink,
		log:      log.With().Str("component", "relay").Str("stream", stream).Logger(),
		stream:   stream,
		group:    group,
		consumer: consumer,
	}
}

func (r *Relay) Run(ctx context.Context) {
	if err := r.ensureGroup(ctx); err != nil {
		r.log.Error().Err(err).Msg("relay ensure group")
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.pump(ctx, 2*time.Second); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			r.log.Warn().Err(err).Msg("relay pump")
			time.Sleep(300 * time.Millisecond)
		}
	}
}

// pump 先处理本消费者的历史 pending，没有时再阻塞读新消息。返回成功转发的条数。
func (r *Relay) pump(ctx context.Context, block time.Duration) (int, error) {
	msgs, err := r.readGroup(ctx, "0", -1)
	if err != nil {
		return 0, fmt.Errorf("read pending: %w", err)
	}
	if len(msgs) == 0 {
		if msgs, err = r.readGroup(ctx, ">", block); err != nil {
			return 0, fmt.Errorf("read new: %w", err)
		}
	}
	done := 0
	for _, xm := range msgs {
		if err := r.processOne(ctx, xm); err != nil {
			// 发布失败不 ACK，保留顺序，下一轮从 pending 重试。
			return done, fmt.Errorf("message %s: %w", xm.ID, err)
		}
		done++
	}
	return done, nil
}

func (r *Relay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *Relay) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	streams, err := r.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, streamID},
		Count:    16,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, 16)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (r *Relay) processOne(ctx context.Context, xm rd.XMessage) error {
	evt, err := parseOrderEvent(xm.Values)
	if err != nil {
		// 字段缺失或类型错误的记录永远发不出去，ACK 掉。
		r.log.Error().Err(err).Str("id", xm.ID).Msg("dropping malformed order event")
		if ackErr := r.ackAndDelete(ctx, xm.ID); ackErr != nil {
			return fmt.Errorf("parse failed: %v, ack failed: %w", err, ackErr)
		}
		return nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.sink.Publish(pubCtx, evt); err != nil {
		return err
	}
	return r.ackAndDelete(ctx, xm.ID)
}

func (r *Relay) ackAndDelete(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.XAck(ctx, r.stream, r.group, id)
	pipe.XDel(ctx, r.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

func parseOrderEvent(values map[string]any) (OrderEvent, error) {
	var (
		evt OrderEvent
		err error
		raw = map[string]string{}
	)
	for _, k := range []string{"type", "order_id", "order_no", "user_id", "status", "total", "currency", "origin", "journey_id", "occurred_at"} {
		if raw[k], err = getStreamString(values, k); err != nil {
			return OrderEvent{}, err
		}
	}
	evt.Type, evt.OrderNo, evt.Status = raw["type"], raw["order_no"], raw["status"]
	evt.Currency, evt.Origin = raw["currency"], raw["origin"]

	orderID, err := strconv.ParseUint(raw["order_id"], 10, 64)
	if err != nil {
		return OrderEvent{}, fmt.Errorf("invalid order_id %q", raw["order_id"])
	}
	evt.OrderID = uint(orderID)
	if evt.UserID, err = strconv.ParseInt(raw["user_id"], 10, 64); err != nil {
		return OrderEvent{}, fmt.Errorf("invalid user_id %q", raw["user_id"])
	}
	if evt.Total, err = strconv.ParseInt(raw["total"], 10, 64); err != nil {
		return OrderEvent{}, fmt.Errorf("invalid total %q", raw["total"])
	}
	journeyID, err := strconv.ParseUint(raw["journey_id"], 10, 64)
	if err != nil {
		return OrderEvent{}, fmt.Errorf("invalid journey_id %q", raw["journey_id"])
	}
	evt.JourneyID = uint(journeyID)
	if evt.OccurredAt, err = time.Parse(time.RFC3339Nano, raw["occurred_at"]); err != nil {
		return OrderEvent{}, fmt.Errorf("invalid occurred_at %q", raw["occurred_at"])
	}

	if err := evt.Validate(); err != nil {
		return OrderEvent{}, err
	}
	return evt, nil
}

func getStreamString(values map[string]any, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}

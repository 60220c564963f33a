// Package notify 通知渠道抽象：核心只关心「发出去了没有」，每个渠道单独记结果。
package notify

import (
	"context"
	"errors"

	"jewel_shop/internal/model"

	"github.com/rs/zerolog"
)

// Channel names.
const (
	ChannelEmail    = "email"
	ChannelWhatsApp = "whatsapp"
)

// ErrSkipped 渠道缺少收件信息（无邮箱/手机号），不算失败。
var ErrSkipped = errors.New("notify: recipient missing for channel")

// Message 一条待发送的通知，各渠道按需取字段。
type Message struct {
	Email   string
	Mobile  string
	Name    string
	Subject string
	HTML    string
	Text    string
	// Chat 即时通讯用的短文本，为空时退回 Text
	Chat string
	// LinkURL 付款/结算链接，邮件里会附带二维码
	LinkURL string
}

// Channel 单个通知渠道。
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Dispatcher 按顺序在启用的渠道上发送。
type Dispatcher struct {
	channels []Channel
	log      zerolog.Logger
}

func NewDispatcher(log zerolog.Logger, channels ...Channel) *Dispatcher {
	out := make([]Channel, 0, len(channels))
	for _, c := range channels {
		if c != nil {
			out = append(out, c)
		}
	}
	return &Dispatcher{channels: out, log: log.With().Str("component", "notify").Logger()}
}

// Dispatch enabled 为 nil 时所有已配置渠道都发送。
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message, enabled map[string]bool) []model.ChannelResult {
	results := make([]model.ChannelResult, 0, len(d.channels))
	for _, ch := range d.channels {
		name := ch.Name()
		if enabled != nil && !enabled[name] {
			continue
		}
		err := ch.Send(ctx, msg)
		switch {
		case err == nil:
			results = append(results, model.ChannelResult{Channel: name, OK: true})
		case errors.Is(err, ErrSkipped):
			results = append(results, model.ChannelResult{Channel: name, Skipped: true})
		default:
			d.log.Warn().Err(err).Str("channel", name).Msg("notification failed")
			results = append(results, model.ChannelResult{Channel: name, Error: err.Error()})
		}
	}
	return results
}

// Outcome 汇总渠道结果：全部失败才算 failed，一个都没发算 skipped。
func Outcome(results []model.ChannelResult) model.AttemptStatus {
	attempted, ok := 0, 0
	for _, r := range results {
		if r.Skipped {
			continue
		}
		attempted++
		if r.OK {
			ok++
		}
	}
	switch {
	case attempted == 0:
		return model.AttemptSkipped
	case ok == 0:
		return model.AttemptFailed
	case ok < attempted:
		return model.AttemptPartial
	default:
		return model.AttemptSent
	}
}

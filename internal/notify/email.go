package notify

import (
	"bytes"
	"context"
	"fmt"

	"github.com/skip2/go-qrcode"
	"github.com/wneessen/go-mail"
)

const qrImageName = "pay-qr.png"

// EmailConfig SMTP 参数。
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Email SMTP 渠道。
type Email struct {
	cfg EmailConfig
}

func NewEmail(cfg EmailConfig) *Email { return &Email{cfg: cfg} }

func (e *Email) Name() string { return ChannelEmail }

func (e *Email) Send(ctx context.Context, msg Message) error {
	if msg.Email == "" {
		return ErrSkipped
	}
	m, err := e.build(msg)
	if err != nil {
		return err
	}
	opts := []mail.Option{mail.WithPort(e.cfg.Port), mail.WithTLSPortPolicy(mail.TLSOpportunistic)}
	if e.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(e.cfg.Username),
			mail.WithPassword(e.cfg.Password),
		)
	}
	client, err := mail.NewClient(e.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// build 组装 multipart 邮件；有链接时内嵌二维码，HTML 用 cid:pay-qr.png 引用。
func (e *Email) build(msg Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(e.cfg.From); err != nil {
		return nil, fmt.Errorf("mail from: %w", err)
	}
	if err := m.To(msg.Email); err != nil {
		return nil, fmt.Errorf("mail to: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		m.AddAlternativeString(mail.TypeTextHTML, msg.HTML)
	}
	if msg.LinkURL != "" {
		png, err := qrcode.Encode(msg.LinkURL, qrcode.Medium, 256)
		if err != nil {
			return nil, fmt.Errorf("qr encode: %w", err)
		}
		if err := m.EmbedReader(qrImageName, bytes.NewReader(png)); err != nil {
			return nil, fmt.Errorf("embed qr: %w", err)
		}
	}
	return m, nil
}

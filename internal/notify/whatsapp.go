package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// WhatsApp 基于已配对设备的消息渠道。设备配对在运维侧完成，这里只发消息。
type WhatsApp struct {
	client *whatsmeow.Client
}

// NewWhatsApp 打开 whatsmeow 设备库并连接；设备未配对时返回错误。
func NewWhatsApp(ctx context.Context, dsn string) (*WhatsApp, error) {
	container, err := sqlstore.New(ctx, "sqlite3", dsn, waLog.Stdout("Database", "WARN", true))
	if err != nil {
		return nil, fmt.Errorf("whatsapp store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("whatsapp device: %w", err)
	}
	client := whatsmeow.NewClient(device, waLog.Stdout("WhatsApp", "WARN", true))
	if client.Store.ID == nil {
		return nil, errors.New("whatsapp device not paired")
	}
	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("whatsapp connect: %w", err)
	}
	return &WhatsApp{client: client}, nil
}

func (w *WhatsApp) Name() string { return ChannelWhatsApp }

func (w *WhatsApp) Send(ctx context.Context, msg Message) error {
	number := digits(msg.Mobile)
	if number == "" {
		return ErrSkipped
	}
	text := msg.Chat
	if text == "" {
		text = msg.Text
	}
	jid := types.NewJID(number, types.DefaultUserServer)
	_, err := w.client.SendMessage(ctx, jid, &waProto.Message{Conversation: strptr(text)})
	return err
}

// Close 断开连接。
func (w *WhatsApp) Close() {
	w.client.Disconnect()
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func strptr(s string) *string { return &s }

package notify

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"jewel_shop/internal/model"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	name string
	err  error
	got  []Message
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(_ context.Context, msg Message) error {
	f.got = append(f.got, msg)
	return f.err
}

func TestDispatchRecordsEachChannel(t *testing.T) {
	email := &fakeChannel{name: ChannelEmail}
	wa := &fakeChannel{name: ChannelWhatsApp, err: errors.New("socket closed")}
	d := NewDispatcher(zerolog.Nop(), email, wa)

	res := d.Dispatch(context.Background(), Message{Email: "a@b.c"}, map[string]bool{ChannelEmail: true, ChannelWhatsApp: true})
	require.Len(t, res, 2)
	assert.True(t, res[0].OK)
	assert.False(t, res[1].OK)
	assert.Equal(t, "socket closed", res[1].Error)
	assert.Equal(t, model.AttemptPartial, Outcome(res))
}

func TestDispatchHonoursToggles(t *testing.T) {
	email := &fakeChannel{name: ChannelEmail}
	wa := &fakeChannel{name: ChannelWhatsApp}
	d := NewDispatcher(zerolog.Nop(), email, nil, wa)

	res := d.Dispatch(context.Background(), Message{}, map[string]bool{ChannelEmail: true})
	require.Len(t, res, 1)
	assert.Len(t, email.got, 1)
	assert.Empty(t, wa.got)
}

func TestOutcome(t *testing.T) {
	ok := model.ChannelResult{Channel: "a", OK: true}
	bad := model.ChannelResult{Channel: "b", Error: "x"}
	skip := model.ChannelResult{Channel: "c", Skipped: true}

	assert.Equal(t, model.AttemptSent, Outcome([]model.ChannelResult{ok, skip}))
	assert.Equal(t, model.AttemptFailed, Outcome([]model.ChannelResult{bad, skip}))
	assert.Equal(t, model.AttemptPartial, Outcome([]model.ChannelResult{ok, bad}))
	assert.Equal(t, model.AttemptSkipped, Outcome([]model.ChannelResult{skip}))
	assert.Equal(t, model.AttemptSkipped, Outcome(nil))
}

func TestRenderRecovery(t *testing.T) {
	msg, err := RenderRecovery(RecoveryData{
		Name:      "Asha",
		AttemptNo: 3,
		Items: []model.SnapshotItem{
			{Name: "Solitaire <Ring>", UnitPrice: 100000, Quantity: 2},
		},
		Currency:        "INR",
		Subtotal:        200000,
		ShippingFee:     5000,
		DiscountCode:    "BACK-1234ABCD",
		DiscountPercent: 5,
		DiscountAmount:  10000,
		Total:           195000,
		LinkURL:         "https://shop.example/checkout?coupon=BACK-1234ABCD",
		ExpiresAt:       time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "5% off the pieces in your bag", msg.Subject)
	assert.Contains(t, msg.HTML, "Solitaire &lt;Ring&gt;")
	assert.Contains(t, msg.HTML, "cid:pay-qr.png")
	assert.Contains(t, msg.Text, "Total: ₹1,950.00")
	assert.Contains(t, msg.Chat, "BACK-1234ABCD")
	assert.Equal(t, "https://shop.example/checkout?coupon=BACK-1234ABCD", msg.LinkURL)
}

func TestRenderOrderConfirmation(t *testing.T) {
	msg, err := RenderOrderConfirmation(OrderData{
		Name: "Asha", OrderNo: "JS123", Currency: "INR",
		Items: []model.OrderItem{{Name: "Ring", Quantity: 1, LineTotal: 100000}},
		Total: 100000, Subtotal: 100000,
	})
	require.NoError(t, err)
	assert.Equal(t, "Order JS123 confirmed", msg.Subject)
	assert.Contains(t, msg.Text, "₹1,000.00")
	assert.NotContains(t, msg.HTML, "Discount")
}

func TestFormatMoney(t *testing.T) {
	assert.Equal(t, "₹0.05", FormatMoney(5, "INR"))
	assert.Equal(t, "₹12,34,567.89", FormatMoney(123456789, "INR"))
	assert.Equal(t, "USD 1,234,567.00", FormatMoney(123456700, "USD"))
	assert.Equal(t, "-₹10.00", FormatMoney(-1000, "INR"))
}

func TestEmailBuildEmbedsQR(t *testing.T) {
	e := NewEmail(EmailConfig{Host: "localhost", Port: 25, From: "care@jewelshop.example"})
	m, err := e.build(Message{
		Email: "asha@example.com", Subject: "hello", Text: "plain", HTML: "<p>html</p>",
		LinkURL: "https://rzp.io/i/abc",
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = m.WriteTo(&buf)
	require.NoError(t, err)
	raw := buf.String()
	assert.Contains(t, raw, "Subject: hello")
	assert.Contains(t, raw, "text/html")
	assert.True(t, strings.Contains(raw, qrImageName))
}

func TestEmailSkipsWithoutAddress(t *testing.T) {
	e := NewEmail(EmailConfig{Host: "localhost", Port: 25, From: "care@jewelshop.example"})
	assert.ErrorIs(t, e.Send(context.Background(), Message{}), ErrSkipped)
}

func TestDigits(t *testing.T) {
	assert.Equal(t, "919800000000", digits("+91 98000-00000"))
	assert.Empty(t, digits(""))
}

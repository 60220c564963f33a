package notify

import (
	"bytes"
	"fmt"
	htmltpl "html/template"
	"strconv"
	"strings"
	texttpl "text/template"
	"time"

	"jewel_shop/internal/model"
)

// RecoveryData 召回邮件/消息的渲染数据。
type RecoveryData struct {
	Name            string
	AttemptNo       int
	Items           []model.SnapshotItem
	Currency        string
	Subtotal        int64
	ShippingFee     int64
	DiscountCode    string
	DiscountPercent float64
	DiscountAmount  int64
	Total           int64
	LinkURL         string
	// PaymentLink=true 表示 LinkURL 是直接付款链接，否则是结算页
	PaymentLink bool
	ExpiresAt   time.Time
}

// OrderData 下单确认。
type OrderData struct {
	Name           string
	OrderNo        string
	Items          []model.OrderItem
	Currency       string
	Subtotal       int64
	ShippingFee    int64
	DiscountAmount int64
	Total          int64
}

var funcs = map[string]any{
	"money": FormatMoney,
	"pct":   func(p float64) string { return strconv.FormatFloat(p, 'f', -1, 64) },
	"mul":   func(a int64, b int) int64 { return a * int64(b) },
	"date":  func(t time.Time) string { return t.Format("02 Jan 2006, 15:04 MST") },
}

var (
	recoveryHTML = htmltpl.Must(htmltpl.New("recovery").Funcs(funcs).Parse(`<p>Hi {{.Name}},</p>
<p>Your jewellery is still waiting in your bag.</p>
<table>
{{range .Items}}<tr><td>{{.Name}}{{if .VariantName}} ({{.VariantName}}){{end}} × {{.Quantity}}</td><td>{{money (mul .UnitPrice .Quantity) $.Currency}}</td></tr>
{{end}}</table>
<p>Subtotal: {{money .Subtotal .Currency}}<br>Shipping: {{money .ShippingFee .Currency}}
{{if .DiscountCode}}<br>Use code <strong>{{.DiscountCode}}</strong> for {{pct .DiscountPercent}}% off (save {{money .DiscountAmount .Currency}}){{end}}
<br><strong>Total: {{money .Total .Currency}}</strong></p>
<p><a href="{{.LinkURL}}">{{if .PaymentLink}}Pay now{{else}}Complete your order{{end}}</a></p>
{{if .LinkURL}}<p><img src="cid:pay-qr.png" alt="Scan to continue" width="180" height="180"></p>{{end}}
{{if not .ExpiresAt.IsZero}}<p>This offer is valid until {{date .ExpiresAt}}.</p>{{end}}`))

	recoveryText = texttpl.Must(texttpl.New("recovery").Funcs(funcs).Parse(`Hi {{.Name}},

Your jewellery is still waiting in your bag:
{{range .Items}}- {{.Name}}{{if .VariantName}} ({{.VariantName}}){{end}} x {{.Quantity}}: {{money (mul .UnitPrice .Quantity) $.Currency}}
{{end}}
Subtotal: {{money .Subtotal .Currency}}
Shipping: {{money .ShippingFee .Currency}}
{{if .DiscountCode}}Code {{.DiscountCode}}: {{pct .DiscountPercent}}% off (-{{money .DiscountAmount .Currency}})
{{end}}Total: {{money .Total .Currency}}

{{if .PaymentLink}}Pay now{{else}}Complete your order{{end}}: {{.LinkURL}}
`))

	recoveryChat = texttpl.Must(texttpl.New("chat").Funcs(funcs).Parse(
		`Hi {{.Name}}, your bag ({{money .Total .Currency}}) is still waiting.{{if .DiscountCode}} Use {{.DiscountCode}} for {{pct .DiscountPercent}}% off.{{end}} {{.LinkURL}}`))

	orderHTML = htmltpl.Must(htmltpl.New("order").Funcs(funcs).Parse(`<p>Hi {{.Name}},</p>
<p>Thank you! Your order <strong>{{.OrderNo}}</strong> is confirmed.</p>
<table>
{{range .Items}}<tr><td>{{.Name}}{{if .VariantName}} ({{.VariantName}}){{end}} × {{.Quantity}}</td><td>{{money .LineTotal $.Currency}}</td></tr>
{{end}}</table>
<p>Subtotal: {{money .Subtotal .Currency}}<br>Shipping: {{money .ShippingFee .Currency}}
{{if .DiscountAmount}}<br>Discount: -{{money .DiscountAmount .Currency}}{{end}}
<br><strong>Total paid: {{money .Total .Currency}}</strong></p>`))

	orderText = texttpl.Must(texttpl.New("order").Funcs(funcs).Parse(`Hi {{.Name}},

Your order {{.OrderNo}} is confirmed.
{{range .Items}}- {{.Name}} x {{.Quantity}}: {{money .LineTotal $.Currency}}
{{end}}
Total paid: {{money .Total .Currency}}
`))
)

// RenderRecovery 生成召回通知。
func RenderRecovery(d RecoveryData) (Message, error) {
	var html, text, chat bytes.Buffer
	if err := recoveryHTML.Execute(&html, d); err != nil {
		return Message{}, fmt.Errorf("render recovery html: %w", err)
	}
	if err := recoveryText.Execute(&text, d); err != nil {
		return Message{}, fmt.Errorf("render recovery text: %w", err)
	}
	if err := recoveryChat.Execute(&chat, d); err != nil {
		return Message{}, fmt.Errorf("render recovery chat: %w", err)
	}
	subject := "You left something sparkling behind"
	if d.DiscountCode != "" {
		subject = fmt.Sprintf("%s%% off the pieces in your bag", strconv.FormatFloat(d.DiscountPercent, 'f', -1, 64))
	}
	return Message{
		Name:    d.Name,
		Subject: subject,
		HTML:    html.String(),
		Text:    text.String(),
		Chat:    chat.String(),
		LinkURL: d.LinkURL,
	}, nil
}

// RenderOrderConfirmation 生成下单确认通知。
func RenderOrderConfirmation(d OrderData) (Message, error) {
	var html, text bytes.Buffer
	if err := orderHTML.Execute(&html, d); err != nil {
		return Message{}, fmt.Errorf("render order html: %w", err)
	}
	if err := orderText.Execute(&text, d); err != nil {
		return Message{}, fmt.Errorf("render order text: %w", err)
	}
	return Message{
		Name:    d.Name,
		Subject: "Order " + d.OrderNo + " confirmed",
		HTML:    html.String(),
		Text:    text.String(),
		Chat:    fmt.Sprintf("Hi %s, your order %s (%s) is confirmed.", d.Name, d.OrderNo, FormatMoney(d.Total, d.Currency)),
	}, nil
}

// FormatMoney 最小货币单位转展示字符串，INR 使用印度数字分组。
func FormatMoney(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	whole, frac := minor/100, minor%100
	symbol := currency + " "
	grouped := group3(strconv.FormatInt(whole, 10))
	if currency == "INR" {
		symbol = "₹"
		grouped = groupIndian(strconv.FormatInt(whole, 10))
	}
	return fmt.Sprintf("%s%s%s.%02d", sign, symbol, grouped, frac)
}

func group3(s string) string {
	if len(s) <= 3 {
		return s
	}
	var parts []string
	for len(s) > 3 {
		parts = append([]string{s[len(s)-3:]}, parts...)
		s = s[:len(s)-3]
	}
	return s + "," + strings.Join(parts, ",")
}

// groupIndian 1234567 -> 12,34,567
func groupIndian(s string) string {
	if len(s) <= 3 {
		return s
	}
	head, tail := s[:len(s)-3], s[len(s)-3:]
	var parts []string
	for len(head) > 2 {
		parts = append([]string{head[len(head)-2:]}, parts...)
		head = head[:len(head)-2]
	}
	if head != "" {
		parts = append([]string{head}, parts...)
	}
	return strings.Join(parts, ",") + "," + tail
}

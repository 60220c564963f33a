package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign HMAC-SHA256 十六进制签名。
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPaymentSignature 校验结算回调签名：HMAC(order_id|payment_id, key_secret)，常量时间比较。
func VerifyPaymentSignature(keySecret, orderID, paymentID, signature string) bool {
	if keySecret == "" || signature == "" {
		return false
	}
	expected := Sign(keySecret, []byte(orderID+"|"+paymentID))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// VerifyWebhookSignature 校验 webhook 原始 body 的签名。
func VerifyWebhookSignature(webhookSecret string, body []byte, signature string) bool {
	if webhookSecret == "" || signature == "" {
		return false
	}
	expected := Sign(webhookSecret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Package apperr 统一错误分类：校验失败、并发冲突、外部依赖失败与不变量破坏。
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code 错误大类，决定 HTTP 状态码与重试语义。
type Code string

const (
	CodeValidation Code = "validation"
	CodeNotFound   Code = "not_found"
	CodeConflict   Code = "conflict"
	CodeDependency Code = "dependency"
	CodeInvariant  Code = "invariant"
	CodeInternal   Code = "internal"
)

// Reason 面向客户端的具体原因，客户端据此决定重试还是重新结算。
type Reason string

const (
	ReasonStockInsufficient      Reason = "stock_insufficient"
	ReasonCartChanged            Reason = "cart_changed"
	ReasonCartEmpty              Reason = "cart_empty"
	ReasonSignatureInvalid       Reason = "signature_invalid"
	ReasonAmountMismatch         Reason = "amount_mismatch"
	ReasonVerificationInProgress Reason = "verification_in_progress"
	ReasonCouponInvalid          Reason = "coupon_invalid"
	ReasonDiscountRedeemed       Reason = "discount_redeemed"
	ReasonInvalidCampaign        Reason = "invalid_campaign"
	ReasonInvalidTransition      Reason = "invalid_transition"
	ReasonPaymentNotCaptured     Reason = "payment_not_captured"
	ReasonProductUnavailable     Reason = "product_unavailable"
	ReasonAddressIncomplete      Reason = "address_incomplete"
	ReasonAttemptClosed          Reason = "attempt_closed"
)

// Error 携带分类与原因的业务错误。
type Error struct {
	Code   Code
	Reason Reason
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is 让 errors.Is 可以按 Reason 匹配哨兵错误。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Reason != "" {
		return e.Reason == t.Reason
	}
	return e.Code == t.Code
}

// New 创建业务错误。
func New(code Code, reason Reason, msg string) *Error {
	return &Error{Code: code, Reason: reason, Msg: msg}
}

// Newf 格式化版本。
func Newf(code Code, reason Reason, format string, args ...any) *Error {
	return &Error{Code: code, Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

// Wrap 包装底层错误。
func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// Sentinels for errors.Is checks.
var (
	ErrStockInsufficient      = &Error{Code: CodeConflict, Reason: ReasonStockInsufficient}
	ErrCartChanged            = &Error{Code: CodeConflict, Reason: ReasonCartChanged}
	ErrCartEmpty              = &Error{Code: CodeValidation, Reason: ReasonCartEmpty}
	ErrSignatureInvalid       = &Error{Code: CodeValidation, Reason: ReasonSignatureInvalid}
	ErrAmountMismatch         = &Error{Code: CodeValidation, Reason: ReasonAmountMismatch}
	ErrVerificationInProgress = &Error{Code: CodeConflict, Reason: ReasonVerificationInProgress}
	ErrCouponInvalid          = &Error{Code: CodeValidation, Reason: ReasonCouponInvalid}
	ErrDiscountRedeemed       = &Error{Code: CodeInvariant, Reason: ReasonDiscountRedeemed}
	ErrInvalidCampaign        = &Error{Code: CodeValidation, Reason: ReasonInvalidCampaign}
	ErrInvalidTransition      = &Error{Code: CodeValidation, Reason: ReasonInvalidTransition}
	ErrProductUnavailable     = &Error{Code: CodeConflict, Reason: ReasonProductUnavailable}
	ErrAddressIncomplete      = &Error{Code: CodeValidation, Reason: ReasonAddressIncomplete}
	ErrAttemptClosed          = &Error{Code: CodeConflict, Reason: ReasonAttemptClosed}
	ErrPaymentNotCaptured     = &Error{Code: CodeConflict, Reason: ReasonPaymentNotCaptured}
	ErrNotFound               = &Error{Code: CodeNotFound}
)

// CodeOf 提取错误分类，未分类的视为 internal。
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// ReasonOf 提取具体原因。
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// HTTPStatus 错误分类到 HTTP 状态码的映射。
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeInvariant:
		return http.StatusConflict
	case CodeDependency:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable 并发冲突与外部依赖失败可稍后重试。
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeConflict, CodeDependency, CodeInternal:
		return !errors.Is(err, ErrStockInsufficient) && !errors.Is(err, ErrCartChanged) &&
			!errors.Is(err, ErrProductUnavailable) && !errors.Is(err, ErrAttemptClosed)
	}
	return false
}

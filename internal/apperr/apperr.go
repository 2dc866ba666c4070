// Package apperr holds the error taxonomy shared by services and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindInsufficientStock
	KindAlreadyPaid
	KindDispatch
	KindUnauthorized
	KindForbidden
	KindConflict
	KindTooManyRequests
)

// Error is an application error. Code is a stable machine-readable reason
// within a Kind ("order_not_found"); Message is safe to show to clients.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind, and on Code when the target carries one. That lets
// callers test for ErrNotFound broadly or ErrOrderNotFound specifically.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

func New(kind Kind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Err: err}
}

var (
	ErrValidation        = &Error{Kind: KindValidation, Message: "validation error"}
	ErrNotFound          = &Error{Kind: KindNotFound, Message: "not found"}
	ErrProductNotFound   = &Error{Kind: KindNotFound, Code: "product_not_found", Message: "product not found"}
	ErrOrderNotFound     = &Error{Kind: KindNotFound, Code: "order_not_found", Message: "order not found"}
	ErrInsufficientStock = &Error{Kind: KindInsufficientStock, Code: "insufficient_stock", Message: "insufficient stock"}
	ErrAlreadyPaid       = &Error{Kind: KindAlreadyPaid, Code: "already_paid", Message: "order already paid"}
	ErrDispatch          = &Error{Kind: KindDispatch, Code: "dispatch_failed", Message: "notification dispatch failed"}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized, Message: "unauthorized"}
	ErrForbidden         = &Error{Kind: KindForbidden, Message: "forbidden"}
	ErrConflict          = &Error{Kind: KindConflict, Message: "conflict"}
	ErrTooManyRequests   = &Error{Kind: KindTooManyRequests, Code: "rate_limited", Message: "rate limit exceeded"}
)

func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Code: "invalid_input", Message: msg}
}

func NotFound(code, msg string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: msg}
}

func ProductNotFound(id string) *Error {
	return &Error{Kind: KindNotFound, Code: "product_not_found", Message: fmt.Sprintf("product %s not found", id)}
}

func OrderNotFound(id string) *Error {
	return &Error{Kind: KindNotFound, Code: "order_not_found", Message: fmt.Sprintf("order %s not found", id)}
}

func InsufficientStock(productName string, required, available int) *Error {
	return &Error{
		Kind:    KindInsufficientStock,
		Code:    "insufficient_stock",
		Message: fmt.Sprintf("insufficient stock for %s: requested %d, available %d", productName, required, available),
	}
}

func Dispatch(err error) *Error {
	return &Error{Kind: KindDispatch, Code: "dispatch_failed", Message: "order confirmed, but the credentials email could not be sent", Err: err}
}

func Unauthorized(msg string) *Error {
	return &Error{Kind: KindUnauthorized, Code: "unauthorized", Message: msg}
}

func Forbidden(msg string) *Error {
	return &Error{Kind: KindForbidden, Code: "forbidden", Message: msg}
}

func Conflict(code, msg string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: msg}
}

// Status maps an error to the HTTP status the API answers with.
func Status(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation, KindInsufficientStock, KindAlreadyPaid:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindTooManyRequests:
		return http.StatusTooManyRequests
	case KindDispatch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Public returns the message and code that may be sent to a client. Internal
// errors collapse to a generic message.
func Public(err error) (msg, code string) {
	var e *Error
	if !errors.As(err, &e) || e.Kind == KindInternal {
		return "internal server error", "internal"
	}
	code = e.Code
	if code == "" {
		code = "error"
	}
	return e.Message, code
}

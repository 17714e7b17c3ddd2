// Package apperr holds the caller-facing error taxonomy of the ledger.
// Every operation returns either a result or one *Error carrying a stable
// code and a human readable message.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeInsufficientFunds      Code = "INSUFFICIENT_FUNDS"
	CodeInsufficientPosition   Code = "INSUFFICIENT_POSITION"
	CodeAccountNotFound        Code = "ACCOUNT_NOT_FOUND"
	CodeUserNotFound           Code = "USER_NOT_FOUND"
	CodePriceUnavailable       Code = "PRICE_UNAVAILABLE"
	CodeInvalidAmount          Code = "INVALID_AMOUNT"
	CodeInvalidBetAmount       Code = "INVALID_BET_AMOUNT"
	CodeInvalidHoldDuration    Code = "INVALID_HOLD_DURATION"
	CodeInvalidDirection       Code = "INVALID_DIRECTION"
	CodeSameDayTradeRestricted Code = "SAME_DAY_TRADE_RESTRICTED"
	CodeNotFound               Code = "NOT_FOUND"
	CodeForbidden              Code = "FORBIDDEN"
	CodeNotPending             Code = "NOT_PENDING"
	CodeCancelWindowClosed     Code = "CANCEL_WINDOW_CLOSED"
	CodeBattleDisabled         Code = "BATTLE_DISABLED"
	CodeMergeConflict          Code = "MERGE_CONFLICT"
	CodeTransactionFailed      Code = "TRANSACTION_FAILED"
	CodeAlreadyBound           Code = "ALREADY_BOUND"
	CodeInvalidArgument        Code = "INVALID_ARGUMENT"
)

type Error struct {
	Code    Code
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

// Is matches any *Error with the same code, so a sentinel can be compared
// against an error built with a more specific message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

var (
	ErrInsufficientFunds      = New(CodeInsufficientFunds, "insufficient balance")
	ErrInsufficientPosition   = New(CodeInsufficientPosition, "insufficient position")
	ErrAccountNotFound        = New(CodeAccountNotFound, "account not found")
	ErrUserNotFound           = New(CodeUserNotFound, "user not found")
	ErrPriceUnavailable       = New(CodePriceUnavailable, "price unavailable")
	ErrInvalidAmount          = New(CodeInvalidAmount, "amount must be positive")
	ErrInvalidBetAmount       = New(CodeInvalidBetAmount, "invalid bet amount")
	ErrInvalidHoldDuration    = New(CodeInvalidHoldDuration, "invalid hold duration")
	ErrInvalidDirection       = New(CodeInvalidDirection, "invalid direction")
	ErrSameDayTradeRestricted = New(CodeSameDayTradeRestricted, "shares bought today cannot be sold until the next trading day")
	ErrNotFound               = New(CodeNotFound, "not found")
	ErrForbidden              = New(CodeForbidden, "forbidden")
	ErrNotPending             = New(CodeNotPending, "only pending orders can be canceled")
	ErrCancelWindowClosed     = New(CodeCancelWindowClosed, "orders cannot be canceled close to settlement")
	ErrBattleDisabled         = New(CodeBattleDisabled, "battle game is disabled")
	ErrMergeConflict          = New(CodeMergeConflict, "account merge failed, manual reconciliation required")
	ErrTransactionFailed      = New(CodeTransactionFailed, "transaction failed, please retry")
	ErrAlreadyBound           = New(CodeAlreadyBound, "provider already bound")
	ErrInvalidArgument        = New(CodeInvalidArgument, "invalid argument")
)

// CodeOf returns the code of the first *Error in err's chain, or "" when
// err is not part of the taxonomy.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInsufficientFunds, CodeInsufficientPosition, CodePriceUnavailable, CodeInvalidAmount,
		CodeInvalidBetAmount, CodeInvalidHoldDuration, CodeInvalidDirection,
		CodeSameDayTradeRestricted, CodeInvalidArgument, CodeAlreadyBound:
		return http.StatusBadRequest
	case CodeAccountNotFound, CodeUserNotFound, CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden, CodeBattleDisabled:
		return http.StatusForbidden
	case CodeNotPending, CodeCancelWindowClosed, CodeMergeConflict:
		return http.StatusConflict
	case CodeTransactionFailed:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

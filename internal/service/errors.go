package service

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/judgeledger/judgeledger/internal/auth"
)

const (
	CodeReplayDetected  = "REPLAY_DETECTED"
	CodeValidationError = "VALIDATION_ERROR"
	CodeRateLimited     = "RATE_LIMITED"
	CodeNotFound        = "NOT_FOUND"
	CodeInternalError   = "INTERNAL_ERROR"
)

type AppError struct {
	HTTPStatus int
	Code       string
	Message    string
	Retryable  bool
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func NewAppError(status int, code, msg string, retryable bool, cause error) *AppError {
	return &AppError{
		HTTPStatus: status,
		Code:       code,
		Message:    msg,
		Retryable:  retryable,
		Cause:      cause,
	}
}

func IsCode(err error, code string) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == code
}

func Internal(msg string, cause error) *AppError {
	return NewAppError(http.StatusInternalServerError, CodeInternalError, msg, true, cause)
}

func Validation(msg string, cause error) *AppError {
	return NewAppError(http.StatusBadRequest, CodeValidationError, msg, false, cause)
}

// Unauthenticated maps an auth package error onto its stable code. Clients
// must not retry these unchanged.
func Unauthenticated(err error) *AppError {
	code := auth.Code(err)
	if code == "" {
		code = auth.CodeInvalidSignature
	}
	return NewAppError(http.StatusUnauthorized, code, err.Error(), false, err)
}

func ReplayDetected(reason string) *AppError {
	return NewAppError(http.StatusConflict, CodeReplayDetected, "request already processed: "+reason, false, nil)
}

func RateLimited() *AppError {
	return NewAppError(http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded", true, nil)
}

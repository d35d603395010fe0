package auth

import "errors"

var (
	ErrMissingHeader    = errors.New("missing or malformed signature material")
	ErrExpiredTimestamp = errors.New("timestamp outside allowed skew")
	ErrInvalidSignature = errors.New("signature mismatch")
	ErrReusedNonce      = errors.New("nonce already used")
	ErrInvalidAPIKey    = errors.New("invalid api key")
)

// Stable error codes reported to callers.
const (
	CodeMissingHeader    = "AUTH_MISSING_HEADER"
	CodeExpiredTimestamp = "AUTH_EXPIRED_TIMESTAMP"
	CodeInvalidSignature = "AUTH_INVALID_SIGNATURE"
	CodeReusedNonce      = "AUTH_REUSED_NONCE"
	CodeInvalidAPIKey    = "AUTH_INVALID_API_KEY"
)

// Code maps an authentication error to its stable code, or "" when err is not
// one of this package's errors.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrMissingHeader):
		return CodeMissingHeader
	case errors.Is(err, ErrExpiredTimestamp):
		return CodeExpiredTimestamp
	case errors.Is(err, ErrInvalidSignature):
		return CodeInvalidSignature
	case errors.Is(err, ErrReusedNonce):
		return CodeReusedNonce
	case errors.Is(err, ErrInvalidAPIKey):
		return CodeInvalidAPIKey
	default:
		return ""
	}
}

package errs

import (
	"errors"
	"strings"
)

// CodeError carries a stable wire-visible code alongside a human message.
// Codes are what clients switch on; Msg/Detail are for logs and operators.
type CodeError struct {
	Code   string `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func New(code, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	parts := make([]string, 0, 3)
	parts = append(parts, e.Code, e.Msg)
	if e.Detail != "" {
		parts = append(parts, e.Detail)
	}
	return strings.Join(parts, " ")
}

// WithDetail returns a copy so the shared sentinel stays immutable.
func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

// Is matches by code so WithDetail copies still compare equal to the
// sentinel under errors.Is.
func (e *CodeError) Is(target error) bool {
	var ce *CodeError
	if !errors.As(target, &ce) {
		return false
	}
	return e.Code == ce.Code
}

// Code extracts the wire code from any error in the chain, or INTERNAL.
func Code(err error) string {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// Wire error codes clients switch on.
const (
	CodeAuthFailed         = "AUTH_FAILED"
	CodeCapacityExceeded   = "CAPACITY_EXCEEDED"
	CodeMalformedMessage   = "MALFORMED_MESSAGE"
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeInvalidChannels    = "INVALID_CHANNELS"
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeStoreUnavailable   = "STORE_UNAVAILABLE"
	CodeBrokerUnavailable  = "BROKER_UNAVAILABLE"
	CodeInternal           = "INTERNAL"
)

var (
	ErrAuthFailed         = New(CodeAuthFailed, "authentication failed")
	ErrCapacityExceeded   = New(CodeCapacityExceeded, "too many connections for user")
	ErrMalformedMessage   = New(CodeMalformedMessage, "malformed message")
	ErrRateLimitExceeded  = New(CodeRateLimitExceeded, "rate limit exceeded")
	ErrInvalidChannels    = New(CodeInvalidChannels, "invalid channels")
	ErrUnknownMessageType = New(CodeUnknownMessageType, "unknown message type")
	ErrStoreUnavailable   = New(CodeStoreUnavailable, "durable store unavailable")
	ErrBrokerUnavailable  = New(CodeBrokerUnavailable, "broker unavailable")
)

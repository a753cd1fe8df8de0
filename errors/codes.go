package errors

import (
	"errors"
	"net/http"
	"strings"
)

// Gateway rejection codes. They are part of the wire contract with MES
// clients and must not be renamed.
const (
	CodeAuthMissing        = "AUTH_001"
	CodeAuthFormat         = "AUTH_002"
	CodeAuthUnknownKey     = "AUTH_003"
	CodeSigMissing         = "SIG_001"
	CodeSigTimestampGone   = "SIG_002"
	CodeSigTimestampBad    = "SIG_003"
	CodeSigExpired         = "SIG_004"
	CodeSigMismatch        = "SIG_005"
	CodeIPUnparseable      = "IP_001"
	CodeIPNotAllowed       = "IP_002"
	CodeRateNoClient       = "RATE_001"
	CodeRateExceeded       = "RATE_002"
	CodeConcurrencyBusy    = "CONC_001"
	CodeConcurrencyAbort   = "CONC_002"
	CodePayloadTooLarge    = "SIZE_001"
	CodeMalformedJSON      = "ENV_001"
	CodeMissingService     = "ENV_002"
	CodeUnsupportedService = "ENV_003"
)

// CodeError is a gateway rejection carrying a wire code and the HTTP status
// it maps to.
type CodeError struct {
	Code       string
	Message    string
	HTTPStatus int
	// RetryAfter is in seconds; zero means no Retry-After header.
	RetryAfter int
}

func (e *CodeError) Error() string {
	return e.Code + ": " + e.Message
}

// NewCodeError builds a CodeError, deriving the HTTP status from the code prefix.
func NewCodeError(code, message string) *CodeError {
	return &CodeError{Code: code, Message: message, HTTPStatus: StatusForCode(code)}
}

// StatusForCode maps a rejection code to its HTTP status.
// Authentication and signature failures are 401, IP failures 403,
// governance failures (rate, concurrency and size) 429 and everything else 400.
func StatusForCode(code string) int {
	switch {
	case strings.HasPrefix(code, "AUTH_"), strings.HasPrefix(code, "SIG_"):
		return http.StatusUnauthorized
	case strings.HasPrefix(code, "IP_"):
		return http.StatusForbidden
	case code == CodeRateNoClient:
		return http.StatusBadRequest
	case strings.HasPrefix(code, "RATE_"), strings.HasPrefix(code, "CONC_"), strings.HasPrefix(code, "SIZE_"):
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

// AsCodeError extracts a CodeError from err.
func AsCodeError(err error) (*CodeError, bool) {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

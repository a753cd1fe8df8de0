package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.class.String())
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"malformed json", ErrMalformedJSON, ErrorInvalid},
		{"missing service", fmt.Errorf("parse: %w", ErrMissingServiceName), ErrorInvalid},
		{"path traversal", ErrPathTraversal, ErrorInvalid},
		{"invalid config", ErrInvalidConfig, ErrorFatal},
		{"missing capability", ErrMissingCapabilities, ErrorFatal},
		{"connection lost", ErrConnectionLost, ErrorTransient},
		{"deadline", context.DeadlineExceeded, ErrorTransient},
		{"unknown", errors.New("boom"), ErrorTransient},
		{"already started", ErrAlreadyStarted, ErrorFatal},
		{"classified wins", &ClassifiedError{Class: ErrorFatal, Err: ErrMalformedJSON}, ErrorFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(WrapTransient(errors.New("refused"), "MQTTSink", "Connect", "dial")))
	assert.True(t, Retryable(fmt.Errorf("dial: %w", ErrCircuitOpen)))
	assert.True(t, Retryable(context.DeadlineExceeded))
	assert.False(t, Retryable(context.Canceled))
	assert.False(t, Retryable(WrapInvalid(errors.New("bad url"), "NATSSink", "New", "parse")))
	assert.False(t, Retryable(fmt.Errorf("load: %w", ErrInvalidConfig)))
	assert.False(t, Retryable(nil))
}

func TestWrap(t *testing.T) {
	base := errors.New("refused")

	err := Wrap(base, "Reporter", "Send", "post report")
	require.Error(t, err)
	assert.Equal(t, "Reporter.Send: post report failed: refused", err.Error())
	assert.ErrorIs(t, err, base)

	assert.NoError(t, Wrap(nil, "A", "B", "c"))
}

func TestWrapClassified(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		class ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"invalid", WrapInvalid, ErrorInvalid},
		{"fatal", WrapFatal, ErrorFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.wrap(base, "Dispatcher", "Dispatch", "handle")
			var ce *ClassifiedError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.class, ce.Class)
			assert.Equal(t, "Dispatcher", ce.Component)
			assert.Equal(t, "Dispatch", ce.Operation)
			assert.ErrorIs(t, err, base)
			assert.Nil(t, tt.wrap(nil, "a", "b", "c"))
		})
	}
}

func TestStatusForCode(t *testing.T) {
	tests := []struct {
		code   string
		status int
	}{
		{CodeAuthMissing, http.StatusUnauthorized},
		{CodeAuthUnknownKey, http.StatusUnauthorized},
		{CodeSigMismatch, http.StatusUnauthorized},
		{CodeIPNotAllowed, http.StatusForbidden},
		{CodeRateExceeded, http.StatusTooManyRequests},
		{CodeRateNoClient, http.StatusBadRequest},
		{CodeConcurrencyBusy, http.StatusTooManyRequests},
		{CodePayloadTooLarge, http.StatusTooManyRequests},
		{CodeMalformedJSON, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.status, StatusForCode(tt.code))
		})
	}
}

func TestAsCodeError(t *testing.T) {
	err := fmt.Errorf("governor: %w", NewCodeError(CodeRateExceeded, "too many requests"))

	ce, ok := AsCodeError(err)
	require.True(t, ok)
	assert.Equal(t, CodeRateExceeded, ce.Code)
	assert.Equal(t, http.StatusTooManyRequests, ce.HTTPStatus)
	assert.Equal(t, "RATE_002: too many requests", ce.Error())

	_, ok = AsCodeError(errors.New("plain"))
	assert.False(t, ok)
}

// Package errors provides error classification and the gateway error codes
// returned to MES clients.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass tells callers whether an error is worth retrying.
type ErrorClass int

const (
	// ErrorTransient may succeed on a later attempt.
	ErrorTransient ErrorClass = iota
	// ErrorInvalid is bad input or configuration; retrying cannot help.
	ErrorInvalid
	// ErrorFatal stops the component that hit it.
	ErrorFatal
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	}
	return "unknown"
}

var (
	ErrAlreadyStarted = errors.New("already started")

	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrCircuitOpen       = errors.New("circuit breaker open")

	ErrMalformedJSON       = errors.New("malformed json")
	ErrMissingServiceName  = errors.New("missing serviceName")
	ErrUnsupportedService  = errors.New("unsupported service")
	ErrInvalidData         = errors.New("invalid data format")
	ErrValidationFailed    = errors.New("validation failed")
	ErrPathTraversal       = errors.New("path escapes static root")
	ErrMissingCapabilities = errors.New("missing business capability")

	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// sentinelClass classifies bare sentinels that reach a caller without a
// ClassifiedError around them.
var sentinelClass = []struct {
	err   error
	class ErrorClass
}{
	{ErrMalformedJSON, ErrorInvalid},
	{ErrMissingServiceName, ErrorInvalid},
	{ErrUnsupportedService, ErrorInvalid},
	{ErrInvalidData, ErrorInvalid},
	{ErrValidationFailed, ErrorInvalid},
	{ErrPathTraversal, ErrorInvalid},
	{ErrInvalidConfig, ErrorFatal},
	{ErrMissingConfig, ErrorFatal},
	{ErrMissingCapabilities, ErrorFatal},
	{ErrAlreadyStarted, ErrorFatal},
}

// ClassifiedError carries a class and the component and operation that
// produced it.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Component string
	Operation string
}

func (ce *ClassifiedError) Error() string { return ce.Err.Error() }

func (ce *ClassifiedError) Unwrap() error { return ce.Err }

// Classify returns the class of err. An explicit ClassifiedError wins, then
// the known sentinels; anything else, including deadlines, is transient.
func Classify(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	for _, s := range sentinelClass {
		if errors.Is(err, s.err) {
			return s.class
		}
	}
	return ErrorTransient
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == ErrorTransient
}

// IsInvalid reports whether err was caused by bad input.
func IsInvalid(err error) bool {
	return err != nil && Classify(err) == ErrorInvalid
}

// IsFatal reports whether err should stop the component.
func IsFatal(err error) bool {
	return err != nil && Classify(err) == ErrorFatal
}

// Retryable is a retry filter: transient errors are retried unless the
// caller's own context ended.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return IsTransient(err)
}

// Wrap adds context in the form "component.method: action failed: err".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapClass(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Err:       Wrap(err, component, method, action),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps err as retryable.
func WrapTransient(err error, component, method, action string) error {
	return wrapClass(ErrorTransient, err, component, method, action)
}

// WrapInvalid wraps err as bad input.
func WrapInvalid(err error, component, method, action string) error {
	return wrapClass(ErrorInvalid, err, component, method, action)
}

// WrapFatal wraps err as unrecoverable.
func WrapFatal(err error, component, method, action string) error {
	return wrapClass(ErrorFatal, err, component, method, action)
}

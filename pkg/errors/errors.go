// Package errors provides structured error handling for pool services.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType categorizes errors for retry and reporting decisions.
type ErrorType string

const (
	// ErrorTypeNetwork represents network-level failures.
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeValidation represents malformed or rejected input.
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeDatabase represents Postgres/Redis/Influx failures.
	ErrorTypeDatabase ErrorType = "database"
	// ErrorTypeLitecoin represents litecoind RPC failures.
	ErrorTypeLitecoin ErrorType = "litecoin"
	// ErrorTypeKafka represents messaging failures.
	ErrorTypeKafka ErrorType = "kafka"
	// ErrorTypeTimeout represents deadline failures.
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal represents everything else.
	ErrorTypeInternal ErrorType = "internal"
)

// ServiceError is an error with type, operation and optional context.
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s operation '%s' failed: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s operation '%s' failed: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// WithContext attaches a key/value pair to the error.
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a ServiceError of the given type.
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableType(errorType),
	}
}

// Wrap wraps err with type and operation context. Returns nil for a nil err.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	retryable := retryableCause(err)
	var se *ServiceError
	if errors.As(err, &se) {
		retryable = se.Retryable
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

func retryableType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeKafka:
		return true
	default:
		return false
	}
}

// retryableCause classifies raw errors by common transient patterns.
func retryableCause(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, transient := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"network unreachable",
		"timeout",
		"temporary failure",
		"too many connections",
	} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}

// IsType reports whether err is a ServiceError of the given type.
func IsType(err error, errorType ErrorType) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Type == errorType
	}
	return false
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return retryableCause(err)
}

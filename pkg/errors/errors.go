package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeOracleParse is malformed or unparseable backend output
	ErrorTypeOracleParse ErrorType = "oracle_parse"
	// ErrorTypeOracleUnavailable covers network failures, timeouts and missing backends
	ErrorTypeOracleUnavailable ErrorType = "oracle_unavailable"
	// ErrorTypeStoreUnavailable means the persistence layer failed
	ErrorTypeStoreUnavailable ErrorType = "store_unavailable"
	// ErrorTypeValidation is a request missing required identifiers
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNotFound is a lookup that matched nothing
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeSourceUnavailable means a remote document could not be fetched
	ErrorTypeSourceUnavailable ErrorType = "source_unavailable"
)

// BaseError is the base error type with common fields
type BaseError struct {
	Type      ErrorType
	Message   string
	Timestamp time.Time
	Err       error
}

func (e *BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *BaseError) Unwrap() error {
	return e.Err
}

func NewBaseError(errType ErrorType, message string, err error) *BaseError {
	return &BaseError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// ErrOracleParse is returned when a backend reply holds no usable JSON object
type ErrOracleParse struct {
	*BaseError
	Backend string
}

func NewOracleParse(backend string, err error) *ErrOracleParse {
	return &ErrOracleParse{
		BaseError: NewBaseError(ErrorTypeOracleParse, fmt.Sprintf("unparseable output from %s", backend), err),
		Backend:   backend,
	}
}

// ErrOracleUnavailable is returned when a backend cannot be reached or no backend answered
type ErrOracleUnavailable struct {
	*BaseError
	Backend string
}

func NewOracleUnavailable(backend string, err error) *ErrOracleUnavailable {
	return &ErrOracleUnavailable{
		BaseError: NewBaseError(ErrorTypeOracleUnavailable, fmt.Sprintf("backend unavailable: %s", backend), err),
		Backend:   backend,
	}
}

// ErrStoreUnavailable wraps any persistence failure
type ErrStoreUnavailable struct {
	*BaseError
	Operation string
}

func NewStoreUnavailable(operation string, err error) *ErrStoreUnavailable {
	return &ErrStoreUnavailable{
		BaseError: NewBaseError(ErrorTypeStoreUnavailable, fmt.Sprintf("failed to %s", operation), err),
		Operation: operation,
	}
}

// ErrValidation is returned before any state is touched
type ErrValidation struct {
	*BaseError
	Field  string
	Reason string
}

func NewValidation(field, reason string) *ErrValidation {
	return &ErrValidation{
		BaseError: NewBaseError(ErrorTypeValidation, fmt.Sprintf("invalid %s: %s", field, reason), nil),
		Field:     field,
		Reason:    reason,
	}
}

type ErrNotFound struct {
	*BaseError
	Kind string
	ID   string
}

func NewNotFound(kind, id string) *ErrNotFound {
	return &ErrNotFound{
		BaseError: NewBaseError(ErrorTypeNotFound, fmt.Sprintf("%s not found: %s", kind, id), nil),
		Kind:      kind,
		ID:        id,
	}
}

type ErrSourceUnavailable struct {
	*BaseError
	URL string
}

func NewSourceUnavailable(url string, err error) *ErrSourceUnavailable {
	return &ErrSourceUnavailable{
		BaseError: NewBaseError(ErrorTypeSourceUnavailable, fmt.Sprintf("failed to fetch %s", url), err),
		URL:       url,
	}
}

// typed is implemented by every error in this package through the embedded *BaseError.
type typed interface {
	error
	errorType() ErrorType
}

func (e *BaseError) errorType() ErrorType {
	return e.Type
}

// IsErrorType reports whether any error in err's chain is of errType.
func IsErrorType(err error, errType ErrorType) bool {
	for err != nil {
		if t, ok := err.(typed); ok && t.errorType() == errType {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// IsRetryable reports whether the queue should schedule another attempt.
// Validation and not-found failures will fail the same way on every attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsErrorType(err, ErrorTypeValidation) || IsErrorType(err, ErrorTypeNotFound) {
		return false
	}
	return true
}

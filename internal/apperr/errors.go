// Package apperr holds the billing error taxonomy shared by services, the
// payment gateway and HTTP handlers.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrGateway     = errors.New("payment gateway error")
	ErrDeclined    = errors.New("charge declined")
	ErrTransaction = errors.New("transaction failed")
)

// ValidationError reports bad caller input (unknown plan, malformed user id).
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func Validation(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NotFoundError reports an unknown user, subscription or payment.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func NotFound(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

// ConflictError covers duplicate pending checkout sessions and optimistic
// version mismatches on subscription rows.
type ConflictError struct {
	Entity  string
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %s", e.Entity, e.Message)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

func Conflict(entity, message string) *ConflictError {
	return &ConflictError{Entity: entity, Message: message}
}

// GatewayError is a provider-side or network fault. It is retryable unless
// the provider said otherwise.
type GatewayError struct {
	Op        string
	Code      string
	Timeout   bool
	Retryable bool
	Err       error
}

func (e *GatewayError) Error() string {
	msg := "payment gateway " + e.Op + " failed"
	if e.Timeout {
		msg += " (timeout)"
	}
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error { return e.Err }

func (e *GatewayError) Is(target error) bool { return target == ErrGateway }

// DeclinedError is a non-retryable charge failure. It counts as a renewal
// failure.
type DeclinedError struct {
	Code    string
	Message string
}

func (e *DeclinedError) Error() string {
	if e.Code == "" {
		return "charge declined: " + e.Message
	}
	return fmt.Sprintf("charge declined [%s]: %s", e.Code, e.Message)
}

func (e *DeclinedError) Is(target error) bool { return target == ErrDeclined }

// TransactionError wraps any failure that rolled back a multi-step write.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s: transaction rolled back: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

func (e *TransactionError) Is(target error) bool { return target == ErrTransaction }

// IsRetryable reports whether err is a gateway fault worth retrying with the
// same idempotency key.
func IsRetryable(err error) bool {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Retryable
	}
	return false
}

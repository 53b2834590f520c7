package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsMatchSentinels(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"validation", Validation("plan", "unknown plan"), ErrValidation},
		{"not found", NotFound("user", "42"), ErrNotFound},
		{"conflict", Conflict("subscription", "version changed"), ErrConflict},
		{"gateway", &GatewayError{Op: "charge"}, ErrGateway},
		{"declined", &DeclinedError{Code: "card_declined"}, ErrDeclined},
		{"transaction", &TransactionError{Op: "delete user", Err: errors.New("boom")}, ErrTransaction},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tc.err)
			assert.ErrorIs(t, wrapped, tc.sentinel)
		})
	}
}

func TestGatewayErrorUnwrap(t *testing.T) {
	err := &GatewayError{Op: "charge", Timeout: true, Retryable: true, Err: context.DeadlineExceeded}

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "timeout")
	assert.True(t, IsRetryable(fmt.Errorf("wrap: %w", err)))
	assert.False(t, IsRetryable(&DeclinedError{Code: "card_declined"}))
	assert.False(t, IsRetryable(&GatewayError{Op: "charge", Retryable: false}))
}

func TestTransactionErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := &TransactionError{Op: "delete user", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "delete user: transaction rolled back: disk full", err.Error())
}

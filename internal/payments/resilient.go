package payments

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/apperr"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/metrics"
	"github.com/cenkalti/backoff/v4"
)

// Resilient decorates a Gateway with a per-call timeout and at most one
// automatic retry. Retries reuse the request unchanged, so the provider sees
// the same idempotency key both times.
type Resilient struct {
	next       Gateway
	timeout    time.Duration
	retryDelay time.Duration
	metrics    *metrics.Billing
	logger     *slog.Logger
}

func NewResilient(next Gateway, timeout, retryDelay time.Duration, m *metrics.Billing, logger *slog.Logger) *Resilient {
	return &Resilient{
		next:       next,
		timeout:    timeout,
		retryDelay: retryDelay,
		metrics:    m,
		logger:     logger.With("component", "gateway"),
	}
}

func (r *Resilient) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	var sess *CheckoutSession
	err := r.call(ctx, "checkout", req.IdempotencyKey, func(callCtx context.Context) error {
		var err error
		sess, err = r.next.CreateCheckoutSession(callCtx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (r *Resilient) ChargeRenewal(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	var res *ChargeResult
	err := r.call(ctx, "charge", req.IdempotencyKey, func(callCtx context.Context) error {
		var err error
		res, err = r.next.ChargeRenewal(callCtx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Resilient) ExpireCheckoutSession(ctx context.Context, sessionID string) error {
	return r.call(ctx, "expire", sessionID, func(callCtx context.Context) error {
		return r.next.ExpireCheckoutSession(callCtx, sessionID)
	})
}

func (r *Resilient) ParseWebhook(payload []byte, signature string) (*Event, error) {
	return r.next.ParseWebhook(payload, signature)
}

func (r *Resilient) call(ctx context.Context, op, key string, fn func(context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		start := time.Now()
		err := classify(callCtx, op, fn(callCtx))
		r.metrics.ObserveGatewayCall(op, outcomeLabel(err), time.Since(start))
		if err == nil {
			return nil
		}
		if !apperr.IsRetryable(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(r.retryDelay), 1), ctx)
	return backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		r.logger.Warn("gateway call failed, retrying with same idempotency key",
			"op", op, "idempotency_key", key, "attempt", attempt, "wait", wait, "error", err)
	})
}

// classify turns deadline overruns into retryable timeout GatewayErrors and
// wraps untyped failures; declines and validation errors pass through.
func classify(callCtx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, apperr.ErrDeclined) || errors.Is(err, apperr.ErrValidation) {
		return err
	}

	timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded)
	var gwErr *apperr.GatewayError
	if errors.As(err, &gwErr) {
		if timedOut && !gwErr.Timeout {
			return &apperr.GatewayError{Op: op, Code: gwErr.Code, Timeout: true, Retryable: true, Err: err}
		}
		return err
	}
	return &apperr.GatewayError{Op: op, Timeout: timedOut, Retryable: true, Err: err}
}

func outcomeLabel(err error) string {
	var gwErr *apperr.GatewayError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperr.ErrDeclined):
		return "declined"
	case errors.As(err, &gwErr) && gwErr.Timeout:
		return "timeout"
	default:
		return "error"
	}
}

// Package paymentstest provides an in-memory payments.Gateway that honours
// idempotency keys the way the real provider does.
package paymentstest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/apperr"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/payments"
	"github.com/google/uuid"
)

// ValidSignature is the only webhook signature Fake accepts.
const ValidSignature = "t=1,v1=fake"

type chargeOutcome struct {
	result *payments.ChargeResult
	err    error
}

// Fake records every call. ChargeFunc decides the outcome of the first call
// for an idempotency key; later calls with that key replay it. Retryable
// gateway errors are not remembered, matching a request that never reached
// the provider.
type Fake struct {
	ChargeFunc  func(ctx context.Context, req payments.ChargeRequest) (*payments.ChargeResult, error)
	SessionFunc func(ctx context.Context, req payments.CheckoutRequest) (*payments.CheckoutSession, error)
	ExpireFunc  func(ctx context.Context, sessionID string) error

	mu       sync.Mutex
	calls    []payments.ChargeRequest
	outcomes map[string]chargeOutcome
	sessions []payments.CheckoutRequest
	expired  []string
}

func NewFake() *Fake {
	return &Fake{outcomes: make(map[string]chargeOutcome)}
}

func (f *Fake) CreateCheckoutSession(ctx context.Context, req payments.CheckoutRequest) (*payments.CheckoutSession, error) {
	f.mu.Lock()
	f.sessions = append(f.sessions, req)
	fn := f.SessionFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	id := "cs_test_" + uuid.NewString()[:8]
	return &payments.CheckoutSession{
		ID:        id,
		URL:       "https://checkout.example.com/pay/" + id,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}

func (f *Fake) ExpireCheckoutSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	fn := f.ExpireFunc
	f.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, sessionID); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.expired = append(f.expired, sessionID)
	f.mu.Unlock()
	return nil
}

func (f *Fake) ChargeRenewal(ctx context.Context, req payments.ChargeRequest) (*payments.ChargeResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	if prev, ok := f.outcomes[req.IdempotencyKey]; ok {
		f.mu.Unlock()
		return prev.result, prev.err
	}
	fn := f.ChargeFunc
	f.mu.Unlock()

	var (
		res *payments.ChargeResult
		err error
	)
	if fn != nil {
		res, err = fn(ctx, req)
	} else {
		res = &payments.ChargeResult{ProviderPaymentID: "pi_" + uuid.NewString()[:8], Status: payments.ChargeSucceeded}
	}

	if !apperr.IsRetryable(err) {
		f.mu.Lock()
		if _, ok := f.outcomes[req.IdempotencyKey]; !ok {
			f.outcomes[req.IdempotencyKey] = chargeOutcome{result: res, err: err}
		}
		f.mu.Unlock()
	}
	return res, err
}

// ParseWebhook accepts a JSON-encoded payments.Event signed with
// ValidSignature.
func (f *Fake) ParseWebhook(payload []byte, signature string) (*payments.Event, error) {
	if signature != ValidSignature {
		return nil, apperr.Validation("signature", "signature mismatch")
	}
	var event payments.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, apperr.Validation("payload", err.Error())
	}
	event.Payload = payload
	return &event, nil
}

// Calls returns every ChargeRenewal request received, replays included.
func (f *Fake) Calls() []payments.ChargeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]payments.ChargeRequest(nil), f.calls...)
}

// ChargedKeys returns the distinct idempotency keys the provider settled.
func (f *Fake) ChargedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.outcomes))
	for k := range f.outcomes {
		keys = append(keys, k)
	}
	return keys
}

func (f *Fake) Sessions() []payments.CheckoutRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]payments.CheckoutRequest(nil), f.sessions...)
}

// ExpiredSessions returns the session ids closed through ExpireCheckoutSession.
func (f *Fake) ExpiredSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.expired...)
}

// Processing returns a ChargeFunc whose charges are accepted but not yet
// settled by the provider.
func Processing(providerPaymentID string) func(context.Context, payments.ChargeRequest) (*payments.ChargeResult, error) {
	return func(context.Context, payments.ChargeRequest) (*payments.ChargeResult, error) {
		return &payments.ChargeResult{ProviderPaymentID: providerPaymentID, Status: payments.ChargeProcessing}, nil
	}
}

// Decline returns a ChargeFunc that declines every charge.
func Decline(code string) func(context.Context, payments.ChargeRequest) (*payments.ChargeResult, error) {
	return func(context.Context, payments.ChargeRequest) (*payments.ChargeResult, error) {
		return nil, &apperr.DeclinedError{Code: code, Message: "card declined"}
	}
}

// SignedEvent encodes event the way ParseWebhook expects it.
func SignedEvent(event payments.Event) ([]byte, string) {
	payload, _ := json.Marshal(event)
	return payload, ValidSignature
}

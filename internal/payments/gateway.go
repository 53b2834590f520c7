// Package payments is the boundary to the external payment provider.
package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Gateway is the contract with the payment provider.
//
// ChargeRenewal must be safe to call again with the same IdempotencyKey: the
// provider returns the original outcome instead of charging twice.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	ChargeRenewal(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	// ExpireCheckoutSession closes a session so it can no longer be paid.
	ExpireCheckoutSession(ctx context.Context, sessionID string) error
	ParseWebhook(payload []byte, signature string) (*Event, error)
}

type CheckoutRequest struct {
	UserID         uuid.UUID
	Email          string
	Plan           Plan
	IdempotencyKey string
	SuccessURL     string
	CancelURL      string
	// TTL is how long the session stays payable at the provider.
	TTL time.Duration
}

type CheckoutSession struct {
	ID        string
	URL       string
	ExpiresAt time.Time
}

type ChargeRequest struct {
	SubscriptionID  uuid.UUID
	UserID          uuid.UUID
	IdempotencyKey  string
	AmountCents     int64
	Currency        string
	CustomerID      string
	PaymentMethodID string
}

// Charge statuses reported in ChargeResult.Status.
const (
	ChargeSucceeded = "succeeded"
	// ChargeProcessing means the provider accepted the charge but has not
	// settled it; the outcome arrives later as a charge webhook.
	ChargeProcessing = "processing"
)

type ChargeResult struct {
	ProviderPaymentID string
	Status            string
}

type EventType string

const (
	EventCheckoutCompleted EventType = "checkout.completed"
	EventCheckoutExpired   EventType = "checkout.expired"
	EventChargeSucceeded   EventType = "charge.succeeded"
	EventChargeFailed      EventType = "charge.failed"
	EventIgnored           EventType = "ignored"
)

// Event is a provider webhook translated into billing terms.
type Event struct {
	ID                string
	Type              EventType
	ProviderType      string
	SessionID         string
	ProviderPaymentID string
	IdempotencyKey    string
	CustomerID        string
	PaymentMethodID   string
	UserID            string
	Plan              string
	FailureReason     string
	Payload           []byte
}

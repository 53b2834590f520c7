package payments

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/apperr"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

const (
	metadataUserID         = "user_id"
	metadataPlan           = "plan"
	metadataSubscriptionID = "subscription_id"
	metadataIdempotencyKey = "idempotency_key"

	webhookLookupTimeout = 10 * time.Second

	// Stripe accepts expires_at between 30 minutes and 24 hours after
	// creation; the floor leaves headroom for request latency.
	minCheckoutTTL = 31 * time.Minute
	maxCheckoutTTL = 24 * time.Hour
)

// checkoutExpiry is the expires_at Stripe gets for a session opened at now.
func checkoutExpiry(now time.Time, ttl time.Duration) int64 {
	switch {
	case ttl < minCheckoutTTL:
		ttl = minCheckoutTTL
	case ttl > maxCheckoutTTL:
		ttl = maxCheckoutTTL
	}
	return now.Add(ttl).Unix()
}

// StripeGateway implements Gateway on top of the Stripe API.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
	logger        *slog.Logger
}

// NewStripeGateway builds a Stripe client with SDK-level network retries
// disabled; retry policy belongs to Resilient so one idempotency key is never
// sent more than twice.
func NewStripeGateway(secretKey, webhookSecret string, logger *slog.Logger) *StripeGateway {
	backendConfig := &stripe.BackendConfig{MaxNetworkRetries: stripe.Int64(0)}
	api := &client.API{}
	api.Init(secretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendConfig),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendConfig),
	})
	return &StripeGateway{
		api:           api,
		webhookSecret: webhookSecret,
		logger:        logger.With("component", "stripe"),
	}
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	metadata := map[string]string{
		metadataUserID: req.UserID.String(),
		metadataPlan:   req.Plan.Name,
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.UserID.String()),
		CustomerCreation:  stripe.String(string(stripe.CheckoutSessionCustomerCreationAlways)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(req.Plan.Currency),
					UnitAmount: stripe.Int64(req.Plan.AmountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("Premium (" + req.Plan.Name + ")"),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			SetupFutureUsage: stripe.String(string(stripe.PaymentIntentSetupFutureUsageOffSession)),
			Metadata:         metadata,
		},
		Metadata:  metadata,
		ExpiresAt: stripe.Int64(checkoutExpiry(time.Now(), req.TTL)),
	}
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	sess, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		g.logStripeError("CreateCheckoutSession", err)
		return nil, mapStripeError("create checkout session", err)
	}

	g.logger.Info("checkout session created", "session_id", sess.ID, "user_id", req.UserID, "plan", req.Plan.Name)
	return &CheckoutSession{
		ID:        sess.ID,
		URL:       sess.URL,
		ExpiresAt: time.Unix(sess.ExpiresAt, 0).UTC(),
	}, nil
}

func (g *StripeGateway) ExpireCheckoutSession(ctx context.Context, sessionID string) error {
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	if _, err := g.api.CheckoutSessions.Expire(sessionID, params); err != nil {
		g.logStripeError("ExpireCheckoutSession", err)
		return mapStripeError("expire checkout session", err)
	}
	g.logger.Info("checkout session expired", "session_id", sessionID)
	return nil
}

func (g *StripeGateway) ChargeRenewal(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if req.CustomerID == "" || req.PaymentMethodID == "" {
		return nil, &apperr.DeclinedError{Code: "no_payment_method", Message: "subscription has no saved payment method"}
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(req.Currency),
		Customer:      stripe.String(req.CustomerID),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
		Metadata: map[string]string{
			metadataUserID:         req.UserID.String(),
			metadataSubscriptionID: req.SubscriptionID.String(),
			metadataIdempotencyKey: req.IdempotencyKey,
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	intent, err := g.api.PaymentIntents.New(params)
	if err != nil {
		g.logStripeError("ChargeRenewal", err)
		return nil, mapStripeError("charge renewal", err)
	}

	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return &ChargeResult{ProviderPaymentID: intent.ID, Status: ChargeSucceeded}, nil
	case stripe.PaymentIntentStatusProcessing:
		// settles later through the charge webhooks
		return &ChargeResult{ProviderPaymentID: intent.ID, Status: ChargeProcessing}, nil
	default:
		return nil, &apperr.DeclinedError{Code: string(intent.Status), Message: "payment intent " + intent.ID + " not completed"}
	}
}

func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (*Event, error) {
	raw, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, apperr.Validation("signature", err.Error())
	}

	event := &Event{ID: raw.ID, ProviderType: string(raw.Type), Type: EventIgnored, Payload: payload}

	switch raw.Type {
	case "checkout.session.completed", "checkout.session.expired":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(raw.Data.Raw, &sess); err != nil {
			return nil, apperr.Validation("payload", "malformed checkout session: "+err.Error())
		}
		event.Type = EventCheckoutExpired
		if raw.Type == "checkout.session.completed" {
			event.Type = EventCheckoutCompleted
		}
		event.SessionID = sess.ID
		event.UserID = sess.ClientReferenceID
		event.Plan = sess.Metadata[metadataPlan]
		if sess.Customer != nil {
			event.CustomerID = sess.Customer.ID
		}
		if sess.PaymentIntent != nil {
			event.ProviderPaymentID = sess.PaymentIntent.ID
			if event.Type == EventCheckoutCompleted {
				pm, err := g.paymentMethodOf(sess.PaymentIntent)
				if err != nil {
					return nil, err
				}
				event.PaymentMethodID = pm
			}
		}
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(raw.Data.Raw, &intent); err != nil {
			return nil, apperr.Validation("payload", "malformed payment intent: "+err.Error())
		}
		key := intent.Metadata[metadataIdempotencyKey]
		if key == "" {
			// checkout-originated intents are settled through the session events
			return event, nil
		}
		event.Type = EventChargeSucceeded
		if raw.Type == "payment_intent.payment_failed" {
			event.Type = EventChargeFailed
			if intent.LastPaymentError != nil {
				event.FailureReason = intent.LastPaymentError.Msg
			}
		}
		event.IdempotencyKey = key
		event.ProviderPaymentID = intent.ID
		event.UserID = intent.Metadata[metadataUserID]
	}

	return event, nil
}

func (g *StripeGateway) paymentMethodOf(intent *stripe.PaymentIntent) (string, error) {
	if intent.PaymentMethod != nil && intent.PaymentMethod.ID != "" {
		return intent.PaymentMethod.ID, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), webhookLookupTimeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	full, err := g.api.PaymentIntents.Get(intent.ID, params)
	if err != nil {
		g.logStripeError("GetPaymentIntent", err)
		return "", mapStripeError("get payment intent", err)
	}
	if full.PaymentMethod == nil {
		return "", nil
	}
	return full.PaymentMethod.ID, nil
}

func (g *StripeGateway) logStripeError(operation string, err error) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		g.logger.Error("stripe api error",
			"operation", operation,
			"type", string(stripeErr.Type),
			"code", string(stripeErr.Code),
			"decline_code", string(stripeErr.DeclineCode),
			"message", stripeErr.Msg,
			"request_id", stripeErr.RequestID,
			"status_code", stripeErr.HTTPStatusCode,
		)
		return
	}
	g.logger.Error("stripe request failed", "operation", operation, "error", err)
}

// mapStripeError sorts Stripe failures into declines (never retried) and
// gateway faults (retried once with the same idempotency key).
func mapStripeError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &apperr.GatewayError{Op: op, Timeout: true, Retryable: true, Err: err}
	}

	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return &apperr.GatewayError{Op: op, Retryable: true, Err: err}
	}

	switch {
	case stripeErr.Type == stripe.ErrorTypeCard:
		code := string(stripeErr.DeclineCode)
		if code == "" {
			code = string(stripeErr.Code)
		}
		return &apperr.DeclinedError{Code: code, Message: stripeErr.Msg}
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
		stripeErr.Code == "idempotency_key_in_use":
		return &apperr.GatewayError{Op: op, Code: string(stripeErr.Code), Retryable: true, Err: err}
	default:
		return &apperr.GatewayError{Op: op, Code: string(stripeErr.Code), Retryable: false, Err: err}
	}
}

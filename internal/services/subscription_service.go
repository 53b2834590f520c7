package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/apperr"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/events"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/models"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/payments"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/store"
	"gorm.io/datatypes"
)

const webhookProvider = "stripe"

// SubscriptionService reconciles provider webhooks with local billing state.
type SubscriptionService struct {
	store    *store.Store
	catalog  *payments.Catalog
	renewals *RenewalService
	events   events.Publisher
	logger   *slog.Logger
}

func NewSubscriptionService(st *store.Store, catalog *payments.Catalog, renewals *RenewalService, publisher events.Publisher, logger *slog.Logger) *SubscriptionService {
	return &SubscriptionService{
		store:    st,
		catalog:  catalog,
		renewals: renewals,
		events:   publisher,
		logger:   logger.With("component", "webhooks"),
	}
}

// HandleWebhookEvent processes a verified provider event once. Redeliveries
// of an event that was processed successfully are acknowledged and ignored.
func (s *SubscriptionService) HandleWebhookEvent(ctx context.Context, event *payments.Event) error {
	if event.Type == payments.EventIgnored {
		s.logger.Debug("ignoring webhook event", "event_id", event.ID, "provider_type", event.ProviderType)
		return nil
	}

	record := &models.WebhookEvent{
		Provider:        webhookProvider,
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		Payload:         datatypes.JSON(event.Payload),
	}
	stored, fresh, err := s.store.RecordWebhookEvent(ctx, record)
	if err != nil {
		return err
	}
	if !fresh {
		s.logger.Info("duplicate webhook event", "event_id", event.ID, "type", event.Type)
		return nil
	}

	var procErr error
	switch event.Type {
	case payments.EventCheckoutCompleted:
		procErr = s.handleCheckoutCompleted(ctx, event)
	case payments.EventCheckoutExpired:
		procErr = s.handleCheckoutExpired(ctx, event)
	case payments.EventChargeSucceeded:
		procErr = s.renewals.ReconcileCharge(ctx, event.IdempotencyKey, ChargeOutcome{
			Succeeded:         true,
			ProviderPaymentID: event.ProviderPaymentID,
		})
	case payments.EventChargeFailed:
		procErr = s.renewals.ReconcileCharge(ctx, event.IdempotencyKey, ChargeOutcome{
			ProviderPaymentID: event.ProviderPaymentID,
			FailureReason:     event.FailureReason,
		})
	}

	if err := s.store.MarkWebhookProcessed(ctx, stored.ID, procErr); err != nil {
		s.logger.Error("failed to mark webhook event", "event_id", event.ID, "error", err)
	}
	if procErr != nil {
		s.logger.Error("webhook processing failed", "event_id", event.ID, "type", event.Type, "error", procErr)
	}
	return procErr
}

func (s *SubscriptionService) handleCheckoutCompleted(ctx context.Context, event *payments.Event) error {
	var activated *models.Subscription
	err := retryOnConflict(func() error {
		activated = nil
		return s.store.WithTx(ctx, func(tx *store.Store) error {
			payment, err := tx.FindPaymentBySession(ctx, event.SessionID)
			if err != nil {
				return err
			}
			now := time.Now().UTC().Truncate(time.Second)
			settled, err := tx.SettlePayment(ctx, payment, store.Settlement{
				Status:            models.PaymentSucceeded,
				ProviderPaymentID: event.ProviderPaymentID,
				At:                now,
			})
			if err != nil {
				return err
			}
			if !settled {
				if payment.Status != models.PaymentExpired {
					s.logger.Warn("checkout payment already settled", "session_id", event.SessionID, "status", payment.Status)
					return nil
				}
				// paid after it was expired locally; the customer still gets the plan
				correction, err := s.recordLateCheckout(ctx, tx, payment, event, now)
				if err != nil || correction == nil {
					return err
				}
				payment = correction
			}

			plan, err := s.catalog.Lookup(payment.Plan)
			if err != nil {
				return err
			}

			sub, err := tx.GetSubscriptionByUser(ctx, payment.UserID)
			switch {
			case errors.Is(err, apperr.ErrNotFound):
				sub = &models.Subscription{
					UserID:                  payment.UserID,
					Status:                  models.SubscriptionActive,
					Plan:                    plan.Name,
					CurrentPeriodStart:      now,
					CurrentPeriodEnd:        plan.NextPeriodEndAnchored(now, now.Day()),
					BillingAnchorDay:        now.Day(),
					ProviderCustomerID:      event.CustomerID,
					ProviderPaymentMethodID: event.PaymentMethodID,
				}
				if err := tx.CreateSubscription(ctx, sub); err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				start := now
				if sub.CurrentPeriodEnd.After(now) {
					start = sub.CurrentPeriodEnd
				} else {
					sub.BillingAnchorDay = now.Day()
				}
				if sub.BillingAnchorDay == 0 {
					sub.BillingAnchorDay = start.Day()
				}
				sub.Status = models.SubscriptionActive
				sub.Plan = plan.Name
				sub.RenewalAttempts = 0
				sub.CurrentPeriodStart = start
				sub.CurrentPeriodEnd = plan.NextPeriodEndAnchored(start, sub.BillingAnchorDay)
				sub.LastChargeIdempotencyKey = ""
				if event.CustomerID != "" {
					sub.ProviderCustomerID = event.CustomerID
				}
				if event.PaymentMethodID != "" {
					sub.ProviderPaymentMethodID = event.PaymentMethodID
				}
				if err := tx.UpdateSubscription(ctx, sub); err != nil {
					return err
				}
			}

			if err := tx.AttachSubscription(ctx, payment, sub.ID); err != nil {
				return err
			}
			activated = sub
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("checkout %s: %w", event.SessionID, err)
	}

	if activated != nil {
		s.logger.Info("subscription activated", "user_id", activated.UserID, "subscription_id", activated.ID, "plan", activated.Plan)
		publishSubscriptionEvent(ctx, s.events, s.logger, events.SubscriptionActivated, activated)
	}
	return nil
}

// recordLateCheckout writes the succeeded correction row for a checkout that
// was paid after being expired locally. It returns nil when a correction was
// already recorded for it.
func (s *SubscriptionService) recordLateCheckout(
	ctx context.Context,
	tx *store.Store,
	expired *models.Payment,
	event *payments.Event,
	at time.Time,
) (*models.Payment, error) {
	correctionKey := expired.IdempotencyKey + "-correction"
	if _, err := tx.FindPaymentByKey(ctx, correctionKey); err == nil {
		return nil, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	correction := &models.Payment{
		UserID:            expired.UserID,
		Kind:              models.PaymentKindCorrection,
		Plan:              expired.Plan,
		Status:            models.PaymentSucceeded,
		AmountCents:       expired.AmountCents,
		Currency:          expired.Currency,
		ProviderPaymentID: event.ProviderPaymentID,
		IdempotencyKey:    correctionKey,
		SettledAt:         &at,
	}
	if err := tx.CreatePayment(ctx, correction); err != nil {
		return nil, err
	}
	s.logger.Warn("expired checkout was paid, correction recorded",
		"user_id", expired.UserID, "session_id", event.SessionID, "idempotency_key", expired.IdempotencyKey)
	return correction, nil
}

func (s *SubscriptionService) handleCheckoutExpired(ctx context.Context, event *payments.Event) error {
	payment, err := s.store.FindPaymentBySession(ctx, event.SessionID)
	if errors.Is(err, apperr.ErrNotFound) {
		s.logger.Warn("expired checkout has no payment record", "session_id", event.SessionID)
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.store.SettlePayment(ctx, payment, store.Settlement{
		Status:        models.PaymentExpired,
		FailureReason: "checkout session expired",
		At:            time.Now().UTC(),
	})
	return err
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreatePayment inserts p. A taken idempotency key yields ErrDuplicate.
func (s *Store) CreatePayment(ctx context.Context, p *models.Payment) error {
	if err := s.conn(ctx).Create(p).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("payment %s: %w", p.IdempotencyKey, ErrDuplicate)
		}
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

func (s *Store) FindPaymentByKey(ctx context.Context, key string) (*models.Payment, error) {
	var p models.Payment
	if err := s.conn(ctx).Where("idempotency_key = ?", key).First(&p).Error; err != nil {
		return nil, notFound(err, "payment", key)
	}
	return &p, nil
}

func (s *Store) FindPaymentBySession(ctx context.Context, sessionID string) (*models.Payment, error) {
	var p models.Payment
	err := s.conn(ctx).
		Where("provider_session_id = ? AND kind = ?", sessionID, models.PaymentKindCheckout).
		First(&p).Error
	if err != nil {
		return nil, notFound(err, "payment", "session "+sessionID)
	}
	return &p, nil
}

// HasSucceededCyclePayment reports whether any successful payment (renewal
// or correction) already covers the cycle.
func (s *Store) HasSucceededCyclePayment(ctx context.Context, subscriptionID uuid.UUID, cycleKey string) (bool, error) {
	var count int64
	err := s.conn(ctx).Model(&models.Payment{}).
		Where("subscription_id = ? AND cycle_key = ? AND status = ?", subscriptionID, cycleKey, models.PaymentSucceeded).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check cycle payments: %w", err)
	}
	return count > 0, nil
}

// PendingCyclePayment returns the unsettled renewal attempt of a cycle, or
// nil when there is none.
func (s *Store) PendingCyclePayment(ctx context.Context, subscriptionID uuid.UUID, cycleKey string) (*models.Payment, error) {
	var p models.Payment
	err := s.conn(ctx).
		Where("subscription_id = ? AND cycle_key = ? AND kind = ? AND status = ?",
			subscriptionID, cycleKey, models.PaymentKindRenewal, models.PaymentPending).
		Order("created_at ASC").
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending renewal payment: %w", err)
	}
	return &p, nil
}

// LatestPendingCheckout returns the newest pending checkout payment of user
// for plan, or nil when there is none.
func (s *Store) LatestPendingCheckout(ctx context.Context, userID uuid.UUID, plan string) (*models.Payment, error) {
	var p models.Payment
	err := s.conn(ctx).
		Where("user_id = ? AND plan = ? AND kind = ? AND status = ?",
			userID, plan, models.PaymentKindCheckout, models.PaymentPending).
		Order("created_at DESC").
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending checkout: %w", err)
	}
	return &p, nil
}

// Settlement is the terminal outcome written to a pending payment.
type Settlement struct {
	Status            string
	ProviderPaymentID string
	FailureReason     string
	At                time.Time
}

// SettlePayment moves a pending payment to its terminal status. It returns
// false when the row was already settled; settled rows are never rewritten.
func (s *Store) SettlePayment(ctx context.Context, p *models.Payment, st Settlement) (bool, error) {
	updates := map[string]interface{}{
		"status":         st.Status,
		"failure_reason": st.FailureReason,
		"settled_at":     st.At,
	}
	if st.ProviderPaymentID != "" {
		updates["provider_payment_id"] = st.ProviderPaymentID
	}

	result := s.conn(ctx).Model(&models.Payment{}).
		Where("id = ? AND status = ?", p.ID, models.PaymentPending).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("failed to settle payment %s: %w", p.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	p.Status = st.Status
	p.FailureReason = st.FailureReason
	at := st.At
	p.SettledAt = &at
	if st.ProviderPaymentID != "" {
		p.ProviderPaymentID = st.ProviderPaymentID
	}
	return true, nil
}

// RecordProviderPayment stores the provider's id on a payment that is still
// pending, marking it as accepted by the provider and awaiting settlement.
func (s *Store) RecordProviderPayment(ctx context.Context, p *models.Payment, providerPaymentID string) error {
	err := s.conn(ctx).Model(&models.Payment{}).
		Where("id = ? AND status = ?", p.ID, models.PaymentPending).
		Update("provider_payment_id", providerPaymentID).Error
	if err != nil {
		return fmt.Errorf("failed to record provider payment on %s: %w", p.ID, err)
	}
	p.ProviderPaymentID = providerPaymentID
	return nil
}

// AttachSubscription links a checkout payment to the subscription it created.
func (s *Store) AttachSubscription(ctx context.Context, p *models.Payment, subscriptionID uuid.UUID) error {
	err := s.conn(ctx).Model(&models.Payment{}).
		Where("id = ?", p.ID).
		Update("subscription_id", subscriptionID).Error
	if err != nil {
		return fmt.Errorf("failed to link payment %s: %w", p.ID, err)
	}
	p.SubscriptionID = &subscriptionID
	return nil
}

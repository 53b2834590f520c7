package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/models"
	"github.com/google/uuid"
)

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := s.conn(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, notFound(err, "user", id.String())
	}
	return &user, nil
}

// ListDueSubscriptions returns every active or past_due subscription whose
// period ended at or before now, oldest first.
func (s *Store) ListDueSubscriptions(ctx context.Context, now time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := s.conn(ctx).
		Where("status IN ? AND current_period_end <= ?",
			[]string{models.SubscriptionActive, models.SubscriptionPastDue}, now).
		Order("current_period_end ASC, id ASC").
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list due subscriptions: %w", err)
	}
	return subs, nil
}

func (s *Store) GetSubscription(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	if err := s.conn(ctx).Where("id = ?", id).First(&sub).Error; err != nil {
		return nil, notFound(err, "subscription", id.String())
	}
	return &sub, nil
}

func (s *Store) GetSubscriptionByUser(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	if err := s.conn(ctx).Where("user_id = ?", userID).First(&sub).Error; err != nil {
		return nil, notFound(err, "subscription", "for user "+userID.String())
	}
	return &sub, nil
}

func (s *Store) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	if err := s.conn(ctx).Create(sub).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("subscription for user %s: %w", sub.UserID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// UpdateSubscription writes sub only if the stored version still equals
// sub.Version, then bumps the version on both sides. A stale sub yields
// ErrVersionConflict.
func (s *Store) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	now := time.Now().UTC()
	result := s.conn(ctx).Model(&models.Subscription{}).
		Where("id = ? AND version = ?", sub.ID, sub.Version).
		Updates(map[string]interface{}{
			"status":                      sub.Status,
			"plan":                        sub.Plan,
			"current_period_start":        sub.CurrentPeriodStart,
			"current_period_end":          sub.CurrentPeriodEnd,
			"renewal_attempts":            sub.RenewalAttempts,
			"billing_anchor_day":          sub.BillingAnchorDay,
			"last_charge_idempotency_key": sub.LastChargeIdempotencyKey,
			"provider_customer_id":        sub.ProviderCustomerID,
			"provider_payment_method_id":  sub.ProviderPaymentMethodID,
			"version":                     sub.Version + 1,
			"updated_at":                  now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update subscription %s: %w", sub.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}
	sub.Version++
	sub.UpdatedAt = now
	return nil
}

package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/apperr"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/events"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/metrics"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AccountService struct {
	db      *gorm.DB
	events  events.Publisher
	metrics *metrics.Billing
	logger  *slog.Logger
}

func NewAccountService(db *gorm.DB, publisher events.Publisher, m *metrics.Billing, logger *slog.Logger) *AccountService {
	return &AccountService{db: db, events: publisher, metrics: m, logger: logger.With("component", "accounts")}
}

// DeleteUser removes the user and everything that references it in one
// transaction: recommendations, subscriptions, payments, then the user row.
// Either all of it is gone when DeleteUser returns nil, or none of it is.
func (s *AccountService) DeleteUser(ctx context.Context, userID uuid.UUID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.First(&user, "id = ?", userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("user", userID.String())
			}
			return err
		}

		if err := tx.Where("user_id = ?", userID).Delete(&models.Recommendation{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&models.Subscription{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&models.Payment{}).Error; err != nil {
			return err
		}
		return tx.Delete(&user).Error
	})

	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			s.metrics.IncAccountDeletion("not_found")
			return err
		}
		s.metrics.IncAccountDeletion("rolled_back")
		s.logger.Error("account deletion rolled back", "user_id", userID, "error", err)
		return &apperr.TransactionError{Op: "delete user", Err: err}
	}

	s.metrics.IncAccountDeletion("deleted")
	s.logger.Info("account deleted", "user_id", userID)

	if err := s.events.Publish(ctx, events.Event{
		Type:       events.AccountDeleted,
		UserID:     userID.String(),
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("failed to publish lifecycle event", "type", events.AccountDeleted, "user_id", userID, "error", err)
	}
	return nil
}

package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/apperr"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/models"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/payments"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/store"
	"github.com/google/uuid"
)

type CheckoutConfig struct {
	SessionTTL time.Duration
	SuccessURL string
	CancelURL  string
}

type CheckoutService struct {
	store   *store.Store
	gateway payments.Gateway
	catalog *payments.Catalog
	cfg     CheckoutConfig
	logger  *slog.Logger
}

func NewCheckoutService(st *store.Store, gateway payments.Gateway, catalog *payments.Catalog, cfg CheckoutConfig, logger *slog.Logger) *CheckoutService {
	return &CheckoutService{
		store:   st,
		gateway: gateway,
		catalog: catalog,
		cfg:     cfg,
		logger:  logger.With("component", "checkout"),
	}
}

// CreateCheckoutSession opens a provider checkout for userID on planName and
// records it as a pending checkout payment.
func (s *CheckoutService) CreateCheckoutSession(ctx context.Context, userID uuid.UUID, planName string) (*payments.CheckoutSession, error) {
	plan, err := s.catalog.Lookup(planName)
	if err != nil {
		return nil, err
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	pending, err := s.store.LatestPendingCheckout(ctx, userID, plan.Name)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		if time.Since(pending.CreatedAt) < s.cfg.SessionTTL {
			return nil, apperr.Conflict("checkout", "a checkout for plan "+plan.Name+" is already pending")
		}
		if _, err := s.store.SettlePayment(ctx, pending, store.Settlement{
			Status:        models.PaymentExpired,
			FailureReason: "superseded by a new checkout",
			At:            time.Now().UTC(),
		}); err != nil {
			return nil, err
		}
		if pending.ProviderSessionID != "" {
			if err := s.gateway.ExpireCheckoutSession(ctx, pending.ProviderSessionID); err != nil {
				// a completion that still lands is recorded as a correction
				s.logger.Warn("failed to expire superseded checkout session",
					"user_id", userID, "session_id", pending.ProviderSessionID, "error", err)
			}
		}
	}

	key := "chk_" + uuid.NewString()
	sess, err := s.gateway.CreateCheckoutSession(ctx, payments.CheckoutRequest{
		UserID:         user.ID,
		Email:          user.Email,
		Plan:           plan,
		IdempotencyKey: key,
		SuccessURL:     s.cfg.SuccessURL,
		CancelURL:      s.cfg.CancelURL,
		TTL:            s.cfg.SessionTTL,
	})
	if err != nil {
		s.logger.Error("checkout session creation failed", "user_id", userID, "plan", plan.Name, "error", err)
		return nil, err
	}

	payment := &models.Payment{
		UserID:            user.ID,
		Kind:              models.PaymentKindCheckout,
		Plan:              plan.Name,
		Status:            models.PaymentPending,
		AmountCents:       plan.AmountCents,
		Currency:          plan.Currency,
		ProviderSessionID: sess.ID,
		IdempotencyKey:    key,
	}
	if err := s.store.CreatePayment(ctx, payment); err != nil {
		return nil, err
	}

	s.logger.Info("checkout started", "user_id", userID, "plan", plan.Name, "session_id", sess.ID)
	return sess, nil
}

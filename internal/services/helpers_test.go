package services

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/events"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/lock"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/models"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/payments"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/payments/paymentstest"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/store"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type billingFixture struct {
	db       *gorm.DB
	store    *store.Store
	gateway  *paymentstest.Fake
	events   *events.Recorder
	locker   *lock.Memory
	catalog  *payments.Catalog
	renewals *RenewalService
	webhooks *SubscriptionService
	checkout *CheckoutService
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBillingFixture(t *testing.T) *billingFixture {
	t.Helper()
	db := testutil.NewDB(t)
	f := &billingFixture{
		db:      db,
		store:   store.New(db),
		gateway: paymentstest.NewFake(),
		events:  &events.Recorder{},
		locker:  lock.NewMemory(),
		catalog: payments.NewCatalog("usd", 999, 9999),
	}
	f.renewals = NewRenewalService(f.store, f.gateway, f.catalog, f.locker, f.events, nil, RenewalConfig{
		MaxAttempts:       3,
		Workers:           4,
		LockTTL:           time.Minute,
		PendingStaleAfter: 15 * time.Minute,
	}, discardLogger())
	f.webhooks = NewSubscriptionService(f.store, f.catalog, f.renewals, f.events, discardLogger())
	f.checkout = NewCheckoutService(f.store, f.gateway, f.catalog, CheckoutConfig{
		SessionTTL: time.Hour,
		SuccessURL: "https://app.example.com/success",
		CancelURL:  "https://app.example.com/cancel",
	}, discardLogger())
	return f
}

func (f *billingFixture) reload(t *testing.T, id uuid.UUID) *models.Subscription {
	t.Helper()
	var sub models.Subscription
	require.NoError(t, f.db.First(&sub, "id = ?", id).Error)
	return &sub
}

func (f *billingFixture) payments(t *testing.T, subID uuid.UUID) []models.Payment {
	t.Helper()
	var rows []models.Payment
	require.NoError(t, f.db.Where("subscription_id = ?", subID).Order("created_at ASC").Find(&rows).Error)
	return rows
}

// Package testutil provides a migrated SQLite-backed gorm.DB and fixtures for
// package tests.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/database"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB opens a file-backed SQLite database in t.TempDir and migrates the
// billing schema. A single connection serialises writers the way row locks
// would in Postgres.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "billing.db") + "?_busy_timeout=5000&_foreign_keys=1"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

// Time returns a UTC timestamp truncated to the second.
func Time(year int, month time.Month, day, hour int) time.Time {
	return time.Date(year, month, day, hour, 0, 0, 0, time.UTC)
}

func CreateUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()
	id := uuid.New()
	user := &models.User{ID: id, Email: id.String() + "@example.com", DisplayName: "tester"}
	require.NoError(t, db.Create(user).Error)
	return user
}

// CreateSubscription stores a subscription for user with the given status,
// plan, period end and attempt count.
func CreateSubscription(t *testing.T, db *gorm.DB, user *models.User, status, plan string, periodEnd time.Time, attempts int) *models.Subscription {
	t.Helper()
	sub := &models.Subscription{
		UserID:                  user.ID,
		Status:                  status,
		Plan:                    plan,
		CurrentPeriodStart:      periodEnd.AddDate(0, -1, 0),
		CurrentPeriodEnd:        periodEnd,
		RenewalAttempts:         attempts,
		ProviderCustomerID:      "cus_" + user.ID.String()[:8],
		ProviderPaymentMethodID: "pm_" + user.ID.String()[:8],
	}
	require.NoError(t, db.Create(sub).Error)
	return sub
}

func CreatePayment(t *testing.T, db *gorm.DB, user *models.User, status string) *models.Payment {
	t.Helper()
	payment := &models.Payment{
		UserID:         user.ID,
		Kind:           models.PaymentKindCheckout,
		Plan:           models.PlanMonthly,
		Status:         status,
		AmountCents:    999,
		Currency:       "usd",
		IdempotencyKey: "test_" + uuid.NewString(),
	}
	require.NoError(t, db.Create(payment).Error)
	return payment
}

func CreateRecommendation(t *testing.T, db *gorm.DB, user *models.User, title string) *models.Recommendation {
	t.Helper()
	rec := &models.Recommendation{UserID: user.ID, Title: title, Body: "body of " + title}
	require.NoError(t, db.Create(rec).Error)
	return rec
}

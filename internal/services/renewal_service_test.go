package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/apperr"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/events"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/lock"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/models"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/payments"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/payments/paymentstest"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/store"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestNextRenewalState(t *testing.T) {
	monthly := payments.Plan{Name: models.PlanMonthly, Months: 1}
	end := testutil.Time(2026, 3, 1, 0)

	cases := []struct {
		name        string
		cur         RenewalState
		charged     bool
		maxAttempts int
		want        RenewalState
	}{
		{
			name:        "active renews",
			cur:         RenewalState{Status: models.SubscriptionActive, CurrentPeriodEnd: end},
			charged:     true,
			maxAttempts: 3,
			want:        RenewalState{Status: models.SubscriptionActive, CurrentPeriodStart: end, CurrentPeriodEnd: testutil.Time(2026, 4, 1, 0)},
		},
		{
			name:        "past due recovers and resets attempts",
			cur:         RenewalState{Status: models.SubscriptionPastDue, RenewalAttempts: 2, CurrentPeriodEnd: end},
			charged:     true,
			maxAttempts: 3,
			want:        RenewalState{Status: models.SubscriptionActive, CurrentPeriodStart: end, CurrentPeriodEnd: testutil.Time(2026, 4, 1, 0)},
		},
		{
			name:        "first failure goes past due",
			cur:         RenewalState{Status: models.SubscriptionActive, CurrentPeriodEnd: end},
			maxAttempts: 3,
			want:        RenewalState{Status: models.SubscriptionPastDue, RenewalAttempts: 1, CurrentPeriodEnd: end},
		},
		{
			name:        "second failure stays past due",
			cur:         RenewalState{Status: models.SubscriptionPastDue, RenewalAttempts: 1, CurrentPeriodEnd: end},
			maxAttempts: 3,
			want:        RenewalState{Status: models.SubscriptionPastDue, RenewalAttempts: 2, CurrentPeriodEnd: end},
		},
		{
			name:        "exhausted attempts cancel",
			cur:         RenewalState{Status: models.SubscriptionPastDue, RenewalAttempts: 2, CurrentPeriodEnd: end},
			maxAttempts: 3,
			want:        RenewalState{Status: models.SubscriptionCanceled, RenewalAttempts: 3, CurrentPeriodEnd: end},
		},
		{
			name:        "renewal after a short month returns to the anchor day",
			cur:         RenewalState{Status: models.SubscriptionActive, CurrentPeriodEnd: testutil.Time(2026, 2, 28, 0), AnchorDay: 31},
			charged:     true,
			maxAttempts: 3,
			want: RenewalState{
				Status:             models.SubscriptionActive,
				CurrentPeriodStart: testutil.Time(2026, 2, 28, 0),
				CurrentPeriodEnd:   testutil.Time(2026, 3, 31, 0),
				AnchorDay:          31,
			},
		},
		{
			name:        "single attempt budget cancels immediately",
			cur:         RenewalState{Status: models.SubscriptionActive, CurrentPeriodEnd: end},
			maxAttempts: 1,
			want:        RenewalState{Status: models.SubscriptionCanceled, RenewalAttempts: 1, CurrentPeriodEnd: end},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NextRenewalState(tc.cur, monthly, tc.charged, tc.maxAttempts))
		})
	}
}

func TestCycleAndAttemptKeys(t *testing.T) {
	id := uuid.MustParse("0b7e8f1c-3c55-4f0e-9a3c-6c1f0f5b2a11")
	end := testutil.Time(2026, 3, 1, 0)

	key := CycleKey(id, end)
	assert.Equal(t, key, CycleKey(id, end.In(time.FixedZone("UTC+3", 3*3600))))
	assert.NotEqual(t, key, CycleKey(id, end.AddDate(0, 1, 0)))
	assert.NotEqual(t, key, CycleKey(uuid.New(), end))
	assert.Regexp(t, `^rnw_[0-9a-f]{24}$`, key)

	istanbul, err := time.LoadLocation("Europe/Istanbul")
	require.NoError(t, err)
	lateUTC := time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)
	assert.Equal(t, key+"-20260301", AttemptKey(key, lateUTC, time.UTC))
	assert.Equal(t, key+"-20260302", AttemptKey(key, lateUTC, istanbul))
}

func TestProcessDueRenewalsRenews(t *testing.T) {
	ctx := context.Background()
	f := newBillingFixture(t)
	now := testutil.Time(2026, 3, 1, 0)
	sub := testutil.CreateSubscription(t, f.db, testutil.CreateUser(t, f.db), models.SubscriptionActive, models.PlanMonthly, now, 0)

	report, err := f.renewals.ProcessDueRenewals(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Selected)
	assert.Equal(t, 1, report.Renewed)

	got := f.reload(t, sub.ID)
	assert.Equal(t, models.SubscriptionActive, got.Status)
	assert.Equal(t, 0, got.RenewalAttempts)
	assert.True(t, got.CurrentPeriodEnd.Equal(testutil.Time(2026, 4, 1, 0)), got.CurrentPeriodEnd)
	assert.True(t, got.CurrentPeriodStart.Equal(now))

	rows := f.payments(t, sub.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, models.PaymentSucceeded, rows[0].Status)
	assert.Equal(t, models.PaymentKindRenewal, rows[0].Kind)
	assert.Equal(t, int64(999), rows[0].AmountCents)
	assert.Equal(t, AttemptKey(CycleKey(sub.ID, now), now, time.UTC), rows[0].IdempotencyKey)
	assert.Equal(t, rows[0].IdempotencyKey, got.LastChargeIdempotencyKey)
	assert.NotEmpty(t, rows[0].ProviderPaymentID)

	calls := f.gateway.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, rows[0].IdempotencyKey, calls[0].IdempotencyKey)
	assert.Equal(t, sub.ProviderPaymentMethodID, calls[0].PaymentMethodID)

	assert.Equal(t, []string{events.SubscriptionRenewed}, f.events.Types())

	var run models.RenewalRun
	require.NoError(t, f.db.First(&run, "id = ?", report.RunID).Error)
	assert.Equal(t, models.RenewalRunCompleted, run.Status)
	assert.Equal(t, 1, run.Renewed)
	assert.NotNil(t, run.FinishedAt)
}

func TestProcessDueRenewalsFailureGoesPastDue(t *testing.T) {
	f := newBillingFixture(t)
	f.gateway.ChargeFunc = paymentstest.Decline("insufficient_funds")
	now := testutil.Time(2026, 3, 1, 0)
	sub := testutil.CreateSubscription(t, f.db, testutil.CreateUser(t, f.db), models.SubscriptionActive, models.PlanMonthly, now, 0)

	report, err := f.renewals.ProcessDueRenewals(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PastDue)

	got := f.reload(t, sub.ID)
	assert.Equal(t, models.SubscriptionPastDue, got.Status)
	assert.Equal(t, 1, got.RenewalAttempts)
	assert.True(t, got.CurrentPeriodEnd.Equal(now))

	rows := f.payments(t, sub.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, models.PaymentFailed, rows[0].Status)
	assert.Contains(t, rows[0].FailureReason, "insufficient_funds")
	assert.Equal(t, []string{events.SubscriptionPastDue}, f.events.Types())
}

func TestProcessDueRenewalsExhaustsAttempts(t *testing.T) {
	f := newBillingFixture(t)
	f.gateway.ChargeFunc = paymentstest.Decline("card_declined")
	now := testutil.Time(2026, 3, 1, 0)
	sub := testutil.CreateSubscription(t, f.db, testutil.CreateUser(t, f.db), models.SubscriptionPastDue, models.PlanMonthly, now, 2)

	report, err := f.renewals.ProcessDueRenewals(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Canceled)

	got := f.reload(t, sub.ID)
	assert.Equal(t, models.SubscriptionCanceled, got.Status)
	assert.Equal(t, 3, got.RenewalAttempts)

	rows := f.payments(t, sub.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, models.PaymentFailed, rows[0].Status)
	assert.Equal(t, []string{events.SubscriptionCanceled}, f.events.Types())
}

func TestGatewayFaultCountsAsFailure(t *testing.T) {
	f := newBillingFixture(t)
	f.gateway.ChargeFunc = func(context.Context, payments.ChargeRequest) (*payments.ChargeResult, error) {
		return nil, &apperr.GatewayError{Op: "charge", Timeout: true, Retryable: true, Err: context.DeadlineExceeded}
	}
	now := testutil.Time(2026, 3, 1, 0)
	sub := testutil.CreateSubscription(t, f.db, testutil.CreateUser(t, f.db), models.SubscriptionActive, models.PlanMonthly, now, 0)

	report, err := f.renewals.ProcessDueRenewals(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PastDue)
	assert.Equal(t, models.SubscriptionPastDue, f.reload(t, sub.ID).Status)
}

func TestProcessDueRenewalsIsIdempotent(t *testing.T) {
	cases := []struct {
		name       string
		chargeFunc func(context.Context, payments.ChargeRequest) (*payments.ChargeResult, error)
		wantStatus string
		wantPaid   string
	}{
		{name: "success", wantStatus: models.SubscriptionActive, wantPaid: models.PaymentSucceeded},
		{name: "decline", chargeFunc: paymentstest.Decline("card_declined"), wantStatus: models.SubscriptionPastDue, wantPaid: models.PaymentFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f := newBillingFixture(t)
			f.gateway.ChargeFunc = tc.chargeFunc
			now := testutil.Time(2026, 3, 1, 0)
			sub := testutil.CreateSubscription(t, f.db, testutil.CreateUser(t, f.db), models.SubscriptionActive, models.PlanMonthly, now, 0)

			_, err := f.renewals.ProcessDueRenewals(ctx, now)
			require.NoError(t, err)
			first := f.reload(t, sub.ID)

			_, err = f.renewals.ProcessDueRenewals(ctx, now)
			require.NoError(t, err)
			second := f.reload(t, sub.ID)

			assert.Equal(t, tc.wantStatus, second.Status)
			assert.Equal(t, first.Version, second.Version)
			assert.Equal(t, first.RenewalAttempts, second.RenewalAttempts)
			assert.True(t, first.CurrentPeriodEnd.Equal(second.CurrentPeriodEnd))

			rows := f.payments(t, sub.ID)
			require.Len(t, rows, 1)
			assert.Equal(t, tc.wantPaid, rows[0].Status)
			assert.Len(t, f.gateway.ChargedKeys(), 1)
		})
	}
}

func TestPastDueRetriesNextDay(t *testing.T) {
	ctx := context.Background()
	f := newBillingFixture(t)
	f.gateway.ChargeFunc = paymentstest.Decline("card_declined")
	day1 := testutil.Time(2026, 3, 1, 0)
	sub := testutil.CreateSubscription(t, f.db, testutil.CreateUser(t, f.db), models.SubscriptionActive, models.PlanMonthly, day1, 0)

	_, err := f.renewals.ProcessDueRenewals(ctx, day1)
	require.NoError(t, err)

	f.gateway.ChargeFunc = nil
	report, err := f.renewals.ProcessDueRenewals(ctx, day1.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Renewed)

	got := f.reload(t, sub.ID)
	assert.Equal(t, models.SubscriptionActive, got.Status)
	assert.Equal(t, 0, got.RenewalAttempts)
	assert.True(t, got.CurrentPeriodEnd.Equal(testutil.Time(2026, 4, 1, 0)))

	rows := f.payments(t, sub.ID)
	require.Len(t, rows, 2)
	assert.Equal(t, rows[0].CycleKey, rows[1].CycleKey)
	assert.NotEqual(t, rows[0].IdempotencyKey, rows[1].IdempotencyKey)
}

func TestConcurrentRenewalsChargeOnce(t *testing.T) {
	ctx := context.Background()
	f := newBillingFixture(t)
	f.gateway.ChargeFunc = func(context.Context, payments.ChargeRequest) (*payments.ChargeResult, error) {
		time.Sleep(20 * time.Millisecond)
		return &payments.ChargeResult{ProviderPaymentID: "pi_slow", Status: "succeeded"}, nil
	}
	now := testutil.Time(2026, 3, 1, 0)
	sub := testutil.CreateSubscription(t, f.db, testutil.CreateUser(t, f.db), models.SubscriptionActive, models.PlanMonthly, now, 0)

	// separate lockers: only the database claim stands between the two runs
	other := NewRenewalService(f.store, f.gateway, f.catalog, lock.NewMemory(), f.events, nil, RenewalConfig{
		MaxAttempts: 3, Workers: 2, LockTTL: time.Minute, PendingStaleAfter: 15 * time.Minute,
	}, discardLogger())

	var wg sync.WaitGroup
	for _, svc := range []*RenewalService{f.renewals, other} {
		wg.Add(1)
		go func(svc *RenewalService) {
			defer wg.Done()
			_, err := svc.ProcessDueRenewals(ctx, now)
			assert.NoError(t, err)
		}(svc)
	}
	wg.Wait()

	assert.Len(t, f.gateway.Calls(), 1)
	rows := f.payments(t, sub.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, models.PaymentSucceeded, rows[0].Status)

	got := f.reload(t, sub.ID)
	assert.True(t, got.CurrentPeriodEnd.Equal(testutil.Time(2026, 4, 1, 0)))
	assert.Equal(t, 3, got.Version)
}

func TestRunLockHeld(t *testing.T) {
	ctx := context.Background()
	f := newBillingFixture(t)
	now := testutil.Time(2026, 3, 1, 0)
	testutil.CreateSubscription(t, f.db, testutil.CreateUser(t, f.db), models.SubscriptionActive, models.PlanMonthly, now, 0)

	release, err := f.locker.Acquire(ctx, renewalLockName, time.Minute)
	require.NoError(t, err)

	_, err = f.renewals.ProcessDueRenewals(ctx, now)
	assert.ErrorIs(t, err, ErrRenewalInProgress)
	assert.Empty(t, f.gateway.Calls())

	require.NoError(t, release(ctx))
	report, err := f.renewals.ProcessDueRenewals(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Renewed)
}

func TestItemFailuresAreIsolated(t *testing.T) {
	f := newBillingFixture(t)
	now := testutil.Time(2026, 3, 1, 0)
	good1 := testutil.CreateSubscription(t, f.db, testutil.CreateUser(t, f.db), models.SubscriptionActive, models.PlanMonthly, now, 0)
	broken := testutil.CreateSubscription(t, f.db, testutil.CreateUser(t, f.db), models.SubscriptionActive, models.PlanMonthly, now, 0)
	good2 := testutil.CreateSubscription(t, f.db, testutil.CreateUser(t, f.db), models.SubscriptionPastDue, models.PlanAnnual, now, 1)
	require.NoError(t, f.db.Model(&models.Subscription{}).Where("id = ?", broken.ID).Update("plan", "weekly").Error)

	report, err := f.renewals.ProcessDueRenewals(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Selected)
	assert.Equal(t, 2, report.Renewed)
	assert.Equal(t, 1, report.Errored)

	assert.Equal(t, models.SubscriptionActive, f.reload(t, good1.ID).Status)
	assert.True(t, f.reload(t, good2.ID).CurrentPeriodEnd.Equal(testutil.Time(2027, 3, 1, 0)))
	assert.Equal(t, models.SubscriptionActive, f.reload(t, broken.ID).Status)
	assert.Empty(t, f.payments(t, broken.ID))
}

func TestSettledCycleIsNotChargedAgain(t *testing.T) {
	f := newBillingFixture(t)
	now := testutil.Time(2026, 3, 1, 0)
	user := testutil.CreateUser(t, f.db)
	sub := testutil.CreateSubscription(t, f.db, user, models.SubscriptionPastDue, models.PlanMonthly, now, 1)

	cycle := CycleKey(sub.ID, now)
	settledAt := now.Add(time.Hour)
	paid := &models.Payment{
		UserID: user.ID, SubscriptionID: &sub.ID, Kind: models.PaymentKindCorrection, Plan: sub.Plan,
		Status: models.PaymentSucceeded, AmountCents: 999, Currency: "usd",
		IdempotencyKey: cycle + "-20260228-correction", CycleKey: cycle, PeriodEnd: &now, SettledAt: &settledAt,
	}
	require.NoError(t, f.db.Create(paid).Error)

	report, err := f.renewals.ProcessDueRenewals(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Renewed)
	assert.Empty(t, f.gateway.Calls())

	got := f.reload(t, sub.ID)
	assert.Equal(t, models.SubscriptionActive, got.Status)
	assert.Equal(t, 0, got.RenewalAttempts)
	assert.True(t, got.CurrentPeriodEnd.Equal(testutil.Time(2026, 4, 1, 0)))
	assert.Len(t, f.payments(t, sub.ID), 1)
}

func TestPendingAttempts(t *testing.T) {
	cases := []struct {
		name      string
		age       time.Duration
		wantCalls int
		wantState string
	}{
		{name: "fresh attempt is left alone", age: time.Minute, wantCalls: 0, wantState: models.SubscriptionActive},
		{name: "stale attempt resumes with its key", age: time.Hour, wantCalls: 1, wantState: models.SubscriptionActive},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newBillingFixture(t)
			now := testutil.Time(2026, 3, 1, 0)
			user := testutil.CreateUser(t, f.db)
			sub := testutil.CreateSubscription(t, f.db, user, models.SubscriptionActive, models.PlanMonthly, now, 0)

			cycle := CycleKey(sub.ID, now)
			pending := &models.Payment{
				UserID: user.ID, SubscriptionID: &sub.ID, Kind: models.PaymentKindRenewal, Plan: sub.Plan,
				Status: models.PaymentPending, AmountCents: 999, Currency: "usd",
				IdempotencyKey: cycle + "-20260228", CycleKey: cycle, PeriodEnd: &now,
				CreatedAt: time.Now().UTC().Add(-tc.age),
			}
			require.NoError(t, f.db.Create(pending).Error)

			_, err := f.renewals.ProcessDueRenewals(context.Background(), now)
			require.NoError(t, err)

			calls := f.gateway.Calls()
			require.Len(t, calls, tc.wantCalls)
			rows := f.payments(t, sub.ID)
			require.Len(t, rows, 1)

			if tc.wantCalls == 1 {
				assert.Equal(t, pending.IdempotencyKey, calls[0].IdempotencyKey)
				assert.Equal(t, models.PaymentSucceeded, rows[0].Status)
				assert.True(t, f.reload(t, sub.ID).CurrentPeriodEnd.Equal(testutil.Time(2026, 4, 1, 0)))
			} else {
				assert.Equal(t, models.PaymentPending, rows[0].Status)
				assert.True(t, f.reload(t, sub.ID).CurrentPeriodEnd.Equal(now))
			}
			assert.Equal(t, tc.wantState, f.reload(t, sub.ID).Status)
		})
	}
}

func TestProcessingChargeAwaitsNotification(t *testing.T) {
	ctx := context.Background()
	f := newBillingFixture(t)
	f.gateway.ChargeFunc = paymentstest.Processing("pi_processing")
	day1 := testutil.Time(2026, 3, 1, 0)
	sub := testutil.CreateSubscription(t, f.db, testutil.CreateUser(t, f.db), models.SubscriptionPastDue, models.PlanMonthly, day1, 2)

	report, err := f.renewals.ProcessDueRenewals(ctx, day1)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Canceled)

	got := f.reload(t, sub.ID)
	assert.Equal(t, models.SubscriptionPastDue, got.Status)
	assert.Equal(t, 2, got.RenewalAttempts)
	assert.Empty(t, f.events.Types())

	rows := f.payments(t, sub.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, models.PaymentPending, rows[0].Status)
	assert.Equal(t, "pi_processing", rows[0].ProviderPaymentID)

	// still unsettled well past the stale window: the provider owns the outcome
	require.NoError(t, f.db.Model(&models.Payment{}).Where("id = ?", rows[0].ID).
		Update("created_at", time.Now().UTC().Add(-2*time.Hour)).Error)
	report, err = f.renewals.ProcessDueRenewals(ctx, day1.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Len(t, f.gateway.Calls(), 1)
	assert.Len(t, f.payments(t, sub.ID), 1)

	require.NoError(t, f.renewals.ReconcileCharge(ctx, rows[0].IdempotencyKey, ChargeOutcome{Succeeded: true, ProviderPaymentID: "pi_processing"}))

	got = f.reload(t, sub.ID)
	assert.Equal(t, models.SubscriptionActive, got.Status)
	assert.Equal(t, 0, got.RenewalAttempts)
	assert.True(t, got.CurrentPeriodEnd.Equal(testutil.Time(2026, 4, 1, 0)))
	assert.Equal(t, []string{events.SubscriptionRenewed}, f.events.Types())
}

func TestRenewalKeepsAnchorAfterShortMonth(t *testing.T) {
	ctx := context.Background()
	f := newBillingFixture(t)
	feb := testutil.Time(2026, 2, 28, 0)
	sub := testutil.CreateSubscription(t, f.db, testutil.CreateUser(t, f.db), models.SubscriptionActive, models.PlanMonthly, feb, 0)
	require.NoError(t, f.db.Model(&models.Subscription{}).Where("id = ?", sub.ID).Update("billing_anchor_day", 31).Error)

	_, err := f.renewals.ProcessDueRenewals(ctx, feb)
	require.NoError(t, err)

	got := f.reload(t, sub.ID)
	assert.True(t, got.CurrentPeriodEnd.Equal(testutil.Time(2026, 3, 31, 0)), got.CurrentPeriodEnd)
	assert.Equal(t, 31, got.BillingAnchorDay)
}

func TestCanceledContextLeavesAttemptPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newBillingFixture(t)
	f.gateway.ChargeFunc = func(context.Context, payments.ChargeRequest) (*payments.ChargeResult, error) {
		cancel()
		return nil, &apperr.GatewayError{Op: "charge", Retryable: true, Err: context.Canceled}
	}
	now := testutil.Time(2026, 3, 1, 0)
	sub := testutil.CreateSubscription(t, f.db, testutil.CreateUser(t, f.db), models.SubscriptionActive, models.PlanMonthly, now, 0)

	report, err := f.renewals.ProcessDueRenewals(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errored)

	got := f.reload(t, sub.ID)
	assert.Equal(t, models.SubscriptionActive, got.Status)
	assert.Equal(t, 0, got.RenewalAttempts)
	rows := f.payments(t, sub.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, models.PaymentPending, rows[0].Status)
}

func TestStoreUnreachableAbortsRun(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	gateway := paymentstest.NewFake()
	svc := NewRenewalService(store.New(db), gateway, payments.NewCatalog("usd", 999, 9999), lock.NewMemory(), events.Nop{}, nil,
		RenewalConfig{MaxAttempts: 3, Workers: 2, LockTTL: time.Minute}, discardLogger())

	report, err := svc.ProcessDueRenewals(context.Background(), testutil.Time(2026, 3, 1, 0))
	assert.Nil(t, report)
	assert.ErrorContains(t, err, "connection refused")
	assert.Empty(t, gateway.Calls())
	assert.NoError(t, mock.ExpectationsWereMet())
}

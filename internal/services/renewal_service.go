package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/apperr"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/events"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/lock"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/metrics"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/models"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/payments"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrRenewalInProgress is returned when another renewal run holds the lock.
var ErrRenewalInProgress = errors.New("renewal run already in progress")

const renewalLockName = "renewal-run"

type RenewalConfig struct {
	MaxAttempts       int
	Workers           int
	LockTTL           time.Duration
	PendingStaleAfter time.Duration
	// Location fixes the calendar day an attempt belongs to.
	Location *time.Location
}

// RenewalReport summarises one batch.
type RenewalReport struct {
	RunID    uuid.UUID
	Selected int
	Renewed  int
	PastDue  int
	Canceled int
	Skipped  int
	Errored  int
	Duration time.Duration
}

type renewalOutcome string

const (
	outcomeRenewed  renewalOutcome = "renewed"
	outcomePastDue  renewalOutcome = "past_due"
	outcomeCanceled renewalOutcome = "canceled"
	outcomeSkipped  renewalOutcome = "skipped"
	outcomeErrored  renewalOutcome = "errored"
)

func (r *RenewalReport) add(o renewalOutcome) {
	switch o {
	case outcomeRenewed:
		r.Renewed++
	case outcomePastDue:
		r.PastDue++
	case outcomeCanceled:
		r.Canceled++
	case outcomeSkipped:
		r.Skipped++
	default:
		r.Errored++
	}
}

// RenewalState is the part of a subscription the renewal state machine owns.
type RenewalState struct {
	Status             string
	RenewalAttempts    int
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	AnchorDay          int
}

// NextRenewalState applies one charge outcome. A success starts the next
// period and resets the attempt counter; a failure counts an attempt and
// cancels once maxAttempts is reached.
func NextRenewalState(cur RenewalState, plan payments.Plan, charged bool, maxAttempts int) RenewalState {
	if charged {
		return RenewalState{
			Status:             models.SubscriptionActive,
			RenewalAttempts:    0,
			CurrentPeriodStart: cur.CurrentPeriodEnd,
			CurrentPeriodEnd:   plan.NextPeriodEndAnchored(cur.CurrentPeriodEnd, cur.AnchorDay),
			AnchorDay:          cur.AnchorDay,
		}
	}

	next := cur
	next.RenewalAttempts = cur.RenewalAttempts + 1
	if next.RenewalAttempts < maxAttempts {
		next.Status = models.SubscriptionPastDue
	} else {
		next.Status = models.SubscriptionCanceled
	}
	return next
}

// CycleKey identifies one billing cycle of a subscription. It is stable
// across runs so every attempt for the cycle derives from it.
func CycleKey(subscriptionID uuid.UUID, periodEnd time.Time) string {
	sum := sha256.Sum256([]byte(subscriptionID.String() + ":" + strconv.FormatInt(periodEnd.UTC().Unix(), 10)))
	return "rnw_" + hex.EncodeToString(sum[:12])
}

// AttemptKey is the provider idempotency key for the attempt made on the
// calendar day of now. Repeated runs on one day share the key, so a cycle is
// charged at most once per day.
func AttemptKey(cycleKey string, now time.Time, loc *time.Location) string {
	return cycleKey + "-" + now.In(loc).Format("20060102")
}

type RenewalService struct {
	store   *store.Store
	gateway payments.Gateway
	catalog *payments.Catalog
	locker  lock.Locker
	events  events.Publisher
	metrics *metrics.Billing
	cfg     RenewalConfig
	logger  *slog.Logger
}

func NewRenewalService(
	st *store.Store,
	gateway payments.Gateway,
	catalog *payments.Catalog,
	locker lock.Locker,
	publisher events.Publisher,
	m *metrics.Billing,
	cfg RenewalConfig,
	logger *slog.Logger,
) *RenewalService {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &RenewalService{
		store:   st,
		gateway: gateway,
		catalog: catalog,
		locker:  locker,
		events:  publisher,
		metrics: m,
		cfg:     cfg,
		logger:  logger.With("component", "renewals"),
	}
}

// ProcessDueRenewals renews or lapses every subscription due at now.
// Per-subscription failures are counted in the report; only an unreachable
// store aborts the run with an error.
func (s *RenewalService) ProcessDueRenewals(ctx context.Context, now time.Time) (*RenewalReport, error) {
	started := time.Now()
	now = now.UTC()

	release, err := s.locker.Acquire(ctx, renewalLockName, s.cfg.LockTTL)
	if errors.Is(err, lock.ErrHeld) {
		return nil, ErrRenewalInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire renewal lock: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to release renewal lock", "error", err)
		}
	}()

	run := &models.RenewalRun{StartedAt: started.UTC(), Status: models.RenewalRunRunning}
	if err := s.store.CreateRun(ctx, run); err != nil {
		s.metrics.ObserveBatch(models.RenewalRunFailed, time.Since(started))
		return nil, err
	}
	report := &RenewalReport{RunID: run.ID}

	due, err := s.store.ListDueSubscriptions(ctx, now)
	if err != nil {
		report.Duration = time.Since(started)
		s.finishRun(ctx, run, report, err)
		return nil, err
	}
	report.Selected = len(due)
	s.logger.Info("renewal run started", "run_id", run.ID, "due", len(due), "now", now)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.cfg.Workers)
	for _, sub := range due {
		subID := sub.ID
		g.Go(func() error {
			outcome, err := s.renewOne(ctx, subID, now)
			if err != nil {
				outcome = outcomeErrored
				s.logger.Error("renewal failed", "subscription_id", subID, "error", err)
			}
			mu.Lock()
			report.add(outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(started)
	s.finishRun(ctx, run, report, nil)

	s.logger.Info("renewal run finished",
		"run_id", run.ID,
		"selected", report.Selected,
		"renewed", report.Renewed,
		"past_due", report.PastDue,
		"canceled", report.Canceled,
		"skipped", report.Skipped,
		"errored", report.Errored,
		"duration_ms", report.Duration.Milliseconds(),
	)
	return report, nil
}

func (s *RenewalService) finishRun(ctx context.Context, run *models.RenewalRun, report *RenewalReport, runErr error) {
	finished := time.Now().UTC()
	run.FinishedAt = &finished
	run.Selected = report.Selected
	run.Renewed = report.Renewed
	run.PastDue = report.PastDue
	run.Canceled = report.Canceled
	run.Skipped = report.Skipped
	run.Errored = report.Errored
	run.Status = models.RenewalRunCompleted
	if runErr != nil {
		run.Status = models.RenewalRunFailed
		run.Error = runErr.Error()
	}

	s.metrics.ObserveBatch(run.Status, report.Duration)
	s.metrics.IncRenewalOutcome(string(outcomeRenewed), report.Renewed)
	s.metrics.IncRenewalOutcome(string(outcomePastDue), report.PastDue)
	s.metrics.IncRenewalOutcome(string(outcomeCanceled), report.Canceled)
	s.metrics.IncRenewalOutcome(string(outcomeSkipped), report.Skipped)
	s.metrics.IncRenewalOutcome(string(outcomeErrored), report.Errored)

	if err := s.store.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Error("failed to persist renewal run", "run_id", run.ID, "error", err)
	}
}

type claimAction int

const (
	claimSkip claimAction = iota
	claimCharge
	claimReconcile
)

type renewalClaim struct {
	action   claimAction
	sub      models.Subscription
	plan     payments.Plan
	cycleKey string
	payment  *models.Payment
}

// ChargeOutcome is a settled charge result from the batch or a webhook.
type ChargeOutcome struct {
	Succeeded         bool
	ProviderPaymentID string
	FailureReason     string
}

func (s *RenewalService) renewOne(ctx context.Context, subID uuid.UUID, now time.Time) (renewalOutcome, error) {
	c, err := s.claim(ctx, subID, now)
	if err != nil {
		return "", err
	}

	switch c.action {
	case claimSkip:
		return outcomeSkipped, nil
	case claimReconcile:
		s.logger.Info("cycle already paid, reconciling without charge", "subscription_id", subID, "cycle_key", c.cycleKey)
		return s.apply(ctx, c, ChargeOutcome{Succeeded: true})
	}

	res, chargeErr := s.gateway.ChargeRenewal(ctx, payments.ChargeRequest{
		SubscriptionID:  c.sub.ID,
		UserID:          c.sub.UserID,
		IdempotencyKey:  c.payment.IdempotencyKey,
		AmountCents:     c.payment.AmountCents,
		Currency:        c.payment.Currency,
		CustomerID:      c.sub.ProviderCustomerID,
		PaymentMethodID: c.sub.ProviderPaymentMethodID,
	})
	if chargeErr != nil && ctx.Err() != nil {
		// leave the attempt pending; the next run resumes it with the same key
		return "", fmt.Errorf("renewal interrupted: %w", chargeErr)
	}
	if chargeErr == nil && res.Status == payments.ChargeProcessing {
		if err := s.store.RecordProviderPayment(ctx, c.payment, res.ProviderPaymentID); err != nil {
			return "", err
		}
		s.logger.Info("renewal charge processing, awaiting provider notification",
			"subscription_id", c.sub.ID,
			"idempotency_key", c.payment.IdempotencyKey,
			"provider_payment_id", res.ProviderPaymentID,
		)
		return outcomeSkipped, nil
	}

	outcome := ChargeOutcome{Succeeded: chargeErr == nil}
	if chargeErr == nil {
		outcome.ProviderPaymentID = res.ProviderPaymentID
	} else {
		outcome.FailureReason = chargeErr.Error()
		s.logger.Warn("renewal charge failed",
			"subscription_id", c.sub.ID,
			"idempotency_key", c.payment.IdempotencyKey,
			"attempt", c.sub.RenewalAttempts+1,
			"error", chargeErr,
		)
	}
	return s.apply(ctx, c, outcome)
}

// claim reserves the current attempt of a due subscription: it records a
// pending payment under the attempt key, or decides that nothing should be
// charged.
func (s *RenewalService) claim(ctx context.Context, subID uuid.UUID, now time.Time) (*renewalClaim, error) {
	var c *renewalClaim
	err := retryOnConflict(func() error {
		c = &renewalClaim{action: claimSkip}
		return s.store.WithTx(ctx, func(tx *store.Store) error {
			sub, err := tx.GetSubscription(ctx, subID)
			if err != nil {
				return err
			}
			if !sub.Renewable(now) {
				return nil
			}
			plan, err := s.catalog.Lookup(sub.Plan)
			if err != nil {
				return err
			}

			c.sub = *sub
			c.plan = plan
			c.cycleKey = CycleKey(sub.ID, sub.CurrentPeriodEnd)

			paid, err := tx.HasSucceededCyclePayment(ctx, sub.ID, c.cycleKey)
			if err != nil {
				return err
			}
			if paid {
				c.action = claimReconcile
				return nil
			}

			pending, err := tx.PendingCyclePayment(ctx, sub.ID, c.cycleKey)
			if err != nil {
				return err
			}
			if pending != nil {
				if pending.ProviderPaymentID != "" {
					s.logger.Info("attempt processing at provider, skipping", "subscription_id", sub.ID, "idempotency_key", pending.IdempotencyKey)
					return nil
				}
				if time.Since(pending.CreatedAt) < s.cfg.PendingStaleAfter {
					s.logger.Info("attempt in flight, skipping", "subscription_id", sub.ID, "idempotency_key", pending.IdempotencyKey)
					return nil
				}
				s.logger.Warn("resuming stale attempt", "subscription_id", sub.ID, "idempotency_key", pending.IdempotencyKey, "created_at", pending.CreatedAt)
				c.action = claimCharge
				c.payment = pending
				return nil
			}

			key := AttemptKey(c.cycleKey, now, s.cfg.Location)
			_, err = tx.FindPaymentByKey(ctx, key)
			if err == nil {
				s.logger.Info("cycle already attempted today, skipping", "subscription_id", sub.ID, "idempotency_key", key)
				return nil
			}
			if !errors.Is(err, apperr.ErrNotFound) {
				return err
			}

			subscriptionID, periodEnd := sub.ID, sub.CurrentPeriodEnd
			payment := &models.Payment{
				UserID:         sub.UserID,
				SubscriptionID: &subscriptionID,
				Kind:           models.PaymentKindRenewal,
				Plan:           plan.Name,
				Status:         models.PaymentPending,
				AmountCents:    plan.AmountCents,
				Currency:       plan.Currency,
				IdempotencyKey: key,
				CycleKey:       c.cycleKey,
				PeriodEnd:      &periodEnd,
			}
			if err := tx.CreatePayment(ctx, payment); err != nil {
				return err
			}

			sub.LastChargeIdempotencyKey = key
			if err := tx.UpdateSubscription(ctx, sub); err != nil {
				return err
			}
			c.sub = *sub
			c.action = claimCharge
			c.payment = payment
			return nil
		})
	})
	if errors.Is(err, store.ErrDuplicate) {
		// a concurrent claimer recorded the same attempt first
		return &renewalClaim{action: claimSkip}, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// apply settles the claimed payment and moves the subscription through the
// state machine in one transaction.
func (s *RenewalService) apply(ctx context.Context, c *renewalClaim, o ChargeOutcome) (renewalOutcome, error) {
	var (
		outcome renewalOutcome
		updated *models.Subscription
	)
	err := retryOnConflict(func() error {
		return s.store.WithTx(ctx, func(tx *store.Store) error {
			var err error
			outcome, updated, err = s.settleRenewal(ctx, tx, c.sub.ID, c.sub.CurrentPeriodEnd, c.payment, o)
			return err
		})
	})
	if err != nil {
		return "", err
	}
	s.publishOutcome(ctx, outcome, updated)
	return outcome, nil
}

// settleRenewal is shared by the batch and the charge webhooks. payment may
// be nil when the cycle was already paid.
func (s *RenewalService) settleRenewal(
	ctx context.Context,
	tx *store.Store,
	subID uuid.UUID,
	cycleEnd time.Time,
	payment *models.Payment,
	o ChargeOutcome,
) (renewalOutcome, *models.Subscription, error) {
	if payment != nil {
		st := store.Settlement{
			Status:            models.PaymentFailed,
			ProviderPaymentID: o.ProviderPaymentID,
			FailureReason:     o.FailureReason,
			At:                time.Now().UTC(),
		}
		if o.Succeeded {
			st.Status = models.PaymentSucceeded
		}
		settled, err := tx.SettlePayment(ctx, payment, st)
		if err != nil {
			return "", nil, err
		}
		if !settled {
			// the other path (batch or webhook) got there first and applied it
			return outcomeSkipped, nil, nil
		}
	}

	sub, err := tx.GetSubscription(ctx, subID)
	if err != nil {
		return "", nil, err
	}
	if !sub.CurrentPeriodEnd.Equal(cycleEnd) {
		s.logger.Info("cycle moved before settlement", "subscription_id", subID)
		return outcomeSkipped, nil, nil
	}
	if sub.Status != models.SubscriptionActive && sub.Status != models.SubscriptionPastDue {
		return outcomeSkipped, nil, nil
	}

	plan, err := s.catalog.Lookup(sub.Plan)
	if err != nil {
		return "", nil, err
	}
	next := NextRenewalState(RenewalState{
		Status:             sub.Status,
		RenewalAttempts:    sub.RenewalAttempts,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		AnchorDay:          sub.BillingAnchorDay,
	}, plan, o.Succeeded, s.cfg.MaxAttempts)

	sub.Status = next.Status
	sub.RenewalAttempts = next.RenewalAttempts
	sub.CurrentPeriodStart = next.CurrentPeriodStart
	sub.CurrentPeriodEnd = next.CurrentPeriodEnd
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return "", nil, err
	}

	switch next.Status {
	case models.SubscriptionActive:
		return outcomeRenewed, sub, nil
	case models.SubscriptionPastDue:
		return outcomePastDue, sub, nil
	default:
		return outcomeCanceled, sub, nil
	}
}

// ReconcileCharge applies a provider charge notification for a renewal
// attempt. A pending attempt is settled like the batch would; a success
// reported for an attempt already settled as failed is recorded as a
// correction payment and advances the subscription if it is still on that
// cycle.
func (s *RenewalService) ReconcileCharge(ctx context.Context, idempotencyKey string, o ChargeOutcome) error {
	var (
		outcome renewalOutcome
		updated *models.Subscription
	)
	err := retryOnConflict(func() error {
		outcome, updated = outcomeSkipped, nil
		return s.store.WithTx(ctx, func(tx *store.Store) error {
			payment, err := tx.FindPaymentByKey(ctx, idempotencyKey)
			if err != nil {
				return err
			}
			if payment.Kind != models.PaymentKindRenewal || payment.SubscriptionID == nil || payment.PeriodEnd == nil {
				return apperr.Validation("idempotency_key", "payment "+idempotencyKey+" is not a renewal attempt")
			}

			if payment.Status == models.PaymentPending {
				outcome, updated, err = s.settleRenewal(ctx, tx, *payment.SubscriptionID, *payment.PeriodEnd, payment, o)
				return err
			}
			if payment.Status != models.PaymentFailed || !o.Succeeded {
				return nil
			}
			return s.recordCorrection(ctx, tx, payment, o, &outcome, &updated)
		})
	})
	if err != nil {
		return err
	}
	s.publishOutcome(ctx, outcome, updated)
	return nil
}

func (s *RenewalService) recordCorrection(
	ctx context.Context,
	tx *store.Store,
	failed *models.Payment,
	o ChargeOutcome,
	outcome *renewalOutcome,
	updated **models.Subscription,
) error {
	correctionKey := failed.IdempotencyKey + "-correction"
	if _, err := tx.FindPaymentByKey(ctx, correctionKey); err == nil {
		return nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return err
	}

	settledAt := time.Now().UTC()
	correction := &models.Payment{
		UserID:            failed.UserID,
		SubscriptionID:    failed.SubscriptionID,
		Kind:              models.PaymentKindCorrection,
		Plan:              failed.Plan,
		Status:            models.PaymentSucceeded,
		AmountCents:       failed.AmountCents,
		Currency:          failed.Currency,
		ProviderPaymentID: o.ProviderPaymentID,
		IdempotencyKey:    correctionKey,
		CycleKey:          failed.CycleKey,
		PeriodEnd:         failed.PeriodEnd,
		SettledAt:         &settledAt,
	}
	if err := tx.CreatePayment(ctx, correction); err != nil {
		return err
	}
	s.logger.Warn("provider reported success for a failed attempt, correction recorded",
		"subscription_id", failed.SubscriptionID, "idempotency_key", failed.IdempotencyKey)

	sub, err := tx.GetSubscription(ctx, *failed.SubscriptionID)
	if err != nil {
		return err
	}
	if !sub.CurrentPeriodEnd.Equal(*failed.PeriodEnd) || sub.Status == models.SubscriptionExpired {
		return nil
	}
	plan, err := s.catalog.Lookup(sub.Plan)
	if err != nil {
		return err
	}
	next := NextRenewalState(RenewalState{CurrentPeriodEnd: sub.CurrentPeriodEnd, AnchorDay: sub.BillingAnchorDay}, plan, true, s.cfg.MaxAttempts)
	sub.Status = next.Status
	sub.RenewalAttempts = next.RenewalAttempts
	sub.CurrentPeriodStart = next.CurrentPeriodStart
	sub.CurrentPeriodEnd = next.CurrentPeriodEnd
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return err
	}
	*outcome = outcomeRenewed
	*updated = sub
	return nil
}

func (s *RenewalService) publishOutcome(ctx context.Context, outcome renewalOutcome, sub *models.Subscription) {
	if sub == nil {
		return
	}
	var eventType string
	switch outcome {
	case outcomeRenewed:
		eventType = events.SubscriptionRenewed
	case outcomePastDue:
		eventType = events.SubscriptionPastDue
	case outcomeCanceled:
		eventType = events.SubscriptionCanceled
	default:
		return
	}
	publishSubscriptionEvent(ctx, s.events, s.logger, eventType, sub)
}

func publishSubscriptionEvent(ctx context.Context, publisher events.Publisher, logger *slog.Logger, eventType string, sub *models.Subscription) {
	err := publisher.Publish(ctx, events.Event{
		Type:           eventType,
		UserID:         sub.UserID.String(),
		SubscriptionID: sub.ID.String(),
		Status:         sub.Status,
		Plan:           sub.Plan,
		PeriodEnd:      sub.CurrentPeriodEnd,
		OccurredAt:     time.Now().UTC(),
	})
	if err != nil {
		logger.Warn("failed to publish lifecycle event", "type", eventType, "subscription_id", sub.ID, "error", err)
	}
}

// retryOnConflict runs fn again once after an optimistic version conflict.
// A second conflict surfaces as a ConflictError.
func retryOnConflict(fn func() error) error {
	err := fn()
	if errors.Is(err, store.ErrVersionConflict) {
		err = fn()
	}
	if errors.Is(err, store.ErrVersionConflict) {
		return apperr.Conflict("subscription", "version changed concurrently")
	}
	return err
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/services"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/store"
	"github.com/getsentry/sentry-go"
)

// renewalTask runs one renewal batch per tick. Failures are reported and
// left for the next tick. A started batch is not canceled by shutdown; each
// gateway call stays bounded by its own timeout.
func renewalTask(renewals *services.RenewalService, logger *slog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		report, err := renewals.ProcessDueRenewals(context.WithoutCancel(ctx), time.Now())
		if errors.Is(err, services.ErrRenewalInProgress) {
			logger.Warn("renewal run skipped: previous run still in progress")
			return nil
		}
		if err != nil {
			sentry.CaptureException(err)
			return err
		}
		logger.Info("renewal batch completed",
			"run_id", report.RunID,
			"selected", report.Selected,
			"renewed", report.Renewed,
			"past_due", report.PastDue,
			"canceled", report.Canceled,
			"skipped", report.Skipped,
			"errored", report.Errored,
		)
		return nil
	}
}

func livenessTask(st *store.Store, started time.Time, logger *slog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		dbStatus := "ok"
		if err := st.Ping(ctx); err != nil {
			dbStatus = "unhealthy"
			logger.Warn("liveness: database ping failed", "error", err)
		}
		logger.Info("liveness", "db", dbStatus, "uptime", time.Since(started).Round(time.Second).String())
		return nil
	}
}

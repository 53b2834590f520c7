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

func (s *Store) CreateRun(ctx context.Context, run *models.RenewalRun) error {
	if err := s.conn(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to record renewal run: %w", err)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, run *models.RenewalRun) error {
	err := s.conn(ctx).Model(&models.RenewalRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]interface{}{
			"finished_at": run.FinishedAt,
			"status":      run.Status,
			"selected":    run.Selected,
			"renewed":     run.Renewed,
			"past_due":    run.PastDue,
			"canceled":    run.Canceled,
			"skipped":     run.Skipped,
			"errored":     run.Errored,
			"error":       run.Error,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to finish renewal run %s: %w", run.ID, err)
	}
	return nil
}

// RecordWebhookEvent stores an inbound event. It returns the stored row and
// whether it still needs processing: a redelivery of an event that was
// already processed returns false.
func (s *Store) RecordWebhookEvent(ctx context.Context, evt *models.WebhookEvent) (*models.WebhookEvent, bool, error) {
	err := s.conn(ctx).Create(evt).Error
	if err == nil {
		return evt, true, nil
	}
	if !isDuplicate(err) {
		return nil, false, fmt.Errorf("failed to record webhook event: %w", err)
	}

	var existing models.WebhookEvent
	err = s.conn(ctx).
		Where("provider = ? AND provider_event_id = ?", evt.Provider, evt.ProviderEventID).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("webhook event %s: %w", evt.ProviderEventID, ErrDuplicate)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load webhook event: %w", err)
	}
	return &existing, existing.ProcessedAt == nil, nil
}

// MarkWebhookProcessed records the processing outcome. A failed event stays
// unprocessed so the provider's redelivery is handled again.
func (s *Store) MarkWebhookProcessed(ctx context.Context, id uuid.UUID, procErr error) error {
	updates := map[string]interface{}{"processing_error": ""}
	if procErr != nil {
		updates["processing_error"] = procErr.Error()
	} else {
		updates["processed_at"] = time.Now().UTC()
	}
	if err := s.conn(ctx).Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to mark webhook event %s: %w", id, err)
	}
	return nil
}

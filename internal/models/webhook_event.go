package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// WebhookEvent stores inbound provider events so redeliveries are processed
// once.
type WebhookEvent struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Provider        string         `gorm:"size:20;not null;uniqueIndex:idx_webhook_events_provider_event,priority:1" json:"provider"`
	ProviderEventID string         `gorm:"size:255;not null;uniqueIndex:idx_webhook_events_provider_event,priority:2" json:"provider_event_id"`
	EventType       string         `gorm:"size:100;not null;index" json:"event_type"`
	Payload         datatypes.JSON `gorm:"type:jsonb" json:"payload"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
	ProcessingError string         `gorm:"type:text" json:"processing_error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

func (e *WebhookEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	RenewalRunRunning   = "running"
	RenewalRunCompleted = "completed"
	RenewalRunFailed    = "failed"
)

// RenewalRun records one execution of the renewal batch.
type RenewalRun struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	StartedAt  time.Time  `gorm:"not null;index" json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `gorm:"not null;size:20" json:"status"`
	Selected   int        `json:"selected"`
	Renewed    int        `json:"renewed"`
	PastDue    int        `json:"past_due"`
	Canceled   int        `json:"canceled"`
	Skipped    int        `json:"skipped"`
	Errored    int        `json:"errored"`
	Error      string     `gorm:"type:text" json:"error,omitempty"`
}

func (r *RenewalRun) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	PaymentPending   = "pending"
	PaymentSucceeded = "succeeded"
	PaymentFailed    = "failed"
	PaymentExpired   = "expired"
)

const (
	PaymentKindCheckout   = "checkout"
	PaymentKindRenewal    = "renewal"
	PaymentKindCorrection = "correction"
)

// Payment is one checkout or renewal attempt. A pending row is settled
// exactly once; settled rows are never updated again and corrections are
// written as new rows.
type Payment struct {
	ID                uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID            uuid.UUID  `gorm:"type:uuid;not null;index" json:"user_id"`
	SubscriptionID    *uuid.UUID `gorm:"type:uuid;index" json:"subscription_id,omitempty"`
	Kind              string     `gorm:"not null;size:20" json:"kind"`
	Plan              string     `gorm:"not null;size:20" json:"plan"`
	Status            string     `gorm:"not null;size:20;index" json:"status"`
	AmountCents       int64      `gorm:"not null" json:"amount_cents"`
	Currency          string     `gorm:"not null;size:3" json:"currency"`
	ProviderSessionID string     `gorm:"size:255;index" json:"provider_session_id,omitempty"`
	ProviderPaymentID string     `gorm:"size:255" json:"provider_payment_id,omitempty"`
	IdempotencyKey    string     `gorm:"not null;size:120;uniqueIndex" json:"-"`
	CycleKey          string     `gorm:"size:100;index" json:"-"`
	PeriodEnd         *time.Time `json:"period_end,omitempty"`
	FailureReason     string     `gorm:"type:text" json:"failure_reason,omitempty"`
	SettledAt         *time.Time `json:"settled_at,omitempty"`
	CreatedAt         time.Time  `gorm:"index" json:"created_at"`
	User              User       `gorm:"foreignKey:UserID" json:"-"`
}

func (p *Payment) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

func (p *Payment) Settled() bool {
	return p.Status != PaymentPending
}

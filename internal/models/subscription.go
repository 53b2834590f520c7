package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	SubscriptionTrialing = "trialing"
	SubscriptionActive   = "active"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
	SubscriptionExpired  = "expired"
)

const (
	PlanMonthly = "monthly"
	PlanAnnual  = "annual"
)

// Subscription is the billing state of one user. Version is bumped on every
// write and checked by the writer (optimistic locking). BillingAnchorDay is the
// day of month the period end returns to after short months; 0 means unset.
type Subscription struct {
	ID                       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID                   uuid.UUID `gorm:"type:uuid;not null;uniqueIndex" json:"user_id"`
	Status                   string    `gorm:"not null;size:20;index" json:"status"`
	Plan                     string    `gorm:"not null;size:20" json:"plan"`
	CurrentPeriodStart       time.Time `json:"current_period_start"`
	CurrentPeriodEnd         time.Time `gorm:"not null;index" json:"current_period_end"`
	RenewalAttempts          int       `gorm:"not null;default:0" json:"renewal_attempts"`
	BillingAnchorDay         int       `gorm:"not null;default:0" json:"-"`
	LastChargeIdempotencyKey string    `gorm:"size:100" json:"-"`
	ProviderCustomerID       string    `gorm:"size:255" json:"-"`
	ProviderPaymentMethodID  string    `gorm:"size:255" json:"-"`
	Version                  int       `gorm:"not null;default:1" json:"-"`
	CreatedAt                time.Time `json:"created_at"`
	UpdatedAt                time.Time `json:"updated_at"`
	User                     User      `gorm:"foreignKey:UserID" json:"-"`
}

func (s *Subscription) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Version == 0 {
		s.Version = 1
	}
	return nil
}

// Renewable reports whether the daily batch should pick the row up at now.
func (s *Subscription) Renewable(now time.Time) bool {
	if s.Status != SubscriptionActive && s.Status != SubscriptionPastDue {
		return false
	}
	return !s.CurrentPeriodEnd.After(now)
}

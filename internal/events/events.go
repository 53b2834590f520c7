// Package events publishes billing lifecycle events for downstream consumers.
package events

import (
	"context"
	"sync"
	"time"
)

const (
	SubscriptionActivated = "subscription.activated"
	SubscriptionRenewed   = "subscription.renewed"
	SubscriptionPastDue   = "subscription.past_due"
	SubscriptionCanceled  = "subscription.canceled"
	AccountDeleted        = "account.deleted"
)

// Event is one lifecycle notification. Key picks the partition, so all
// events for a user stay ordered.
type Event struct {
	Type           string    `json:"type"`
	UserID         string    `json:"user_id"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	Status         string    `json:"status,omitempty"`
	Plan           string    `json:"plan,omitempty"`
	PeriodEnd      time.Time `json:"period_end,omitzero"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func (e Event) Key() []byte {
	return []byte(e.UserID)
}

// Publisher delivers events. Callers treat publish failures as non-fatal:
// the database is the source of truth.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

// Nop discards every event. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) error { return nil }
func (Nop) Close() error                            { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, events ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the type of every recorded event in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, len(r.events))
	for i, e := range r.events {
		types[i] = e.Type
	}
	return types
}

// Package store is the persistence layer for billing state. Every method
// runs against the handle the Store was built with, so a Store obtained from
// WithTx keeps all its reads and writes inside that transaction.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/apperr"
	"gorm.io/gorm"
)

// ErrVersionConflict means the subscription row changed since it was read.
var ErrVersionConflict = errors.New("subscription version conflict")

// ErrDuplicate means a unique key (payment idempotency key, webhook event id)
// already exists.
var ErrDuplicate = errors.New("duplicate key")

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx runs fn inside one database transaction. Any error returned by fn
// rolls the transaction back and is returned unchanged.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func notFound(err error, entity, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(entity, id)
	}
	return fmt.Errorf("failed to load %s %s: %w", entity, id, err)
}

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

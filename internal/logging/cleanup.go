package logging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/models"
	"gorm.io/gorm"
)

// PurgeExpired deletes system_logs older than retention and reports how
// many rows went.
func PurgeExpired(ctx context.Context, db *gorm.DB, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	result := db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&models.SystemLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("log cleanup failed: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// RetentionTask adapts PurgeExpired to a scheduler task body.
func RetentionTask(db *gorm.DB, retention time.Duration, logger *slog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		deleted, err := PurgeExpired(ctx, db, retention)
		if err != nil {
			return err
		}
		if deleted > 0 {
			logger.Info("log cleanup completed", "deleted", deleted)
		}
		return nil
	}
}

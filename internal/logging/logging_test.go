package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/models"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPGHandlerPersistsErrors(t *testing.T) {
	db := testutil.NewDB(t)
	pg := NewPGHandler(db)
	var out bytes.Buffer
	logger := slog.New(NewMultiHandler(slog.NewJSONHandler(&out, nil), pg)).With("component", "renewals")

	logger.Info("renewal run started", "due", 3)
	logger.Error("renewal failed",
		"subscription_id", "3f1c2a9e-0000-4000-8000-000000000001",
		"error", "charge declined",
		"duration_ms", int64(42),
		"attempt", 2,
	)
	pg.Stop()

	var rows []models.SystemLog
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, "ERROR", row.Level)
	assert.Equal(t, "renewal failed", row.Message)
	assert.Equal(t, "renewals", row.Component)
	require.NotNil(t, row.SubscriptionID)
	assert.Equal(t, "3f1c2a9e-0000-4000-8000-000000000001", *row.SubscriptionID)
	assert.Equal(t, "charge declined", row.Error)
	assert.Equal(t, 42, row.LatencyMs)

	var extra map[string]interface{}
	require.NoError(t, json.Unmarshal(row.Extra, &extra))
	assert.EqualValues(t, 2, extra["attempt"])

	// the stdout side still sees both records
	assert.Equal(t, 2, bytes.Count(out.Bytes(), []byte("\n")))
}

func TestPGHandlerStopIsIdempotent(t *testing.T) {
	pg := NewPGHandler(testutil.NewDB(t))
	pg.Stop()
	assert.NotPanics(t, pg.Stop)
}

func TestMultiHandlerEnabled(t *testing.T) {
	info := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo})
	pg := &PGHandler{}
	h := NewMultiHandler(info, pg)

	assert.True(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, h.Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, pg.Enabled(context.Background(), slog.LevelWarn))
}

func TestPurgeExpired(t *testing.T) {
	db := testutil.NewDB(t)
	now := time.Now().UTC()
	require.NoError(t, db.Create(&[]models.SystemLog{
		{ID: uuid.New(), Timestamp: now.Add(-40 * 24 * time.Hour), Level: "ERROR", Message: "old"},
		{ID: uuid.New(), Timestamp: now.Add(-time.Hour), Level: "ERROR", Message: "recent"},
	}).Error)

	task := RetentionTask(db, 30*24*time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, task(context.Background()))

	var rows []models.SystemLog
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "recent", rows[0].Message)
}

type failingHandler struct{ slog.Handler }

func (failingHandler) Handle(context.Context, slog.Record) error { return io.ErrClosedPipe }

func TestMultiHandlerReachesAllHandlers(t *testing.T) {
	var out bytes.Buffer
	h := NewMultiHandler(
		failingHandler{slog.NewTextHandler(io.Discard, nil)},
		slog.NewJSONHandler(&out, nil),
	)

	err := slog.New(h).Handler().Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "still delivered", 0))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Contains(t, out.String(), "still delivered")
}

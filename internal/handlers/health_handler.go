package handlers

import (
	"time"

	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/dto"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/store"
	"github.com/gofiber/fiber/v2"
)

type HealthHandler struct {
	store   *store.Store
	started time.Time
}

func NewHealthHandler(st *store.Store, started time.Time) *HealthHandler {
	return &HealthHandler{store: st, started: started}
}

func (h *HealthHandler) Check(c *fiber.Ctx) error {
	status := "ok"
	dbStatus := "ok"
	if err := h.store.Ping(c.UserContext()); err != nil {
		status = "degraded"
		dbStatus = "unhealthy: " + err.Error()
	}

	code := fiber.StatusOK
	if status != "ok" {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(dto.HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		DB:        dbStatus,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
	})
}

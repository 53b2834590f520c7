package handlers

import (
	"errors"
	"log/slog"

	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/apperr"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/dto"
	"github.com/gofiber/fiber/v2"
)

// StatusFor maps the billing error taxonomy onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, apperr.ErrConflict):
		return fiber.StatusConflict
	case errors.Is(err, apperr.ErrGateway), errors.Is(err, apperr.ErrDeclined):
		return fiber.StatusBadGateway
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return fiber.StatusInternalServerError
}

// respondError writes err as an ErrorResponse. Server-side details stay in
// the log.
func respondError(c *fiber.Ctx, err error) error {
	status := StatusFor(err)
	message := err.Error()
	switch {
	case status == fiber.StatusBadGateway:
		message = "Payment provider unavailable, please retry"
	case status >= fiber.StatusInternalServerError:
		slog.Error("request failed", "path", c.Path(), "request_id", c.Locals("requestid"), "error", err)
		message = "Internal server error"
	}
	return c.Status(status).JSON(dto.ErrorResponse{Error: true, Message: message})
}

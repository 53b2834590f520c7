package handlers

import (
	"errors"
	"log/slog"

	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/apperr"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/dto"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/payments"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/services"
	"github.com/gofiber/fiber/v2"
)

const signatureHeader = "Stripe-Signature"

type WebhookHandler struct {
	subscriptionService *services.SubscriptionService
	gateway             payments.Gateway
}

func NewWebhookHandler(subscriptionService *services.SubscriptionService, gateway payments.Gateway) *WebhookHandler {
	return &WebhookHandler{
		subscriptionService: subscriptionService,
		gateway:             gateway,
	}
}

// HandleStripe verifies the signature over the raw body before anything is
// decoded.
func (h *WebhookHandler) HandleStripe(c *fiber.Ctx) error {
	signature := c.Get(signatureHeader)
	if signature == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: true, Message: "Missing signature",
		})
	}

	event, err := h.gateway.ParseWebhook(c.Body(), signature)
	if err != nil {
		slog.Warn("webhook rejected", "error", err)
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: true, Message: "Invalid webhook signature or payload",
		})
	}

	if err := h.subscriptionService.HandleWebhookEvent(c.UserContext(), event); err != nil {
		// redelivery cannot fix a reference to a row we never had
		if errors.Is(err, apperr.ErrNotFound) {
			slog.Warn("webhook references unknown record", "event_id", event.ID, "event_type", event.Type, "error", err)
			return c.JSON(dto.WebhookAck{Received: true})
		}
		slog.Error("webhook processing failed", "event_id", event.ID, "event_type", event.Type, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
			Error: true, Message: "Failed to process webhook event",
		})
	}

	slog.Info("webhook processed", "event_id", event.ID, "event_type", event.Type)
	return c.JSON(dto.WebhookAck{Received: true})
}

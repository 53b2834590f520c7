package handlers

import (
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/dto"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/identity"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type PaymentHandler struct {
	checkoutService *services.CheckoutService
	jwtSecret       string
}

func NewPaymentHandler(checkoutService *services.CheckoutService, jwtSecret string) *PaymentHandler {
	return &PaymentHandler{checkoutService: checkoutService, jwtSecret: jwtSecret}
}

// CreatePayment starts a hosted checkout for the caller. A valid bearer
// token decides who the caller is; the body userId is used only without one.
func (h *PaymentHandler) CreatePayment(c *fiber.Ctx) error {
	var req dto.CreatePaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: true, Message: "Invalid request body",
		})
	}

	userID, authenticated := identity.AuthenticateOptional(c, h.jwtSecret)
	if authenticated {
		if req.UserID != "" && req.UserID != userID.String() {
			return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{
				Error: true, Message: "userId does not match the authenticated user",
			})
		}
	} else {
		parsed, err := uuid.Parse(req.UserID)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
				Error: true, Message: "userId must be a valid UUID",
			})
		}
		userID = parsed
	}

	session, err := h.checkoutService.CreateCheckoutSession(c.UserContext(), userID, req.Plan)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(dto.CreatePaymentResponse{SessionURL: session.URL})
}

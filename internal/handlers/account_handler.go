package handlers

import (
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/dto"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/identity"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/services"
	"github.com/gofiber/fiber/v2"
)

type AccountHandler struct {
	accountService *services.AccountService
}

func NewAccountHandler(accountService *services.AccountService) *AccountHandler {
	return &AccountHandler{accountService: accountService}
}

// DeleteUser removes the authenticated user and all of their billing data.
func (h *AccountHandler) DeleteUser(c *fiber.Ctx) error {
	userID, err := identity.GetUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{
			Error: true, Message: "Unauthorized",
		})
	}

	if err := h.accountService.DeleteUser(c.UserContext(), userID); err != nil {
		return respondError(c, err)
	}

	return c.JSON(dto.DeleteUserResponse{
		Success: true,
		Message: "Account and all associated data deleted",
	})
}

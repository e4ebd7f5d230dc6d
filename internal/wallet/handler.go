package wallet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/everesthood/payments/internal/ledger"
)

// Handler exposes wallet read endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Balance returns the owner's wallet balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	ownerID := c.Params("ownerId")
	w, err := h.service.Balance(c.UserContext(), ownerID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return fiber.NewError(http.StatusNotFound, "wallet not found")
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{
		"wallet_id": w.ID.String(),
		"owner_id":  w.OwnerID,
		"balance":   w.Balance.String(),
		"currency":  w.Currency,
		"version":   w.Version,
	})
}

// History returns the owner's recent ledger entries.
func (h *Handler) History(c *fiber.Ctx) error {
	ownerID := c.Params("ownerId")
	limit, _ := strconv.Atoi(c.Query("limit", "50"))

	entries, err := h.service.History(c.UserContext(), ownerID, limit)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return fiber.NewError(http.StatusNotFound, "wallet not found")
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}

	out := make([]fiber.Map, 0, len(entries))
	for _, e := range entries {
		out = append(out, fiber.Map{
			"id":          e.ID.String(),
			"transfer_id": e.TransferID.String(),
			"amount":      e.Amount.String(),
			"kind":        string(e.Kind),
			"status":      string(e.Status),
			"created_at":  e.CreatedAt,
		})
	}
	return c.JSON(fiber.Map{"owner_id": ownerID, "entries": out})
}

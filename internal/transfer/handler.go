package transfer

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/everesthood/payments/internal/ledger"
	"github.com/everesthood/payments/internal/money"
)

// Handler exposes the transfer endpoint.
type Handler struct {
	service *Service
}

// NewHandler constructs a transfer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type executeRequest struct {
	SenderOwnerID   string `json:"sender_owner_id"`
	ReceiverOwnerID string `json:"receiver_owner_id"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	Kind            string `json:"kind"`
	Message         string `json:"message"`
	Anonymous       bool   `json:"anonymous"`
	IdempotencyKey  string `json:"idempotency_key"`
}

type executeResponse struct {
	TransferID  string `json:"transfer_id"`
	Status      string `json:"status"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// Execute processes a caller-initiated transfer (tip or subscription charge).
func (h *Handler) Execute(c *fiber.Ctx) error {
	var req executeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	amount, err := money.Parse(req.Amount)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	kind := Kind(req.Kind)
	if kind == "" {
		kind = KindTip
	}

	tr, err := h.service.Execute(c.UserContext(), ExecuteInput{
		SenderOwnerID:   req.SenderOwnerID,
		ReceiverOwnerID: req.ReceiverOwnerID,
		Amount:          amount,
		Currency:        req.Currency,
		Kind:            kind,
		IdempotencyKey:  req.IdempotencyKey,
		Message:         req.Message,
		Anonymous:       req.Anonymous,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidOperation):
			return fiber.NewError(http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrInsufficientFunds):
			return fiber.NewError(http.StatusPaymentRequired, "insufficient funds")
		case errors.Is(err, ErrTransferFailed):
			return fiber.NewError(http.StatusConflict, "transfer already failed, use a new idempotency key")
		case errors.Is(err, ErrContention):
			return fiber.NewError(http.StatusServiceUnavailable, "contention, retry")
		default:
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	}

	resp := executeResponse{
		TransferID: tr.ID.String(),
		Status:     string(tr.Status),
		Amount:     tr.Amount.String(),
		Currency:   tr.Currency,
	}
	if !tr.CompletedAt.IsZero() {
		resp.CompletedAt = tr.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return c.Status(http.StatusCreated).JSON(resp)
}

// Get returns one transfer by id.
func (h *Handler) Get(c *fiber.Ctx) error {
	id, err := parseUUIDParam(c, "transferId")
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	tr, err := h.service.store.TransferByID(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return fiber.NewError(http.StatusNotFound, "transfer not found")
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{
		"transfer_id": tr.ID.String(),
		"status":      string(tr.Status),
		"amount":      tr.Amount.String(),
		"currency":    tr.Currency,
		"kind":        string(tr.Kind),
		"created_at":  tr.CreatedAt,
	})
}

func parseUUIDParam(c *fiber.Ctx, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params(name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

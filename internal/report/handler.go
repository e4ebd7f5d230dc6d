package report

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/everesthood/payments/internal/ledger"
)

// Handler exposes report scheduling and lookup endpoints.
type Handler struct {
	scheduler *Scheduler
	store     ledger.Store
}

// NewHandler constructs a report handler.
func NewHandler(scheduler *Scheduler, store ledger.Store) *Handler {
	return &Handler{scheduler: scheduler, store: store}
}

type scheduleRequest struct {
	OwnerID    string `json:"owner_id"`
	PeriodType string `json:"period_type"`
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`
}

// Schedule queues a usage report and returns its PENDING row.
func (h *Handler) Schedule(c *fiber.Ctx) error {
	var req scheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "start_date must be YYYY-MM-DD")
	}
	end, err := time.Parse("2006-01-02", req.EndDate)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "end_date must be YYYY-MM-DD")
	}
	// End date is inclusive at day granularity.
	end = end.AddDate(0, 0, 1)

	r, err := h.scheduler.Schedule(c.UserContext(), req.OwnerID, ledger.PeriodType(req.PeriodType), start, end)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return c.Status(http.StatusAccepted).JSON(fiber.Map{
		"report_id": r.ID.String(),
		"status":    string(r.Status),
	})
}

// Get returns a report row, including totals and the artifact reference once
// the worker has finished it.
func (h *Handler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("reportId"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid report id")
	}
	r, err := h.store.ReportByID(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return fiber.NewError(http.StatusNotFound, "report not found")
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	resp := fiber.Map{
		"report_id":   r.ID.String(),
		"owner_id":    r.OwnerID,
		"period_type": string(r.PeriodType),
		"status":      string(r.Status),
		"totals":      r.Totals,
	}
	if r.Artifact != "" {
		resp["artifact"] = r.Artifact
	}
	if r.Error != "" {
		resp["error"] = r.Error
	}
	return c.JSON(resp)
}

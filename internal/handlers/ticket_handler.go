package handlers

import (
	"context"
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"train-ticket/internal/services"
	"train-ticket/models"
)

type TicketService interface {
	Purchase(ctx context.Context, req models.PurchaseRequest) (*models.PurchaseResult, error)
	Remaining(ctx context.Context, trainID, departure, arrival string) (*models.RemainingTickets, error)
}

type OrderCanceller interface {
	Cancel(ctx context.Context, caller services.Caller, orderRef string) error
}

type TicketHandler struct {
	tickets TicketService
	orders  OrderCanceller
}

func NewTicketHandler(tickets TicketService, orders OrderCanceller) *TicketHandler {
	return &TicketHandler{
		tickets: tickets,
		orders:  orders,
	}
}

// Purchase - Buy tickets for one or more passengers on a single trip
func (h *TicketHandler) Purchase(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req models.PurchaseRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	req.IdempotencyKey = e.Request.Header.Get("Idempotency-Key")

	ctx := services.WithCaller(e.Request.Context(), callerOf(e.Auth))
	result, err := h.tickets.Purchase(ctx, req)
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, result)
}

// Remaining - Remaining tickets per class and carriage for a trip
func (h *TicketHandler) Remaining(e *core.RequestEvent) error {
	trainID := e.Request.PathValue("trainId")
	departure := e.Request.URL.Query().Get("departure")
	arrival := e.Request.URL.Query().Get("arrival")
	if departure == "" || arrival == "" {
		return apis.NewBadRequestError("departure and arrival are required", nil)
	}

	remaining, err := h.tickets.Remaining(e.Request.Context(), trainID, departure, arrival)
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, remaining)
}

// CancelOrder - Cancel the caller's unpaid order and release its seats
func (h *TicketHandler) CancelOrder(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	orderRef := e.Request.PathValue("orderRef")
	if err := h.orders.Cancel(e.Request.Context(), callerOf(e.Auth), orderRef); err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"message":   "Order cancelled",
		"order_ref": orderRef,
	})
}

func callerOf(auth *core.Record) services.Caller {
	username := auth.GetString("username")
	if username == "" {
		username = auth.Email()
	}
	return services.Caller{UserID: auth.Id, Username: username}
}

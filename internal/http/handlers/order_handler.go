// README: Order handlers: read an order and the REST twin of update_order_status.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"tracker/internal/http/middleware"
	"tracker/internal/modules/order"
	"tracker/internal/modules/room"
	"tracker/internal/types"
)

type OrderService interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	ApplyTransition(ctx context.Context, cmd order.TransitionCommand) (*order.Order, error)
}

// Authorizer answers whether a caller may see a room's traffic.
type Authorizer interface {
	Authorize(ctx context.Context, who types.Identity, id room.ID) error
}

type OrderHandler struct {
	order OrderService
	rooms Authorizer
}

func NewOrderHandler(svc OrderService, rooms Authorizer) *OrderHandler {
	return &OrderHandler{order: svc, rooms: rooms}
}

type orderResponse struct {
	OrderID       types.ID     `json:"order_id"`
	CustomerID    types.ID     `json:"customer_id"`
	MerchantID    types.ID     `json:"merchant_id"`
	DriverID      *types.ID    `json:"driver_id,omitempty"`
	Status        order.Status `json:"status"`
	StatusVersion int          `json:"status_version"`
}

func toOrderResponse(o *order.Order) orderResponse {
	return orderResponse{
		OrderID:       o.ID,
		CustomerID:    o.CustomerID,
		MerchantID:    o.MerchantID,
		DriverID:      o.DriverID,
		Status:        o.Status,
		StatusVersion: o.StatusVersion,
	}
}

func (h *OrderHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return
	}
	who, _ := middleware.CallerIdentity(c)
	if err := h.rooms.Authorize(c.Request.Context(), who, room.Order(types.ID(id))); err != nil {
		writeDomainError(c, err)
		return
	}
	o, err := h.order.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toOrderResponse(o))
}

type updateStatusReq struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

func (h *OrderHandler) UpdateStatus(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return
	}
	var req updateStatusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	to, ok := order.ParseStatus(req.Status)
	if !ok {
		writeError(c, http.StatusBadRequest, "unknown status")
		return
	}
	who, _ := middleware.CallerIdentity(c)
	o, err := h.order.ApplyTransition(c.Request.Context(), order.TransitionCommand{
		OrderID: types.ID(id),
		To:      to,
		Actor:   who,
		Reason:  req.Reason,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toOrderResponse(o))
}

// README: Driver location handlers: last-known lookup and forget-on-signout.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tracker/internal/http/middleware"
	"tracker/internal/modules/location"
	"tracker/internal/modules/room"
	"tracker/internal/types"
)

type LocationService interface {
	Lookup(ctx context.Context, driverID types.ID) (location.Sample, bool, error)
	Forget(ctx context.Context, driverID types.ID)
}

type LocationHandler struct {
	location LocationService
	rooms    Authorizer
}

func NewLocationHandler(svc LocationService, rooms Authorizer) *LocationHandler {
	return &LocationHandler{location: svc, rooms: rooms}
}

type locationResponse struct {
	DriverID  types.ID  `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Heading   *float64  `json:"heading,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	SampledAt time.Time `json:"sampled_at"`
}

// Get is authorized like a subscription to driver:<id>.
func (h *LocationHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid driver id")
		return
	}
	who, _ := middleware.CallerIdentity(c)
	if err := h.rooms.Authorize(c.Request.Context(), who, room.Driver(types.ID(id))); err != nil {
		writeDomainError(c, err)
		return
	}
	s, ok, err := h.location.Lookup(c.Request.Context(), types.ID(id))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	if !ok {
		writeError(c, http.StatusNotFound, "no known location")
		return
	}
	writeJSON(c, http.StatusOK, locationResponse{
		DriverID:  s.DriverID,
		Lat:       s.Lat,
		Lng:       s.Lng,
		Heading:   s.Heading,
		Speed:     s.Speed,
		Accuracy:  s.Accuracy,
		SampledAt: s.SampledAt,
	})
}

// Delete drops the driver's last-known location; only the driver or an admin may.
func (h *LocationHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid driver id")
		return
	}
	who, _ := middleware.CallerIdentity(c)
	if !who.IsAdmin() && string(who.UserID) != id {
		writeError(c, http.StatusForbidden, "forbidden: id does not match authenticated user")
		return
	}
	h.location.Forget(c.Request.Context(), types.ID(id))
	c.Status(http.StatusNoContent)
}

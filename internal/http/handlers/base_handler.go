// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"tracker/internal/logging"
	"tracker/internal/modules/location"
	"tracker/internal/modules/order"
	"tracker/internal/modules/room"
)

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID accepts uuid-style and opaque provider ids.
func isValidID(v string) bool {
	if v == "" || len(v) > 128 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, order.ErrBadRequest), errors.Is(err, room.ErrInvalidRoom), errors.Is(err, location.ErrInvalidSample):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrNotAuthorized), errors.Is(err, room.ErrNotAuthorized):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, order.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, order.ErrIllegalTransition), errors.Is(err, order.ErrConflict):
		writeError(c, http.StatusConflict, err.Error())
	default:
		logging.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

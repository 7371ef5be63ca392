// README: Maps domain errors onto reply codes in one place.
package realtime

import (
	"errors"

	"github.com/go-playground/validator/v10"

	"tracker/internal/modules/chat"
	"tracker/internal/modules/connection"
	"tracker/internal/modules/location"
	"tracker/internal/modules/order"
	"tracker/internal/modules/room"
)

var (
	errBadFrame    = errors.New("malformed request")
	errUnknownType = errors.New("unknown request type")
	errNotDriver   = errors.New("only drivers broadcast locations")
	errFlood       = errors.New("too many requests")
)

func codeFor(err error) string {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return CodeInvalidRequest
	case errors.Is(err, room.ErrNotAuthorized),
		errors.Is(err, order.ErrNotAuthorized),
		errors.Is(err, chat.ErrNotParticipant),
		errors.Is(err, errNotDriver):
		return CodeNotAuthorized
	case errors.Is(err, order.ErrIllegalTransition):
		return CodeIllegalTransition
	case errors.Is(err, location.ErrStaleSample):
		return CodeStaleSample
	case errors.Is(err, location.ErrRateLimited), errors.Is(err, errFlood):
		return CodeRateLimited
	case errors.Is(err, errBadFrame),
		errors.Is(err, errUnknownType),
		errors.Is(err, location.ErrInvalidSample),
		errors.Is(err, room.ErrInvalidRoom),
		errors.Is(err, order.ErrBadRequest),
		errors.Is(err, chat.ErrInvalidMessage):
		return CodeInvalidRequest
	case errors.Is(err, order.ErrNotFound),
		errors.Is(err, room.ErrConnectionUnknown),
		errors.Is(err, connection.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, order.ErrConflict):
		return CodeConflict
	}
	return CodeInternal
}

func errorReply(requestID string, err error) Reply {
	code := codeFor(err)
	msg := err.Error()
	if code == CodeInternal {
		msg = "internal error"
	}
	return Reply{Type: "error", RequestID: requestID, Code: code, Message: msg}
}

// README: Request/reply frames exchanged with clients over the persistent connection.
package realtime

import (
	"time"

	"github.com/goccy/go-json"
)

const (
	ReqSubscribe               = "subscribe"
	ReqSubscribeOrderTracking  = "subscribe_order_tracking"
	ReqSubscribeDriverTracking = "subscribe_driver_tracking"
	ReqUnsubscribe             = "unsubscribe"
	ReqBroadcastLocation       = "broadcast_driver_location"
	ReqUpdateOrderStatus       = "update_order_status"
	ReqJoinConversation        = "join_conversation"
	ReqSendMessage             = "send_message"
	ReqTypingStart             = "typing_start"
	ReqTypingStop              = "typing_stop"
	ReqPing                    = "ping"
)

// Reply codes.
const (
	CodeNotAuthorized     = "NOT_AUTHORIZED"
	CodeIllegalTransition = "ILLEGAL_TRANSITION"
	CodeStaleSample       = "STALE_SAMPLE"
	CodeRateLimited       = "RATE_LIMITED"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeNotFound          = "NOT_FOUND"
	CodeConflict          = "CONFLICT"
	CodeInternal          = "INTERNAL"
)

type Request struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type Reply struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Data      any    `json:"data,omitempty"`
}

func (r Reply) OK() bool { return r.Type == "ack" }

func EncodeReply(r Reply) ([]byte, error) {
	return json.Marshal(r)
}

type roomRequest struct {
	Room string `json:"room" validate:"required"`
}

type orderTrackingRequest struct {
	OrderID string `json:"orderId" validate:"required"`
}

type driverTrackingRequest struct {
	DriverID string `json:"driverId" validate:"required"`
}

type locationRequest struct {
	OrderID   *string    `json:"orderId,omitempty"`
	Latitude  *float64   `json:"latitude" validate:"required,latitude"`
	Longitude *float64   `json:"longitude" validate:"required,longitude"`
	Heading   *float64   `json:"heading,omitempty" validate:"omitempty,gte=0,lt=360"`
	Speed     *float64   `json:"speed,omitempty" validate:"omitempty,gte=0"`
	Accuracy  *float64   `json:"accuracy,omitempty" validate:"omitempty,gte=0"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type statusRequest struct {
	OrderID string `json:"orderId" validate:"required"`
	Status  string `json:"status" validate:"required"`
	Reason  string `json:"reason,omitempty" validate:"max=500"`
}

type conversationRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

type messageRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
	Body           string `json:"body" validate:"required,max=4000"`
}

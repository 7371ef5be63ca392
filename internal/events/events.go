// README: Client-facing events emitted by the bus and their wire encoding.
package events

import (
	"time"

	"github.com/goccy/go-json"

	"tracker/internal/types"
)

type Kind string

const (
	KindOrderStatusChanged Kind = "order_status_changed"
	KindDriverLocation     Kind = "driver_location_realtime"
	KindETAUpdated         Kind = "eta_updated"
	KindNewMessage         Kind = "new_message"
	KindTypingIndicator    Kind = "typing_indicator"
	KindNotification       Kind = "notification"
)

// Event is a value; copies handed to the dispatcher are never mutated.
type Event struct {
	Kind     Kind
	Room     string
	Payload  any
	OriginAt time.Time
}

func New(kind Kind, payload any) Event {
	return Event{Kind: kind, Payload: payload, OriginAt: time.Now().UTC()}
}

// In returns a copy of e addressed to room.
func (e Event) In(room string) Event {
	e.Room = room
	return e
}

type envelope struct {
	Type Kind      `json:"type"`
	Room string    `json:"room"`
	Data any       `json:"data"`
	At   time.Time `json:"at"`
}

// Encode renders the event-name + JSON-payload frame sent to clients.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(envelope{Type: e.Kind, Room: e.Room, Data: e.Payload, At: e.OriginAt})
}

type OrderStatusChanged struct {
	OrderID   types.ID  `json:"orderId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type DriverLocation struct {
	DriverID  types.ID  `json:"driverId"`
	OrderID   *types.ID `json:"orderId,omitempty"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Heading   *float64  `json:"heading,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ETAUpdated struct {
	OrderID    types.ID  `json:"orderId"`
	ETA        time.Time `json:"eta"`
	DistanceKm float64   `json:"distanceKm"`
	Source     string    `json:"source"`
}

type NewMessage struct {
	ConversationID types.ID  `json:"conversationId"`
	MessageID      types.ID  `json:"messageId"`
	SenderID       types.ID  `json:"senderId"`
	Body           string    `json:"body"`
	SentAt         time.Time `json:"sentAt"`
}

type TypingIndicator struct {
	ConversationID types.ID `json:"conversationId"`
	UserID         types.ID `json:"userId"`
	Active         bool     `json:"active"`
}

type Notification struct {
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	OrderID *types.ID         `json:"orderId,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}

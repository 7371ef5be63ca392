// README: Order aggregate and status definitions.
package order

import (
	"strings"
	"time"

	"tracker/internal/types"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusPreparing Status = "PREPARING"
	StatusReady     Status = "READY"
	StatusPickedUp  Status = "PICKED_UP"
	StatusInTransit Status = "IN_TRANSIT"
	StatusDelivered Status = "DELIVERED"
	StatusCancelled Status = "CANCELLED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusConfirmed, StatusPreparing, StatusReady,
	StatusPickedUp, StatusInTransit, StatusDelivered, StatusCancelled,
}

// ParseStatus accepts any casing; OUT_FOR_DELIVERY is an alias of IN_TRANSIT.
func ParseStatus(s string) (Status, bool) {
	v := Status(strings.ToUpper(strings.TrimSpace(s)))
	if v == "OUT_FOR_DELIVERY" {
		return StatusInTransit, true
	}
	for _, st := range Statuses {
		if st == v {
			return v, true
		}
	}
	return "", false
}

func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

type Order struct {
	ID            types.ID
	CustomerID    types.ID
	MerchantID    types.ID
	DriverID      *types.ID
	Status        Status
	StatusVersion int
	Dropoff       *types.Point
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Event is one row of the order_state_events audit trail.
type Event struct {
	ID         int64
	OrderID    types.ID
	FromStatus Status
	ToStatus   Status
	ActorRole  types.Role
	ActorID    *types.ID
	Reason     string
	CreatedAt  time.Time
}

// AllowedTransitions represents the order state flow (diagram) as code.
var AllowedTransitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusPreparing, StatusCancelled},
	StatusPreparing: {StatusReady, StatusCancelled},
	StatusReady:     {StatusPickedUp, StatusCancelled},
	StatusPickedUp:  {StatusInTransit, StatusCancelled},
	StatusInTransit: {StatusDelivered, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// README: Order service applies status transitions: legality, policy, CAS write, then publish.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tracker/internal/events"
	"tracker/internal/logging"
	"tracker/internal/metrics"
	"tracker/internal/modules/dispatch"
	"tracker/internal/modules/room"
	"tracker/internal/types"
)

var (
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrNotAuthorized     = errors.New("not authorized for transition")
	ErrNotFound          = errors.New("order not found")
	ErrConflict          = errors.New("order state conflict")
	ErrBadRequest        = errors.New("bad request")
)

// Repository is the order-record store.
type Repository interface {
	Get(ctx context.Context, id types.ID) (*Order, error)
	UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, driverID *types.ID) (bool, error)
	AppendEvent(ctx context.Context, e *Event) error
	ActiveByDriver(ctx context.Context, driverID types.ID) (*Order, error)
}

// Notifier delivers user-facing notifications for terminal transitions.
type Notifier interface {
	Notify(ctx context.Context, userID types.ID, n events.Notification) error
}

type Service struct {
	store     Repository
	publisher dispatch.Publisher
	notifier  Notifier
	now       func() time.Time
}

func NewService(store Repository, publisher dispatch.Publisher, notifier Notifier) *Service {
	return &Service{store: store, publisher: publisher, notifier: notifier, now: time.Now}
}

type TransitionCommand struct {
	OrderID types.ID
	To      Status
	Actor   types.Identity
	Reason  string
}

// ApplyTransition moves an order to cmd.To. The status write completes before
// any event is published; a failed publish never rolls the write back.
func (s *Service) ApplyTransition(ctx context.Context, cmd TransitionCommand) (*Order, error) {
	if cmd.OrderID == "" || cmd.To == "" {
		return nil, ErrBadRequest
	}
	o, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	from := o.Status
	if !CanTransition(from, cmd.To) {
		metrics.Transitions.WithLabelValues("illegal").Inc()
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, cmd.To)
	}
	claim, err := authorize(cmd.Actor, o, cmd.To)
	if err != nil {
		metrics.Transitions.WithLabelValues("not_authorized").Inc()
		return nil, fmt.Errorf("%w: %s may not move %s -> %s", err, cmd.Actor.Role, from, cmd.To)
	}

	ok, err := s.store.UpdateStatus(ctx, o.ID, from, cmd.To, o.StatusVersion, claim)
	if err != nil {
		metrics.Transitions.WithLabelValues("error").Inc()
		return nil, err
	}
	if !ok {
		metrics.Transitions.WithLabelValues("conflict").Inc()
		return nil, ErrConflict
	}
	now := s.now().UTC()
	o.Status = cmd.To
	o.StatusVersion++
	o.UpdatedAt = now
	if claim != nil {
		o.DriverID = claim
	}
	metrics.Transitions.WithLabelValues("applied").Inc()

	actorID := cmd.Actor.UserID
	if err := s.store.AppendEvent(ctx, &Event{
		OrderID:    o.ID,
		FromStatus: from,
		ToStatus:   cmd.To,
		ActorRole:  cmd.Actor.Role,
		ActorID:    &actorID,
		Reason:     cmd.Reason,
		CreatedAt:  now,
	}); err != nil {
		logging.Warn().Err(err).Str("order", string(o.ID)).Msg("append order event")
	}

	s.publish(ctx, o)
	return o, nil
}

func (s *Service) publish(ctx context.Context, o *Order) {
	if s.publisher == nil {
		return
	}
	ev := events.New(events.KindOrderStatusChanged, events.OrderStatusChanged{
		OrderID:   o.ID,
		Status:    string(o.Status),
		Timestamp: o.UpdatedAt,
	})

	targets := []room.ID{room.Order(o.ID)}
	if o.Status.Terminal() {
		targets = append(targets, room.User(o.CustomerID))
		if o.DriverID != nil {
			targets = append(targets, room.Driver(*o.DriverID))
		}
	}
	for _, target := range targets {
		if _, err := s.publisher.Publish(ctx, ev, target); err != nil {
			logging.Error().Err(err).Str("order", string(o.ID)).Str("room", string(target)).Msg("publish order status")
		}
	}

	if o.Status.Terminal() && s.notifier != nil {
		oid := o.ID
		n := events.Notification{
			Title:   terminalTitle(o.Status),
			Body:    fmt.Sprintf("Order %s is %s", o.ID, o.Status),
			OrderID: &oid,
			Data:    map[string]string{"status": string(o.Status)},
		}
		if err := s.notifier.Notify(ctx, o.CustomerID, n); err != nil {
			logging.Warn().Err(err).Str("order", string(o.ID)).Msg("notify customer")
		}
	}
}

func terminalTitle(s Status) string {
	if s == StatusDelivered {
		return "Order delivered"
	}
	return "Order cancelled"
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Order, error) {
	return s.store.Get(ctx, id)
}

// ActiveByDriver returns the driver's current non-terminal order, or
// ErrNotFound.
func (s *Service) ActiveByDriver(ctx context.Context, driverID types.ID) (*Order, error) {
	return s.store.ActiveByDriver(ctx, driverID)
}

func (s *Service) ActiveOrderID(ctx context.Context, driverID types.ID) (types.ID, bool, error) {
	o, err := s.store.ActiveByDriver(ctx, driverID)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return o.ID, true, nil
}

// Directory adapts the store to the room authorization lookups.
type Directory struct {
	Store Repository
}

func (d Directory) OrderParties(ctx context.Context, id types.ID) (room.Parties, bool, error) {
	o, err := d.Store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return room.Parties{}, false, nil
	}
	if err != nil {
		return room.Parties{}, false, err
	}
	return partiesOf(o), true, nil
}

func (d Directory) ActiveOrderForDriver(ctx context.Context, driverID types.ID) (room.Parties, bool, error) {
	o, err := d.Store.ActiveByDriver(ctx, driverID)
	if errors.Is(err, ErrNotFound) {
		return room.Parties{}, false, nil
	}
	if err != nil {
		return room.Parties{}, false, err
	}
	return partiesOf(o), true, nil
}

func partiesOf(o *Order) room.Parties {
	return room.Parties{OrderID: o.ID, CustomerID: o.CustomerID, MerchantID: o.MerchantID, DriverID: o.DriverID}
}

// README: Event fan-out: per-room FIFO publish, independent bounded deliveries, dead-connection pruning.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tracker/internal/events"
	"tracker/internal/keylock"
	"tracker/internal/logging"
	"tracker/internal/metrics"
	"tracker/internal/modules/connection"
	"tracker/internal/modules/room"
)

const defaultDeliveryTimeout = 2 * time.Second

type Rooms interface {
	MembersOf(id room.ID) []connection.ID
	PruneConnection(id connection.ID)
}

type Connections interface {
	Deliver(ctx context.Context, id connection.ID, frame []byte, timeout time.Duration) error
	MarkClosed(id connection.ID)
}

// Publisher is what domain services depend on.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event, roomID room.ID) (Report, error)
}

type Report struct {
	Room      room.ID
	Attempted int
	Delivered int
	Failed    int
}

type Dispatcher struct {
	rooms   Rooms
	conns   Connections
	timeout time.Duration
	locks   *keylock.Map
}

func New(rooms Rooms, conns Connections, deliveryTimeout time.Duration) *Dispatcher {
	if deliveryTimeout <= 0 {
		deliveryTimeout = defaultDeliveryTimeout
	}
	return &Dispatcher{rooms: rooms, conns: conns, timeout: deliveryTimeout, locks: keylock.New()}
}

// Publish delivers ev to every member of roomID at snapshot time. Publishes
// to the same room are serialized so each subscriber sees them in call
// order. Individual delivery failures close the failing connection and
// never fail the publish. Cancelling ctx does not cut deliveries short.
func (d *Dispatcher) Publish(ctx context.Context, ev events.Event, roomID room.ID) (Report, error) {
	ev = ev.In(string(roomID))
	frame, err := events.Encode(ev)
	if err != nil {
		return Report{Room: roomID}, fmt.Errorf("encode %s: %w", ev.Kind, err)
	}

	unlock := d.locks.Lock(string(roomID))
	defer unlock()

	members := d.rooms.MembersOf(roomID)
	rep := Report{Room: roomID, Attempted: len(members)}
	for _, id := range members {
		if d.deliver(ctx, id, frame) {
			rep.Delivered++
		} else {
			rep.Failed++
		}
	}

	metrics.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()
	logging.Debug().
		Str("room", string(roomID)).
		Str("kind", string(ev.Kind)).
		Int("attempted", rep.Attempted).
		Int("failed", rep.Failed).
		Msg("published")
	return rep, nil
}

func (d *Dispatcher) deliver(ctx context.Context, id connection.ID, frame []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecoveredPanics.WithLabelValues("dispatch").Inc()
			logging.Error().Interface("panic", r).Str("conn", string(id)).Msg("delivery panicked")
			d.drop(id)
			ok = false
		}
	}()

	// Only the delivery timeout bounds a delivery; a publisher whose own
	// context ends mid-publish must not close healthy subscribers.
	err := d.conns.Deliver(context.WithoutCancel(ctx), id, frame, d.timeout)
	switch {
	case err == nil:
		metrics.Deliveries.WithLabelValues("ok").Inc()
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		metrics.Deliveries.WithLabelValues("aborted").Inc()
		return false
	case errors.Is(err, connection.ErrClosed):
		// closed between snapshot and delivery
		metrics.Deliveries.WithLabelValues("closed").Inc()
		d.rooms.PruneConnection(id)
		return false
	default:
		metrics.Deliveries.WithLabelValues("failed").Inc()
		logging.Warn().Err(err).Str("conn", string(id)).Msg("delivery failed, closing connection")
		d.drop(id)
		return false
	}
}

func (d *Dispatcher) drop(id connection.ID) {
	d.conns.MarkClosed(id)
	d.rooms.PruneConnection(id)
}

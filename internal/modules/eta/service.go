// README: ETA observer: recomputes the active order's ETA on each accepted driver location.
package eta

import (
	"context"
	"time"

	"tracker/internal/events"
	"tracker/internal/logging"
	"tracker/internal/modules/dispatch"
	"tracker/internal/modules/location"
	"tracker/internal/modules/order"
	"tracker/internal/modules/room"
	"tracker/internal/types"
)

const estimateTimeout = 3 * time.Second

type Orders interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
}

type Service struct {
	estimator Estimator
	orders    Orders
	publisher dispatch.Publisher
	now       func() time.Time
}

func NewService(estimator Estimator, orders Orders, publisher dispatch.Publisher) *Service {
	return &Service{estimator: estimator, orders: orders, publisher: publisher, now: time.Now}
}

var _ location.Observer = (*Service)(nil)

// OnLocation publishes eta_updated to the order room. Nothing is retained.
func (s *Service) OnLocation(ctx context.Context, smp location.Sample, orderID *types.ID) {
	if orderID == nil {
		return
	}
	o, err := s.orders.Get(ctx, *orderID)
	if err != nil {
		logging.Warn().Err(err).Str("order", string(*orderID)).Msg("eta: load order")
		return
	}
	if o.Dropoff == nil || o.Status.Terminal() {
		return
	}

	ectx, cancel := context.WithTimeout(ctx, estimateTimeout)
	defer cancel()
	est, err := s.estimator.Estimate(ectx, smp.Point(), *o.Dropoff)
	if err != nil {
		logging.Warn().Err(err).Str("order", string(o.ID)).Msg("eta: estimate")
		return
	}

	ev := events.New(events.KindETAUpdated, events.ETAUpdated{
		OrderID:    o.ID,
		ETA:        s.now().UTC().Add(est.Duration),
		DistanceKm: est.DistanceKm,
		Source:     est.Source,
	})
	if _, err := s.publisher.Publish(ctx, ev, room.Order(o.ID)); err != nil {
		logging.Error().Err(err).Str("order", string(o.ID)).Msg("eta: publish")
	}
}

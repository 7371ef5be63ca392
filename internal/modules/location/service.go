// README: Location ingestion: validate, per-driver throttle, cache, mirror, fan out.
package location

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tracker/internal/events"
	"tracker/internal/keylock"
	"tracker/internal/logging"
	"tracker/internal/metrics"
	"tracker/internal/modules/dispatch"
	"tracker/internal/modules/room"
	"tracker/internal/types"
)

const (
	DefaultMinInterval = 5 * time.Second
	mirrorTimeout      = 2 * time.Second
)

// ActiveOrders resolves the order a driver is currently assigned to.
type ActiveOrders interface {
	ActiveOrderID(ctx context.Context, driverID types.ID) (types.ID, bool, error)
}

// Mirror copies accepted samples to an external last-known-location store.
type Mirror interface {
	Name() string
	Mirror(ctx context.Context, s Sample) error
}

// Reader is implemented by mirrors that can serve samples back.
type Reader interface {
	Lookup(ctx context.Context, driverID types.ID) (Sample, bool, error)
}

// Remover is implemented by mirrors that can drop a driver's entry.
type Remover interface {
	Remove(ctx context.Context, driverID types.ID) error
}

// Observer is notified after a sample is accepted and published.
type Observer interface {
	OnLocation(ctx context.Context, s Sample, orderID *types.ID)
}

type Options struct {
	// MinInterval between accepted samples per driver; zero means
	// DefaultMinInterval, negative disables the throttle.
	MinInterval time.Duration
	Now         func() time.Time
}

type Service struct {
	publisher dispatch.Publisher
	orders    ActiveOrders
	mirrors   []Mirror
	minGap    time.Duration
	now       func() time.Time

	locks *keylock.Map
	mu    sync.RWMutex
	last  map[types.ID]Sample

	obsMu     sync.RWMutex
	observers []Observer
}

func NewService(publisher dispatch.Publisher, orders ActiveOrders, opts Options, mirrors ...Mirror) *Service {
	switch {
	case opts.MinInterval == 0:
		opts.MinInterval = DefaultMinInterval
	case opts.MinInterval < 0:
		// throttle disabled
		opts.MinInterval = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		publisher: publisher,
		orders:    orders,
		mirrors:   mirrors,
		minGap:    opts.MinInterval,
		now:       opts.Now,
		locks:     keylock.New(),
		last:      make(map[types.ID]Sample),
	}
}

func (s *Service) AddObserver(o Observer) {
	s.obsMu.Lock()
	s.observers = append(s.observers, o)
	s.obsMu.Unlock()
}

// Ingest accepts a sample for driverID. Rejections leave the cache untouched.
func (s *Service) Ingest(ctx context.Context, driverID types.ID, in Sample) (Sample, error) {
	if driverID == "" || !validCoordinates(in.Lat, in.Lng) {
		metrics.LocationSamples.WithLabelValues("invalid").Inc()
		return Sample{}, fmt.Errorf("%w: lat=%v lng=%v", ErrInvalidSample, in.Lat, in.Lng)
	}

	unlock := s.locks.Lock(string(driverID))
	accepted, orderID, err := s.accept(ctx, driverID, in)
	unlock()
	if err != nil {
		return Sample{}, err
	}

	s.mirror(ctx, accepted)
	s.notify(ctx, accepted, orderID)
	return accepted, nil
}

// accept runs under the driver's lock so checks, cache write and publish are
// ordered per driver.
func (s *Service) accept(ctx context.Context, driverID types.ID, in Sample) (Sample, *types.ID, error) {
	now := s.now()
	in.DriverID = driverID
	in.ReceivedAt = now
	if in.SampledAt.IsZero() {
		in.SampledAt = now
	}

	if prev, ok := s.Last(driverID); ok {
		if in.SampledAt.Before(prev.SampledAt) {
			metrics.LocationSamples.WithLabelValues("stale").Inc()
			return Sample{}, nil, ErrStaleSample
		}
		if now.Sub(prev.ReceivedAt) < s.minGap {
			metrics.LocationSamples.WithLabelValues("rate_limited").Inc()
			return Sample{}, nil, ErrRateLimited
		}
	}

	s.mu.Lock()
	s.last[driverID] = in
	s.mu.Unlock()
	metrics.LocationSamples.WithLabelValues("accepted").Inc()

	orderID := s.activeOrder(ctx, driverID)
	s.publish(ctx, in, orderID)
	return in, orderID, nil
}

func (s *Service) activeOrder(ctx context.Context, driverID types.ID) *types.ID {
	if s.orders == nil {
		return nil
	}
	id, ok, err := s.orders.ActiveOrderID(ctx, driverID)
	if err != nil {
		logging.Warn().Err(err).Str("driver", string(driverID)).Msg("active order lookup")
		return nil
	}
	if !ok {
		return nil
	}
	return &id
}

func (s *Service) publish(ctx context.Context, smp Sample, orderID *types.ID) {
	if s.publisher == nil {
		return
	}
	ev := events.New(events.KindDriverLocation, events.DriverLocation{
		DriverID:  smp.DriverID,
		OrderID:   orderID,
		Latitude:  smp.Lat,
		Longitude: smp.Lng,
		Heading:   smp.Heading,
		Speed:     smp.Speed,
		Accuracy:  smp.Accuracy,
		Timestamp: smp.SampledAt,
	})

	targets := []room.ID{room.Driver(smp.DriverID)}
	if orderID != nil {
		targets = append(targets, room.Order(*orderID))
	}
	for _, target := range targets {
		if _, err := s.publisher.Publish(ctx, ev, target); err != nil {
			logging.Error().Err(err).Str("room", string(target)).Msg("publish driver location")
		}
	}
}

func (s *Service) mirror(ctx context.Context, smp Sample) {
	for _, m := range s.mirrors {
		mctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
		err := m.Mirror(mctx, smp)
		cancel()
		if err != nil {
			logging.Warn().Err(err).Str("mirror", m.Name()).Str("driver", string(smp.DriverID)).Msg("mirror location")
		}
	}
}

func (s *Service) notify(ctx context.Context, smp Sample, orderID *types.ID) {
	s.obsMu.RLock()
	obs := append([]Observer(nil), s.observers...)
	s.obsMu.RUnlock()
	for _, o := range obs {
		o.OnLocation(ctx, smp, orderID)
	}
}

// Last returns the most recent accepted sample for driverID.
func (s *Service) Last(driverID types.ID) (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	smp, ok := s.last[driverID]
	return smp, ok
}

// Forget drops the cached sample and any mirrored copy, e.g. when a driver
// goes off shift.
func (s *Service) Forget(ctx context.Context, driverID types.ID) {
	unlock := s.locks.Lock(string(driverID))
	s.mu.Lock()
	delete(s.last, driverID)
	s.mu.Unlock()
	unlock()

	for _, m := range s.mirrors {
		r, ok := unwrap(m).(Remover)
		if !ok {
			continue
		}
		if err := r.Remove(ctx, driverID); err != nil {
			logging.Warn().Err(err).Str("mirror", m.Name()).Str("driver", string(driverID)).Msg("remove mirrored location")
		}
	}
}

// Lookup returns the cached sample, falling back to the first mirror that
// can read samples back.
func (s *Service) Lookup(ctx context.Context, driverID types.ID) (Sample, bool, error) {
	if smp, ok := s.Last(driverID); ok {
		return smp, true, nil
	}
	for _, m := range s.mirrors {
		r, ok := unwrap(m).(Reader)
		if !ok {
			continue
		}
		return r.Lookup(ctx, driverID)
	}
	return Sample{}, false, nil
}

func unwrap(m Mirror) Mirror {
	for {
		w, ok := m.(interface{ Unwrap() Mirror })
		if !ok {
			return m
		}
		m = w.Unwrap()
	}
}

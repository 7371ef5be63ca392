// README: ETA observer and estimator tests.
package eta

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"tracker/internal/events"
	"tracker/internal/modules/dispatch"
	"tracker/internal/modules/location"
	"tracker/internal/modules/order"
	"tracker/internal/modules/room"
	"tracker/internal/types"
)

type mapOrders map[types.ID]*order.Order

func (m mapOrders) Get(ctx context.Context, id types.ID) (*order.Order, error) {
	o, ok := m[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o, nil
}

type capture struct {
	mu     sync.Mutex
	events []events.Event
	rooms  []room.ID
}

func (c *capture) Publish(ctx context.Context, ev events.Event, id room.ID) (dispatch.Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	c.rooms = append(c.rooms, id)
	return dispatch.Report{}, nil
}

func TestStraightLine(t *testing.T) {
	// one degree of latitude is ~111.2 km
	est, err := StraightLine{AvgSpeedKmh: 30}.Estimate(context.Background(),
		types.Point{Lat: 0, Lng: 0}, types.Point{Lat: 1, Lng: 0})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if math.Abs(est.DistanceKm-111.2) > 0.5 {
		t.Fatalf("distance = %f", est.DistanceKm)
	}
	wantHours := est.DistanceKm / 30
	if math.Abs(est.Duration.Hours()-wantHours) > 0.001 {
		t.Fatalf("duration = %v, want %.3fh", est.Duration, wantHours)
	}

	if _, err := (StraightLine{}).Estimate(context.Background(), types.Point{}, types.Point{}); err == nil {
		t.Fatal("zero speed accepted")
	}
}

type failingEstimator struct{}

func (failingEstimator) Estimate(context.Context, types.Point, types.Point) (Estimate, error) {
	return Estimate{}, errors.New("quota exceeded")
}

func TestOnLocationPublishesETA(t *testing.T) {
	dropoff := types.Point{Lat: 25.05, Lng: 121.52}
	orders := mapOrders{
		"O":    {ID: "O", Status: order.StatusInTransit, Dropoff: &dropoff},
		"done": {ID: "done", Status: order.StatusDelivered, Dropoff: &dropoff},
		"nod":  {ID: "nod", Status: order.StatusPickedUp},
	}
	pub := &capture{}
	svc := NewService(StraightLine{AvgSpeedKmh: 30}, orders, pub)
	fixed := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	oid := types.ID("O")
	svc.OnLocation(context.Background(), location.Sample{DriverID: "D", Lat: 25.03, Lng: 121.56}, &oid)
	if len(pub.events) != 1 || pub.rooms[0] != room.Order("O") {
		t.Fatalf("published %d events to %v", len(pub.events), pub.rooms)
	}
	payload := pub.events[0].Payload.(events.ETAUpdated)
	if !payload.ETA.After(fixed) || payload.Source != "straight_line" {
		t.Fatalf("unexpected payload %+v", payload)
	}

	for _, id := range []types.ID{"done", "nod", "missing"} {
		id := id
		svc.OnLocation(context.Background(), location.Sample{DriverID: "D"}, &id)
	}
	svc.OnLocation(context.Background(), location.Sample{DriverID: "D"}, nil)
	if len(pub.events) != 1 {
		t.Fatalf("unexpected extra ETA events: %d", len(pub.events))
	}

	svc.estimator = failingEstimator{}
	svc.OnLocation(context.Background(), location.Sample{DriverID: "D"}, &oid)
	if len(pub.events) != 1 {
		t.Fatal("estimate failure still published")
	}
}

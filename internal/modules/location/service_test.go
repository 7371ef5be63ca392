// README: Location pipeline tests: throttle, stale rejection, fan-out targets, mirrors.
package location

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"

	"tracker/internal/events"
	"tracker/internal/modules/dispatch"
	"tracker/internal/modules/room"
	"tracker/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type capturePublisher struct {
	mu    sync.Mutex
	rooms []room.ID
}

func (p *capturePublisher) Publish(ctx context.Context, ev events.Event, id room.ID) (dispatch.Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rooms = append(p.rooms, id)
	return dispatch.Report{Room: id}, nil
}

type staticOrders map[types.ID]types.ID

func (s staticOrders) ActiveOrderID(ctx context.Context, driverID types.ID) (types.ID, bool, error) {
	id, ok := s[driverID]
	return id, ok, nil
}

type fakeMirror struct {
	mu      sync.Mutex
	err     error
	calls   int
	removed []types.ID
}

func (m *fakeMirror) Name() string { return "fake" }

func (m *fakeMirror) Mirror(ctx context.Context, s Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.err
}

func (m *fakeMirror) Remove(ctx context.Context, id types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, id)
	return nil
}

type observerFunc func(ctx context.Context, s Sample, orderID *types.ID)

func (f observerFunc) OnLocation(ctx context.Context, s Sample, orderID *types.ID) { f(ctx, s, orderID) }

func newTestService(orders ActiveOrders, mirrors ...Mirror) (*Service, *fakeClock, *capturePublisher) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	pub := &capturePublisher{}
	svc := NewService(pub, orders, Options{MinInterval: 5 * time.Second, Now: clock.Now}, mirrors...)
	return svc, clock, pub
}

func sampleAt(clock *fakeClock, lat, lng float64) Sample {
	return Sample{Lat: lat, Lng: lng, SampledAt: clock.Now()}
}

func TestIngestThrottle(t *testing.T) {
	svc, clock, _ := newTestService(nil)
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, "D", sampleAt(clock, 25.0, 121.0)); err != nil {
		t.Fatalf("t=0: %v", err)
	}

	clock.Advance(3 * time.Second)
	if _, err := svc.Ingest(ctx, "D", sampleAt(clock, 25.1, 121.1)); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("t=3s: expected ErrRateLimited, got %v", err)
	}

	clock.Advance(3 * time.Second)
	if _, err := svc.Ingest(ctx, "D", sampleAt(clock, 25.2, 121.2)); err != nil {
		t.Fatalf("t=6s: %v", err)
	}

	last, ok := svc.Last("D")
	if !ok || last.Lat != 25.2 {
		t.Fatalf("cache = %+v, want the t=6s sample", last)
	}
}

func TestIngestThrottleIsPerDriver(t *testing.T) {
	svc, clock, _ := newTestService(nil)
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, "D1", sampleAt(clock, 1, 1)); err != nil {
		t.Fatalf("D1: %v", err)
	}
	if _, err := svc.Ingest(ctx, "D2", sampleAt(clock, 1, 1)); err != nil {
		t.Fatalf("D2 throttled by D1: %v", err)
	}
}

func TestIngestStaleSample(t *testing.T) {
	svc, clock, _ := newTestService(nil)
	ctx := context.Background()

	first := sampleAt(clock, 10, 10)
	if _, err := svc.Ingest(ctx, "D", first); err != nil {
		t.Fatalf("first: %v", err)
	}

	clock.Advance(10 * time.Second)
	old := Sample{Lat: 11, Lng: 11, SampledAt: first.SampledAt.Add(-time.Second)}
	if _, err := svc.Ingest(ctx, "D", old); !errors.Is(err, ErrStaleSample) {
		t.Fatalf("expected ErrStaleSample, got %v", err)
	}
	if last, _ := svc.Last("D"); last.Lat != 10 {
		t.Fatalf("stale sample overwrote cache: %+v", last)
	}
}

func TestIngestInvalidSample(t *testing.T) {
	svc, clock, pub := newTestService(nil)
	cases := []struct {
		driver   types.ID
		lat, lng float64
	}{
		{"D", 91, 0},
		{"D", 0, 181},
		{"D", -90.5, 0},
		{"", 10, 10},
	}
	for _, tc := range cases {
		if _, err := svc.Ingest(context.Background(), tc.driver, sampleAt(clock, tc.lat, tc.lng)); !errors.Is(err, ErrInvalidSample) {
			t.Errorf("(%q, %v, %v): expected ErrInvalidSample, got %v", tc.driver, tc.lat, tc.lng, err)
		}
	}
	if len(pub.rooms) != 0 {
		t.Fatal("invalid samples were published")
	}
}

func TestIngestPublishTargets(t *testing.T) {
	svc, clock, pub := newTestService(staticOrders{"D": "O"})
	if _, err := svc.Ingest(context.Background(), "D", sampleAt(clock, 1, 1)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	want := []room.ID{room.Driver("D"), room.Order("O")}
	if fmt.Sprint(pub.rooms) != fmt.Sprint(want) {
		t.Fatalf("published to %v, want %v", pub.rooms, want)
	}

	svc2, clock2, pub2 := newTestService(staticOrders{})
	if _, err := svc2.Ingest(context.Background(), "D", sampleAt(clock2, 1, 1)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(pub2.rooms) != 1 || pub2.rooms[0] != room.Driver("D") {
		t.Fatalf("published to %v, want only the driver room", pub2.rooms)
	}
}

func TestIngestMirrorFailureDoesNotReject(t *testing.T) {
	mirror := &fakeMirror{err: errors.New("redis down")}
	svc, clock, _ := newTestService(nil, mirror)
	if _, err := svc.Ingest(context.Background(), "D", sampleAt(clock, 1, 1)); err != nil {
		t.Fatalf("mirror failure surfaced: %v", err)
	}
	if mirror.calls != 1 {
		t.Fatalf("mirror calls = %d, want 1", mirror.calls)
	}
}

func TestIngestNotifiesObservers(t *testing.T) {
	svc, clock, _ := newTestService(staticOrders{"D": "O"})
	var got *types.ID
	svc.AddObserver(observerFunc(func(ctx context.Context, s Sample, orderID *types.ID) {
		got = orderID
	}))
	if _, err := svc.Ingest(context.Background(), "D", sampleAt(clock, 1, 1)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if got == nil || *got != "O" {
		t.Fatalf("observer saw order %v, want O", got)
	}
}

func TestConcurrentIngestAcceptsOne(t *testing.T) {
	svc, clock, _ := newTestService(nil)
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Ingest(context.Background(), "D", sampleAt(clock, 1, 1)); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if accepted != 1 {
		t.Fatalf("accepted = %d, want 1", accepted)
	}
}

func TestForgetRemovesFromBreakerWrappedMirror(t *testing.T) {
	mirror := &fakeMirror{}
	svc, clock, _ := newTestService(nil, WithBreaker(mirror, BreakerConfig{}))
	_, _ = svc.Ingest(context.Background(), "D", sampleAt(clock, 1, 1))

	svc.Forget(context.Background(), "D")
	if _, ok := svc.Last("D"); ok {
		t.Fatal("cache not cleared")
	}
	if len(mirror.removed) != 1 || mirror.removed[0] != "D" {
		t.Fatalf("mirror removals = %v", mirror.removed)
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	inner := &fakeMirror{err: errors.New("timeout")}
	m := WithBreaker(inner, BreakerConfig{FailureThreshold: 3, OpenTimeout: time.Minute})
	for i := 0; i < 3; i++ {
		_ = m.Mirror(context.Background(), Sample{})
	}
	err := m.Mirror(context.Background(), Sample{})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected ErrOpenState, got %v", err)
	}
	if inner.calls != 3 {
		t.Fatalf("inner calls = %d, want 3", inner.calls)
	}
}

func TestRedisMirrorRoundTrip(t *testing.T) {
	redisAddr := os.Getenv("TRACKER_REDIS_ADDR")
	if redisAddr == "" {
		t.Skip("TRACKER_REDIS_ADDR not set; skipping integration test")
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	ctx := context.Background()
	m := NewRedisMirror(rdb)
	heading := 90.0
	driverID := types.ID(fmt.Sprintf("driver_test_%d", time.Now().UnixNano()))
	in := Sample{
		DriverID:   driverID,
		Lat:        40.7128,
		Lng:        -74.0060,
		Heading:    &heading,
		SampledAt:  time.Now().UTC().Truncate(time.Millisecond),
		ReceivedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := m.Mirror(ctx, in); err != nil {
		t.Fatalf("mirror: %v", err)
	}
	t.Cleanup(func() { _ = m.Remove(ctx, driverID) })

	pos, err := rdb.GeoPos(ctx, driverGeoKey, string(driverID)).Result()
	if err != nil {
		t.Fatalf("failed to query redis geo: %v", err)
	}
	if len(pos) == 0 || pos[0] == nil {
		t.Fatalf("expected position in redis, got none")
	}

	out, ok, err := m.Lookup(ctx, driverID)
	if err != nil || !ok {
		t.Fatalf("lookup: %v %v", ok, err)
	}
	if out.Lat != in.Lat || out.Lng != in.Lng || out.Heading == nil || *out.Heading != heading {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if !out.SampledAt.Equal(in.SampledAt) {
		t.Fatalf("sampled_at = %v, want %v", out.SampledAt, in.SampledAt)
	}
}

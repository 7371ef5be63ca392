// README: Last-known-location mirror in Redis (GEO set for proximity, hash for detail).
package location

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tracker/internal/types"
)

const (
	driverGeoKey     = "tracker:drivers:geo"
	driverHashPrefix = "tracker:driver:%s:location"
	// Entries outlive a shift; a driver silent this long is gone.
	locationTTL = 12 * time.Hour
)

type RedisMirror struct {
	redis *redis.Client
}

func NewRedisMirror(client *redis.Client) *RedisMirror {
	return &RedisMirror{redis: client}
}

func (m *RedisMirror) Name() string { return "redis" }

func (m *RedisMirror) Mirror(ctx context.Context, s Sample) error {
	fields := map[string]interface{}{
		"lat":         strconv.FormatFloat(s.Lat, 'f', -1, 64),
		"lng":         strconv.FormatFloat(s.Lng, 'f', -1, 64),
		"sampled_at":  s.SampledAt.UTC().Format(time.RFC3339Nano),
		"received_at": s.ReceivedAt.UTC().Format(time.RFC3339Nano),
	}
	if s.Heading != nil {
		fields["heading"] = strconv.FormatFloat(*s.Heading, 'f', -1, 64)
	}
	if s.Speed != nil {
		fields["speed"] = strconv.FormatFloat(*s.Speed, 'f', -1, 64)
	}
	if s.Accuracy != nil {
		fields["accuracy"] = strconv.FormatFloat(*s.Accuracy, 'f', -1, 64)
	}

	key := hashKey(s.DriverID)
	pipe := m.redis.Pipeline()
	pipe.GeoAdd(ctx, driverGeoKey, &redis.GeoLocation{
		Name:      string(s.DriverID),
		Longitude: s.Lng,
		Latitude:  s.Lat,
	})
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, locationTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Lookup reads the mirrored sample back; used when the in-process cache is
// cold after a restart.
func (m *RedisMirror) Lookup(ctx context.Context, driverID types.ID) (Sample, bool, error) {
	vals, err := m.redis.HGetAll(ctx, hashKey(driverID)).Result()
	if err != nil {
		return Sample{}, false, err
	}
	if len(vals) == 0 {
		return Sample{}, false, nil
	}

	s := Sample{DriverID: driverID}
	if s.Lat, err = strconv.ParseFloat(vals["lat"], 64); err != nil {
		return Sample{}, false, fmt.Errorf("parse lat: %w", err)
	}
	if s.Lng, err = strconv.ParseFloat(vals["lng"], 64); err != nil {
		return Sample{}, false, fmt.Errorf("parse lng: %w", err)
	}
	s.SampledAt, _ = time.Parse(time.RFC3339Nano, vals["sampled_at"])
	s.ReceivedAt, _ = time.Parse(time.RFC3339Nano, vals["received_at"])
	s.Heading = optFloat(vals, "heading")
	s.Speed = optFloat(vals, "speed")
	s.Accuracy = optFloat(vals, "accuracy")
	return s, true, nil
}

// Remove drops a driver from the mirror.
func (m *RedisMirror) Remove(ctx context.Context, driverID types.ID) error {
	pipe := m.redis.Pipeline()
	pipe.ZRem(ctx, driverGeoKey, string(driverID))
	pipe.Del(ctx, hashKey(driverID))
	_, err := pipe.Exec(ctx)
	return err
}

func hashKey(id types.ID) string {
	return fmt.Sprintf(driverHashPrefix, string(id))
}

func optFloat(vals map[string]string, key string) *float64 {
	raw, ok := vals[key]
	if !ok {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &v
}

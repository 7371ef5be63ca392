// README: Driver location samples and ingestion errors.
package location

import (
	"errors"
	"time"

	"tracker/internal/types"
)

var (
	ErrInvalidSample = errors.New("invalid location sample")
	ErrStaleSample   = errors.New("stale location sample")
	ErrRateLimited   = errors.New("location sample rate limited")
)

// Sample is one GPS fix from a driver. SampledAt is set by the producer,
// ReceivedAt by the server on ingest.
type Sample struct {
	DriverID   types.ID
	Lat        float64
	Lng        float64
	Heading    *float64
	Speed      *float64
	Accuracy   *float64
	SampledAt  time.Time
	ReceivedAt time.Time
}

func (s Sample) Point() types.Point {
	return types.Point{Lat: s.Lat, Lng: s.Lng}
}

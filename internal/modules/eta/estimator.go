// README: Travel-time estimators: straight line at an assumed speed, or Google Maps Directions.
package eta

import (
	"context"
	"errors"
	"fmt"
	"time"

	"googlemaps.github.io/maps"

	"tracker/internal/modules/location"
	"tracker/internal/types"
)

type Estimate struct {
	Duration   time.Duration
	DistanceKm float64
	Source     string
}

type Estimator interface {
	Estimate(ctx context.Context, from, to types.Point) (Estimate, error)
}

// StraightLine divides haversine distance by an assumed average speed.
type StraightLine struct {
	AvgSpeedKmh float64
}

func (s StraightLine) Estimate(_ context.Context, from, to types.Point) (Estimate, error) {
	if s.AvgSpeedKmh <= 0 {
		return Estimate{}, errors.New("average speed must be positive")
	}
	km := location.DistanceKm(from, to)
	hours := km / s.AvgSpeedKmh
	return Estimate{
		Duration:   time.Duration(hours * float64(time.Hour)),
		DistanceKm: km,
		Source:     "straight_line",
	}, nil
}

// RouteEstimator asks Google Maps for a driving route and falls back when
// the API fails.
type RouteEstimator struct {
	client   *maps.Client
	fallback Estimator
}

func NewRouteEstimator(apiKey string, fallback Estimator) (*RouteEstimator, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &RouteEstimator{client: client, fallback: fallback}, nil
}

func (r *RouteEstimator) Estimate(ctx context.Context, from, to types.Point) (Estimate, error) {
	est, err := r.directions(ctx, from, to)
	if err == nil || r.fallback == nil {
		return est, err
	}
	return r.fallback.Estimate(ctx, from, to)
}

func (r *RouteEstimator) directions(ctx context.Context, from, to types.Point) (Estimate, error) {
	req := &maps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := r.client.Directions(ctx, req)
	if err != nil {
		return Estimate{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Estimate{}, errors.New("no route found")
	}
	leg := routes[0].Legs[0]
	return Estimate{
		Duration:   leg.Duration,
		DistanceKm: float64(leg.Distance.Meters) / 1000,
		Source:     "google_maps",
	}, nil
}

func latLng(p types.Point) string {
	return fmt.Sprintf("%f,%f", p.Lat, p.Lng)
}

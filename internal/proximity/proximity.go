// Package proximity answers radius queries over the last-known-position
// projection. It never reads raw ping history, so result freshness is
// bounded by the reconciliation interval.
package proximity

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/genialo555/ecotrack-tracking/internal/geo"
	"github.com/genialo555/ecotrack-tracking/internal/store"
	"github.com/genialo555/ecotrack-tracking/internal/track"
)

// Match is one user found inside the query radius.
type Match struct {
	UserID     string  `json:"userId"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	DistanceKm float64 `json:"distanceKm"`
}

// Service runs proximity queries against a UserStore.
type Service struct {
	users store.UserStore

	queries metric.Int64Counter
}

func New(users store.UserStore) *Service {
	meter := otel.Meter("tracking-proximity")
	queries, _ := meter.Int64Counter("proximity.queries",
		metric.WithDescription("Number of proximity queries served"))
	return &Service{users: users, queries: queries}
}

// Near returns the active users whose last-known position lies within
// radiusKm of center. The boundary is inclusive and the result order is
// unspecified.
func (s *Service) Near(ctx context.Context, center geo.Point, radiusKm float64) ([]Match, error) {
	if center.Lat < -90 || center.Lat > 90 {
		return nil, &track.ValidationError{Field: "latitude", Reason: "must be between -90 and 90"}
	}
	if center.Lon < -180 || center.Lon > 180 {
		return nil, &track.ValidationError{Field: "longitude", Reason: "must be between -180 and 180"}
	}
	if radiusKm < 0 {
		return nil, &track.ValidationError{Field: "radiusKm", Reason: "must not be negative"}
	}

	positions, err := s.users.ActivePositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active positions: %w", err)
	}

	matches := make([]Match, 0)
	for _, pos := range positions {
		p := geo.Point{Lat: pos.Latitude, Lon: pos.Longitude}
		d := geo.DistanceKm(center, p)
		if d <= radiusKm {
			matches = append(matches, Match{
				UserID:     pos.UserID,
				Latitude:   pos.Latitude,
				Longitude:  pos.Longitude,
				DistanceKm: d,
			})
		}
	}
	s.queries.Add(ctx, 1)
	return matches, nil
}

// Package store persists location history and the denormalized last-known
// position projection. The active projection invariant lives in the write
// path: Append deactivates the user's prior active row in the same
// transaction, so at most one isActive row exists per user at any instant.
package store

import (
	"context"
	"time"

	"github.com/genialo555/ecotrack-tracking/internal/track"
)

// LocationStore is the append-only ping history plus the active projection.
type LocationStore interface {
	// Append inserts a new active ping and clears the user's previous
	// active row atomically. It assigns the store sequence to ping.Seq.
	Append(ctx context.Context, ping *track.LocationPing) error
	// Deactivate clears the user's active row(s); used on disconnect.
	Deactivate(ctx context.Context, userID string) error
	// ActiveLocations returns one row per currently-active user, most
	// recent first.
	ActiveLocations(ctx context.Context) ([]track.LocationPing, error)
	// History returns the user's pings in arrival order. Zero from/to
	// bounds are open-ended; bounds are inclusive.
	History(ctx context.Context, userID string, from, to time.Time) ([]track.LocationPing, error)
	// Purge deletes pings strictly older than the cutoff and reports how
	// many rows were removed.
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

// Position is one user's last-known position, as read back for proximity
// queries and fleet dashboards.
type Position struct {
	UserID    string    `json:"userId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UserStore is the slice of the platform user record this subsystem touches.
type UserStore interface {
	Get(ctx context.Context, userID string) (*track.User, error)
	// SetLastKnownPosition writes the projection. UpdatedAt is monotonic
	// per user: a write with an older timestamp is a silent no-op.
	SetLastKnownPosition(ctx context.Context, userID string, lat, lon float64, at time.Time) error
	// ActivePositions returns the last-known positions of active users
	// that have one; feeds the proximity query.
	ActivePositions(ctx context.Context) ([]Position, error)
}

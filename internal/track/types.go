// Package track holds the domain types and wire payloads of the live
// location-tracking subsystem: location pings, the denormalized last-known
// position projection, and the events fanned out to observers.
package track

import "time"

// LocationPing is one reported location sample from a client. Pings are
// immutable after insert except for the IsActive flag, which the store
// clears when a newer ping arrives or the user disconnects.
type LocationPing struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Latitude  float64        `json:"latitude"`
	Longitude float64        `json:"longitude"`
	Timestamp time.Time      `json:"timestamp"`
	Accuracy  *float64       `json:"accuracy,omitempty"`
	Speed     *float64       `json:"speed,omitempty"`
	Heading   *float64       `json:"heading,omitempty"`
	IsActive  bool           `json:"isActive"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// Seq is the store-assigned arrival order. It is the tiebreak for
	// "most recent" when client timestamps coincide or go backwards.
	Seq int64 `json:"-"`
}

// LastKnownPosition is the projection written onto the user record by the
// reconciliation job. UpdatedAt is monotonically non-decreasing per user.
type LastKnownPosition struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// User is the slice of the platform user record this subsystem reads and
// writes. The rest of the record (profile, vehicles, goals) is owned by the
// CRUD services and never touched here.
type User struct {
	ID                string             `json:"id"`
	Active            bool               `json:"active"`
	LastKnownPosition *LastKnownPosition `json:"lastKnownPosition,omitempty"`
}

// LocationUpdateEvent is delivered to every observer subscribed to a user
// when that user reports a new location.
type LocationUpdateEvent struct {
	UserID   string       `json:"userId"`
	Location LocationPing `json:"location"`
}

// UserStatusEvent is delivered to observers when a user's presence changes.
type UserStatusEvent struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

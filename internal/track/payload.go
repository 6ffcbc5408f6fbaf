package track

import (
	"time"
)

// UpdateLocationPayload is the client→server body of an updateLocation
// message. Latitude and longitude are pointers so a missing field is
// distinguishable from a legitimate zero coordinate.
type UpdateLocationPayload struct {
	Latitude  *float64       `json:"latitude"`
	Longitude *float64       `json:"longitude"`
	Timestamp string         `json:"timestamp"`
	Accuracy  *float64       `json:"accuracy,omitempty"`
	Speed     *float64       `json:"speed,omitempty"`
	Heading   *float64       `json:"heading,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Validate checks ranges and presence and returns the parsed timestamp.
func (p *UpdateLocationPayload) Validate() (time.Time, error) {
	if p.Latitude == nil {
		return time.Time{}, &ValidationError{Field: "latitude", Reason: "missing"}
	}
	if *p.Latitude < -90 || *p.Latitude > 90 {
		return time.Time{}, &ValidationError{Field: "latitude", Reason: "out of range [-90,90]"}
	}
	if p.Longitude == nil {
		return time.Time{}, &ValidationError{Field: "longitude", Reason: "missing"}
	}
	if *p.Longitude < -180 || *p.Longitude > 180 {
		return time.Time{}, &ValidationError{Field: "longitude", Reason: "out of range [-180,180]"}
	}
	if p.Timestamp == "" {
		return time.Time{}, &ValidationError{Field: "timestamp", Reason: "missing"}
	}
	ts, err := time.Parse(time.RFC3339, p.Timestamp)
	if err != nil {
		return time.Time{}, &ValidationError{Field: "timestamp", Reason: "not ISO8601"}
	}
	if p.Accuracy != nil && *p.Accuracy < 0 {
		return time.Time{}, &ValidationError{Field: "accuracy", Reason: "negative"}
	}
	if p.Speed != nil && *p.Speed < 0 {
		return time.Time{}, &ValidationError{Field: "speed", Reason: "negative"}
	}
	if p.Heading != nil && (*p.Heading < 0 || *p.Heading >= 360) {
		return time.Time{}, &ValidationError{Field: "heading", Reason: "out of range [0,360)"}
	}
	return ts, nil
}

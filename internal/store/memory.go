package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/genialo555/ecotrack-tracking/internal/track"
)

// MemoryStore is the in-process LocationStore and UserStore used in
// development (DATABASE_URL=memory) and by tests. It enforces the same
// invariants as the Postgres implementation: one active row per user,
// arrival-order sequencing, monotonic last-known-position writes.
type MemoryStore struct {
	mu    sync.RWMutex
	seq   int64
	pings []track.LocationPing
	users map[string]*track.User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*track.User)}
}

var _ LocationStore = (*MemoryStore)(nil)
var _ UserStore = (*MemoryStore)(nil)

func (s *MemoryStore) Append(_ context.Context, ping *track.LocationPing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pings {
		if s.pings[i].UserID == ping.UserID && s.pings[i].IsActive {
			s.pings[i].IsActive = false
		}
	}
	s.seq++
	ping.Seq = s.seq
	ping.IsActive = true
	s.pings = append(s.pings, *ping)
	return nil
}

func (s *MemoryStore) Deactivate(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pings {
		if s.pings[i].UserID == userID && s.pings[i].IsActive {
			s.pings[i].IsActive = false
		}
	}
	return nil
}

func (s *MemoryStore) ActiveLocations(_ context.Context) ([]track.LocationPing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active []track.LocationPing
	for _, p := range s.pings {
		if p.IsActive {
			active = append(active, p)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Seq > active[j].Seq })
	return active, nil
}

func (s *MemoryStore) History(_ context.Context, userID string, from, to time.Time) ([]track.LocationPing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []track.LocationPing
	for _, p := range s.pings {
		if p.UserID != userID {
			continue
		}
		if !from.IsZero() && p.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && p.Timestamp.After(to) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) Purge(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.pings[:0]
	var removed int64
	for _, p := range s.pings {
		if p.Timestamp.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	s.pings = kept
	return removed, nil
}

func (s *MemoryStore) Get(_ context.Context, userID string) (*track.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, track.ErrNotFound
	}
	cp := *u
	if u.LastKnownPosition != nil {
		pos := *u.LastKnownPosition
		cp.LastKnownPosition = &pos
	}
	return &cp, nil
}

// PutUser seeds a user record; the platform's CRUD services own user
// creation in production, so the memory store exposes it for dev and tests.
func (s *MemoryStore) PutUser(u track.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &u
}

func (s *MemoryStore) SetLastKnownPosition(_ context.Context, userID string, lat, lon float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return track.ErrNotFound
	}
	if u.LastKnownPosition != nil && at.Before(u.LastKnownPosition.UpdatedAt) {
		return nil // stale write, keep the newer projection
	}
	u.LastKnownPosition = &track.LastKnownPosition{Latitude: lat, Longitude: lon, UpdatedAt: at}
	return nil
}

func (s *MemoryStore) ActivePositions(_ context.Context) ([]Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Position
	for _, u := range s.users {
		if !u.Active || u.LastKnownPosition == nil {
			continue
		}
		out = append(out, Position{
			UserID:    u.ID,
			Latitude:  u.LastKnownPosition.Latitude,
			Longitude: u.LastKnownPosition.Longitude,
			UpdatedAt: u.LastKnownPosition.UpdatedAt,
		})
	}
	return out, nil
}

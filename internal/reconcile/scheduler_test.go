package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"

	"github.com/genialo555/ecotrack-tracking/internal/store"
	"github.com/genialo555/ecotrack-tracking/internal/track"
)

func activePing(userID string, lat, lon float64, ts time.Time) track.LocationPing {
	return track.LocationPing{UserID: userID, Latitude: lat, Longitude: lon, Timestamp: ts, IsActive: true}
}

type staticSource struct {
	pings []track.LocationPing
	err   error
}

func (s *staticSource) ActiveLocations(context.Context) ([]track.LocationPing, error) {
	return s.pings, s.err
}

// selectiveWriter fails writes for the named user.
type selectiveWriter struct {
	failFor string
	writes  map[string]time.Time
}

func (w *selectiveWriter) SetLastKnownPosition(_ context.Context, userID string, lat, lon float64, at time.Time) error {
	if userID == w.failFor {
		return &track.StorageError{Op: "set position", Err: errors.New("deadlock")}
	}
	if w.writes == nil {
		w.writes = make(map[string]time.Time)
	}
	w.writes[userID] = at
	return nil
}

func TestScheduler_ProjectsActiveLocations(t *testing.T) {
	ctx := context.Background()
	ts := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	src := &staticSource{pings: []track.LocationPing{
		activePing("alice", 48.85, 2.35, ts),
		activePing("bob", 51.50, -0.12, ts),
	}}
	w := &selectiveWriter{}
	s := New(quartz.NewReal(), time.Minute, src, w)

	if ran := s.RunOnce(ctx); !ran {
		t.Fatal("expected the run to execute")
	}
	if len(w.writes) != 2 {
		t.Fatalf("expected 2 projections written, got %d", len(w.writes))
	}
	if !w.writes["alice"].Equal(ts) {
		t.Errorf("alice projected at %v, want %v", w.writes["alice"], ts)
	}
}

func TestScheduler_PartialFailureContinuesBatch(t *testing.T) {
	ctx := context.Background()
	ts := time.Now()
	src := &staticSource{pings: []track.LocationPing{
		activePing("A", 1, 1, ts),
		activePing("B", 2, 2, ts),
	}}
	w := &selectiveWriter{failFor: "A"}
	s := New(quartz.NewReal(), time.Minute, src, w)

	s.RunOnce(ctx)

	if _, ok := w.writes["B"]; !ok {
		t.Error("B's projection must be written even though A's write failed")
	}
	if _, ok := w.writes["A"]; ok {
		t.Error("A's projection should not have been written")
	}
}

func TestScheduler_EnumerationFailureAbortsRunOnly(t *testing.T) {
	ctx := context.Background()
	src := &staticSource{err: errors.New("db down")}
	w := &selectiveWriter{}
	s := New(quartz.NewReal(), time.Minute, src, w)

	// Must not panic, must not write, and must leave the scheduler usable.
	s.RunOnce(ctx)
	if len(w.writes) != 0 {
		t.Error("no writes expected when enumeration fails")
	}

	src.err = nil
	src.pings = []track.LocationPing{activePing("alice", 1, 1, time.Now())}
	s.RunOnce(ctx)
	if len(w.writes) != 1 {
		t.Error("scheduler should recover on the next run")
	}
}

func TestScheduler_IdempotentWithNoNewPings(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	mem.PutUser(track.User{ID: "alice", Active: true})
	ts := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	if err := mem.Append(ctx, &track.LocationPing{ID: "p1", UserID: "alice", Latitude: 48.85, Longitude: 2.35, Timestamp: ts}); err != nil {
		t.Fatal(err)
	}

	s := New(quartz.NewReal(), time.Minute, mem, mem)
	s.RunOnce(ctx)

	u, err := mem.Get(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	first := *u.LastKnownPosition

	// Second run with no new pings: projection unchanged.
	s.RunOnce(ctx)
	u, _ = mem.Get(ctx, "alice")
	if *u.LastKnownPosition != first {
		t.Errorf("second run changed the projection from %+v to %+v", first, *u.LastKnownPosition)
	}
	if !u.LastKnownPosition.UpdatedAt.Equal(ts) {
		t.Errorf("updatedAt should stay at the ping timestamp, got %v", u.LastKnownPosition.UpdatedAt)
	}
}

func TestScheduler_DisconnectedUserNotReprojected(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	mem.PutUser(track.User{ID: "U", Active: true})
	ts := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	if err := mem.Append(ctx, &track.LocationPing{ID: "p1", UserID: "U", Latitude: 1, Longitude: 1, Timestamp: ts}); err != nil {
		t.Fatal(err)
	}
	// User disconnects before the tick: no active row remains.
	if err := mem.Deactivate(ctx, "U"); err != nil {
		t.Fatal(err)
	}

	s := New(quartz.NewReal(), time.Minute, mem, mem)
	s.RunOnce(ctx)

	u, err := mem.Get(ctx, "U")
	if err != nil {
		t.Fatal(err)
	}
	if u.LastKnownPosition != nil {
		t.Errorf("scheduler must not project a deactivated ping, got %+v", u.LastKnownPosition)
	}
}

// blockingSource parks ActiveLocations until released.
type blockingSource struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingSource) ActiveLocations(context.Context) ([]track.LocationPing, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return nil, nil
}

func TestScheduler_NoOverlappingRuns(t *testing.T) {
	ctx := context.Background()
	src := &blockingSource{entered: make(chan struct{}), release: make(chan struct{})}
	s := New(quartz.NewReal(), time.Minute, src, &selectiveWriter{})

	done := make(chan bool)
	go func() { done <- s.RunOnce(ctx) }()
	<-src.entered

	// A second pass while the first is in flight is skipped, not queued.
	if ran := s.RunOnce(ctx); ran {
		t.Error("overlapping run should have been skipped")
	}

	close(src.release)
	if ran := <-done; !ran {
		t.Error("first run should have executed")
	}
}

func TestScheduler_TickerDrivesRuns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := quartz.NewMock(t)
	ts := time.Now()
	src := &staticSource{pings: []track.LocationPing{activePing("alice", 1, 1, ts)}}
	w := &selectiveWriter{}
	s := New(clock, 30*time.Minute, src, w)

	waiter := s.Start(ctx)

	clock.Advance(30 * time.Minute).MustWait(ctx)
	if len(w.writes) != 1 {
		t.Fatalf("expected one projection after the first tick, got %d", len(w.writes))
	}

	clock.Advance(30 * time.Minute).MustWait(ctx)
	if len(w.writes) != 1 {
		t.Fatalf("idempotent second tick should leave a single projection entry, got %d", len(w.writes))
	}

	cancel()
	_ = waiter.Wait()
}

func TestPurger_PurgesOlderThanRetention(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem := store.NewMemoryStore()
	clock := quartz.NewMock(t)
	now := clock.Now()
	old := now.Add(-48 * time.Hour)
	if err := mem.Append(ctx, &track.LocationPing{ID: "old", UserID: "U", Timestamp: old}); err != nil {
		t.Fatal(err)
	}
	if err := mem.Append(ctx, &track.LocationPing{ID: "fresh", UserID: "U", Timestamp: now}); err != nil {
		t.Fatal(err)
	}

	p := NewPurger(clock, time.Hour, 24*time.Hour, mem)
	waiter := p.Start(ctx)

	clock.Advance(time.Hour).MustWait(ctx)

	history, err := mem.History(ctx, "U", time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].ID != "fresh" {
		t.Errorf("expected only the fresh ping to survive, got %+v", history)
	}

	cancel()
	_ = waiter.Wait()
}

// Package reconcile bridges the streaming location history to the
// denormalized lastKnownPosition field consumed by non-streaming features.
// The job runs on an injected clock so tests drive it without wall-clock
// waits.
package reconcile

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/genialo555/ecotrack-tracking/internal/track"
)

// DefaultInterval is the design-default reconciliation cadence.
const DefaultInterval = 30 * time.Minute

// ActiveSource enumerates the currently-active locations.
type ActiveSource interface {
	ActiveLocations(ctx context.Context) ([]track.LocationPing, error)
}

// PositionWriter writes the last-known-position projection.
type PositionWriter interface {
	SetLastKnownPosition(ctx context.Context, userID string, lat, lon float64, at time.Time) error
}

// Scheduler periodically projects active locations onto user records.
// Runs never overlap: a tick that fires while a run is in flight is skipped.
type Scheduler struct {
	clock    quartz.Clock
	interval time.Duration
	source   ActiveSource
	writer   PositionWriter

	running atomic.Bool

	runCounter     metric.Int64Counter
	skipCounter    metric.Int64Counter
	userCounter    metric.Int64Counter
	failureCounter metric.Int64Counter
}

func New(clock quartz.Clock, interval time.Duration, source ActiveSource, writer PositionWriter) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	meter := otel.Meter("tracking-reconciler")
	s := &Scheduler{
		clock:    clock,
		interval: interval,
		source:   source,
		writer:   writer,
	}
	s.runCounter, _ = meter.Int64Counter("reconcile_runs_total",
		metric.WithDescription("Completed reconciliation runs"))
	s.skipCounter, _ = meter.Int64Counter("reconcile_ticks_skipped_total",
		metric.WithDescription("Ticks skipped because a run was still in flight"))
	s.userCounter, _ = meter.Int64Counter("reconcile_users_total",
		metric.WithDescription("User projections written"))
	s.failureCounter, _ = meter.Int64Counter("reconcile_user_failures_total",
		metric.WithDescription("Per-user projection write failures"))
	return s
}

// Start registers the ticker and returns its waiter. The ticker stops when
// ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) quartz.Waiter {
	return s.clock.TickerFunc(ctx, s.interval, func() error {
		s.RunOnce(ctx)
		// Errors are swallowed inside the run; returning one here would
		// stop the ticker, and the fixed interval is the retry policy.
		return nil
	}, "reconcile")
}

// RunOnce executes a single reconciliation pass. It reports false when the
// pass was skipped because another one is still running. Per-user write
// failures are logged and skipped; only an enumeration failure aborts the
// pass.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.skipCounter.Add(ctx, 1)
		slog.Warn("Reconciliation tick skipped, previous run still in flight")
		return false
	}
	defer s.running.Store(false)

	start := s.clock.Now()
	active, err := s.source.ActiveLocations(ctx)
	if err != nil {
		slog.Error("Reconciliation aborted, could not enumerate active locations", "error", err)
		return true
	}

	var written, failed int
	for _, ping := range active {
		err := s.writer.SetLastKnownPosition(ctx, ping.UserID, ping.Latitude, ping.Longitude, ping.Timestamp)
		if err != nil {
			failed++
			s.failureCounter.Add(ctx, 1)
			slog.Error("Failed to project last known position", "user", ping.UserID, "error", err)
			continue
		}
		written++
	}

	s.runCounter.Add(ctx, 1)
	s.userCounter.Add(ctx, int64(written))
	slog.Info("Reconciliation run complete",
		"active", len(active), "written", written, "failed", failed,
		"duration_ms", s.clock.Since(start).Milliseconds())
	return true
}

package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/quartz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// PingPurger deletes location history older than the retention window.
type PingPurger interface {
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

// Purger applies the retention policy on a fixed cadence. It is not on the
// live path; a failed pass is logged and retried on the next tick.
type Purger struct {
	clock    quartz.Clock
	interval time.Duration
	maxAge   time.Duration
	store    PingPurger

	purgeCounter metric.Int64Counter
}

func NewPurger(clock quartz.Clock, interval, maxAge time.Duration, store PingPurger) *Purger {
	p := &Purger{clock: clock, interval: interval, maxAge: maxAge, store: store}
	meter := otel.Meter("tracking-reconciler")
	p.purgeCounter, _ = meter.Int64Counter("tracking_pings_purged_total",
		metric.WithDescription("Pings removed by retention"))
	return p
}

// Start registers the retention ticker; it stops when ctx is cancelled.
func (p *Purger) Start(ctx context.Context) quartz.Waiter {
	return p.clock.TickerFunc(ctx, p.interval, func() error {
		cutoff := p.clock.Now().Add(-p.maxAge)
		removed, err := p.store.Purge(ctx, cutoff)
		if err != nil {
			slog.Error("Retention purge failed", "error", err)
			return nil
		}
		p.purgeCounter.Add(ctx, removed)
		if removed > 0 {
			slog.Info("Retention purge complete", "removed", removed, "cutoff", cutoff)
		}
		return nil
	}, "retention")
}

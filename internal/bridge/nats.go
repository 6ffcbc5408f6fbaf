// Package bridge mirrors gateway events onto NATS subjects and serves
// request/reply queries for out-of-process consumers (fleet dashboards,
// insights workers). The gateway works without it: the bridge is only
// wired when a NATS URL is configured.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/genialo555/ecotrack-tracking/internal/geo"
	"github.com/genialo555/ecotrack-tracking/internal/proximity"
	"github.com/genialo555/ecotrack-tracking/internal/store"
	"github.com/genialo555/ecotrack-tracking/internal/track"
	"github.com/genialo555/ecotrack-tracking/pkg/otelhelper"
)

const (
	subjectLocationPrefix = "tracking.location."
	subjectStatusPrefix   = "tracking.status."
	subjectActive         = "tracking.active"
	subjectHistory        = "tracking.history.*"
	subjectProximity      = "tracking.proximity"
	queueGroup            = "tracking-workers"
)

type historyRequest struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

type proximityRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	RadiusKm  float64 `json:"radiusKm"`
}

// Bridge publishes tracking events and answers tracking queries over NATS.
type Bridge struct {
	nc   *nats.Conn
	locs store.LocationStore
	prox *proximity.Service
	subs []*nats.Subscription

	publishCounter metric.Int64Counter
	requestCounter metric.Int64Counter
	requestDur     metric.Float64Histogram
}

func New(nc *nats.Conn, locs store.LocationStore, prox *proximity.Service) *Bridge {
	meter := otel.Meter("tracking-bridge")
	publishCounter, _ := meter.Int64Counter("tracking_events_published_total")
	requestCounter, _ := meter.Int64Counter("tracking_query_requests_total")
	requestDur, _ := otelhelper.NewDurationHistogram(meter, "tracking_query_duration_seconds", "Tracking query duration")
	return &Bridge{
		nc:             nc,
		locs:           locs,
		prox:           prox,
		publishCounter: publishCounter,
		requestCounter: requestCounter,
		requestDur:     requestDur,
	}
}

// PublishLocation mirrors a location update onto its per-user subject.
func (b *Bridge) PublishLocation(ctx context.Context, evt track.LocationUpdateEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to marshal location event", "user", evt.UserID, "error", err)
		return
	}
	if err := otelhelper.TracedPublish(ctx, b.nc, subjectLocationPrefix+evt.UserID, data); err != nil {
		slog.WarnContext(ctx, "Failed to publish location event", "user", evt.UserID, "error", err)
		return
	}
	b.publishCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event", "location")))
}

// PublishStatus mirrors a presence transition onto its per-user subject.
func (b *Bridge) PublishStatus(ctx context.Context, evt track.UserStatusEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to marshal status event", "user", evt.UserID, "error", err)
		return
	}
	if err := otelhelper.TracedPublish(ctx, b.nc, subjectStatusPrefix+evt.UserID, data); err != nil {
		slog.WarnContext(ctx, "Failed to publish status event", "user", evt.UserID, "error", err)
		return
	}
	b.publishCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event", "status")))
}

// Start registers the request/reply responders. Call Close (or drain the
// connection) to tear them down.
func (b *Bridge) Start() error {
	sub, err := b.nc.QueueSubscribe(subjectActive, queueGroup, b.handleActive)
	if err != nil {
		return err
	}
	b.subs = append(b.subs, sub)

	sub, err = b.nc.QueueSubscribe(subjectHistory, queueGroup, b.handleHistory)
	if err != nil {
		return err
	}
	b.subs = append(b.subs, sub)

	sub, err = b.nc.QueueSubscribe(subjectProximity, queueGroup, b.handleProximity)
	if err != nil {
		return err
	}
	b.subs = append(b.subs, sub)

	slog.Info("Tracking bridge listening", "queue", queueGroup)
	return nil
}

func (b *Bridge) Close() {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
}

func (b *Bridge) handleActive(msg *nats.Msg) {
	start := time.Now()
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "active locations request")
	defer span.End()
	defer b.observe(ctx, "active", start)

	pings, err := b.locs.ActiveLocations(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "Active locations query failed", "error", err)
		span.RecordError(err)
		_ = msg.Respond([]byte("[]"))
		return
	}
	b.respondList(ctx, msg, pings)
}

func (b *Bridge) handleHistory(msg *nats.Msg) {
	start := time.Now()
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "history request")
	defer span.End()
	defer b.observe(ctx, "history", start)

	parts := strings.Split(msg.Subject, ".")
	if len(parts) < 3 || parts[2] == "" {
		_ = msg.Respond([]byte("[]"))
		return
	}
	userID := parts[2]
	span.SetAttributes(attribute.String("tracking.user_id", userID))

	var req historyRequest
	if len(msg.Data) > 0 {
		_ = json.Unmarshal(msg.Data, &req)
	}
	from, ok := parseBound(ctx, "from", req.From)
	if !ok {
		_ = msg.Respond([]byte("[]"))
		return
	}
	to, ok := parseBound(ctx, "to", req.To)
	if !ok {
		_ = msg.Respond([]byte("[]"))
		return
	}

	pings, err := b.locs.History(ctx, userID, from, to)
	if err != nil {
		slog.ErrorContext(ctx, "History query failed", "user", userID, "error", err)
		span.RecordError(err)
		_ = msg.Respond([]byte("[]"))
		return
	}
	b.respondList(ctx, msg, pings)
}

func (b *Bridge) handleProximity(msg *nats.Msg) {
	start := time.Now()
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "proximity request")
	defer span.End()
	defer b.observe(ctx, "proximity", start)

	var req proximityRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		slog.WarnContext(ctx, "Bad proximity request", "error", err)
		_ = msg.Respond([]byte("[]"))
		return
	}

	matches, err := b.prox.Near(ctx, geo.Point{Lat: req.Latitude, Lon: req.Longitude}, req.RadiusKm)
	if err != nil {
		slog.WarnContext(ctx, "Proximity query failed", "error", err)
		span.RecordError(err)
		_ = msg.Respond([]byte("[]"))
		return
	}
	b.respondList(ctx, msg, matches)
}

// respondList marshals v, which must be a slice, and replies. Empty slices
// serialize as "[]" rather than "null".
func (b *Bridge) respondList(ctx context.Context, msg *nats.Msg, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to marshal response", "subject", msg.Subject, "error", err)
		data = []byte("[]")
	}
	if string(data) == "null" {
		data = []byte("[]")
	}
	if err := msg.Respond(data); err != nil {
		slog.WarnContext(ctx, "Failed to respond", "subject", msg.Subject, "error", err)
	}
}

func (b *Bridge) observe(ctx context.Context, op string, start time.Time) {
	attrs := metric.WithAttributes(attribute.String("operation", op))
	b.requestCounter.Add(ctx, 1, attrs)
	b.requestDur.Record(ctx, time.Since(start).Seconds(), attrs)
}

func parseBound(ctx context.Context, field, raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		slog.WarnContext(ctx, "Bad history bound", "field", field, "value", raw, "error", err)
		return time.Time{}, false
	}
	return t, true
}

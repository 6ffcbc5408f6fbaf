// Package gateway terminates the persistent client connections of the live
// tracking subsystem: it authenticates each connection, ingests streamed
// location pings, keeps the presence registry current, and fans updates out
// to subscribed observers. Fan-out is best-effort per observer and never
// blocks ingestion.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/genialo555/ecotrack-tracking/internal/auth"
	"github.com/genialo555/ecotrack-tracking/internal/presence"
	"github.com/genialo555/ecotrack-tracking/internal/store"
	"github.com/genialo555/ecotrack-tracking/internal/track"
)

// EventPublisher mirrors fan-out events to out-of-process consumers. It is
// optional: a nil publisher keeps fan-out in-process only.
type EventPublisher interface {
	PublishLocation(ctx context.Context, evt track.LocationUpdateEvent)
	PublishStatus(ctx context.Context, evt track.UserStatusEvent)
}

// Gateway is the ingestion gateway. All exported operations are safe for
// concurrent use from many connection goroutines.
type Gateway struct {
	registry presence.Registry
	locs     store.LocationStore
	auth     auth.TokenValidator
	events   EventPublisher

	upgrader websocket.Upgrader

	ingestCounter   metric.Int64Counter
	rejectCounter   metric.Int64Counter
	connectCounter  metric.Int64Counter
	disconnectCnt   metric.Int64Counter
	fanoutCounter   metric.Int64Counter
	fanoutDropCnt   metric.Int64Counter
	storageRetryCnt metric.Int64Counter
}

func New(registry presence.Registry, locs store.LocationStore, validator auth.TokenValidator, events EventPublisher) *Gateway {
	meter := otel.Meter("tracking-gateway")
	g := &Gateway{
		registry: registry,
		locs:     locs,
		auth:     validator,
		events:   events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser dashboards connect cross-origin; access control is
			// the token, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	g.ingestCounter, _ = meter.Int64Counter("tracking_pings_ingested_total",
		metric.WithDescription("Location pings accepted and persisted"))
	g.rejectCounter, _ = meter.Int64Counter("tracking_messages_rejected_total",
		metric.WithDescription("Inbound messages dropped, by reason"))
	g.connectCounter, _ = meter.Int64Counter("tracking_connects_total",
		metric.WithDescription("Successful authenticated connects"))
	g.disconnectCnt, _ = meter.Int64Counter("tracking_disconnects_total",
		metric.WithDescription("Connection teardowns"))
	g.fanoutCounter, _ = meter.Int64Counter("tracking_fanout_messages_total",
		metric.WithDescription("Events delivered to observer connections"))
	g.fanoutDropCnt, _ = meter.Int64Counter("tracking_fanout_dropped_total",
		metric.WithDescription("Events dropped because an observer buffer was full"))
	g.storageRetryCnt, _ = meter.Int64Counter("tracking_storage_retries_total",
		metric.WithDescription("Append retries after a storage failure"))
	return g
}

// HandleWS upgrades an HTTP request to a tracking socket. The identity token
// comes from the Authorization header or a token query parameter; an invalid
// token is rejected before the connection enters the registry.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	identity, err := g.auth.ValidateToken(token)
	if err != nil {
		slog.Warn("Rejected connection", "error", err, "remote", r.RemoteAddr)
		g.rejectCounter.Add(r.Context(), 1, metric.WithAttributes(attribute.String("reason", "unauthenticated")))
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := newClient(g, ws, identity)
	g.Connect(c)
	go c.writePump()
	go c.readPump()
}

// Connect registers the connection and, if it is the user's first, announces
// the user online to every current observer.
func (g *Gateway) Connect(c presence.Sink) {
	first := g.registry.Register(c.UserID(), c)
	g.connectCounter.Add(context.Background(), 1)
	slog.Info("Client connected", "user", c.UserID(), "conn", c.ID(), "first", first)
	if first {
		g.broadcastStatus(context.Background(), c.UserID(), true)
	}
}

// Disconnect removes the connection and its topic memberships. On the user's
// last connection it deactivates their current ping and announces them
// offline. Disconnecting an unknown connection is a no-op.
func (g *Gateway) Disconnect(ctx context.Context, c presence.Sink) {
	userID, last, watched := g.registry.Deregister(c)
	if userID == "" {
		return
	}
	g.disconnectCnt.Add(ctx, 1)
	slog.Info("Client disconnected", "user", userID, "conn", c.ID(), "last", last, "watched", len(watched))

	if !last {
		return
	}
	if err := g.locs.Deactivate(ctx, userID); err != nil {
		slog.Error("Failed to deactivate ping on disconnect", "user", userID, "error", err)
	}
	g.broadcastStatus(ctx, userID, false)
}

// HandleMessage dispatches one inbound frame. Malformed or unauthorized
// messages are acked with an error and dropped; they are never fatal to the
// connection.
func (g *Gateway) HandleMessage(ctx context.Context, c presence.Sink, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		g.reject(ctx, c, CodeValidation, "malformed envelope")
		return
	}

	switch env.Type {
	case MsgUpdateLocation:
		g.UpdateLocation(ctx, c, env.Data)
	case MsgSubscribe:
		g.Subscribe(ctx, c, env.Data)
	case MsgUnsubscribe:
		g.Unsubscribe(ctx, c, env.Data)
	default:
		g.reject(ctx, c, CodeValidation, "unknown message type "+env.Type)
	}
}

// UpdateLocation validates the payload, persists a new active ping, and fans
// the update out to the user's observers. A storage failure is retried once,
// then acked to the sender and dropped.
func (g *Gateway) UpdateLocation(ctx context.Context, c presence.Sink, data json.RawMessage) {
	if c.UserID() == "" {
		g.reject(ctx, c, CodeUnauthenticated, "identity not established")
		return
	}

	var payload track.UpdateLocationPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		g.reject(ctx, c, CodeValidation, "malformed updateLocation payload")
		return
	}
	ts, err := payload.Validate()
	if err != nil {
		g.reject(ctx, c, CodeValidation, err.Error())
		return
	}

	ping := &track.LocationPing{
		ID:        uuid.NewString(),
		UserID:    c.UserID(),
		Latitude:  *payload.Latitude,
		Longitude: *payload.Longitude,
		Timestamp: ts,
		Accuracy:  payload.Accuracy,
		Speed:     payload.Speed,
		Heading:   payload.Heading,
		Metadata:  payload.Metadata,
	}

	if err := g.locs.Append(ctx, ping); err != nil {
		g.storageRetryCnt.Add(ctx, 1)
		slog.Warn("Append failed, retrying once", "user", ping.UserID, "error", err)
		if err = g.locs.Append(ctx, ping); err != nil {
			slog.Error("Append failed after retry, dropping ping", "user", ping.UserID, "error", err)
			g.reject(ctx, c, CodeStorage, "location not persisted")
			return
		}
	}
	g.ingestCounter.Add(ctx, 1)

	evt := track.LocationUpdateEvent{UserID: ping.UserID, Location: *ping}
	frame, err := marshalEvent(MsgLocationUpdate, evt)
	if err != nil {
		slog.Error("Failed to marshal location update", "error", err)
		return
	}
	g.fanOut(ctx, ping.UserID, frame)
	if g.events != nil {
		g.events.PublishLocation(ctx, evt)
	}
}

// Subscribe adds the observer to the target user's topic. Any policy beyond
// "observer is authenticated" is applied by callers before the socket ever
// reaches this operation.
func (g *Gateway) Subscribe(ctx context.Context, c presence.Sink, data json.RawMessage) {
	target, ok := g.subscribeTarget(ctx, c, data)
	if !ok {
		return
	}
	g.registry.Subscribe(c, target)
	slog.Debug("Observer subscribed", "observer", c.UserID(), "target", target)
}

// Unsubscribe removes the observer from the target user's topic; unknown
// memberships are a no-op.
func (g *Gateway) Unsubscribe(ctx context.Context, c presence.Sink, data json.RawMessage) {
	target, ok := g.subscribeTarget(ctx, c, data)
	if !ok {
		return
	}
	g.registry.Unsubscribe(c, target)
	slog.Debug("Observer unsubscribed", "observer", c.UserID(), "target", target)
}

func (g *Gateway) subscribeTarget(ctx context.Context, c presence.Sink, data json.RawMessage) (string, bool) {
	if c.UserID() == "" {
		g.reject(ctx, c, CodeUnauthenticated, "identity not established")
		return "", false
	}
	var payload SubscribePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.UserID == "" {
		g.reject(ctx, c, CodeValidation, "missing userId")
		return "", false
	}
	return payload.UserID, true
}

// broadcastStatus emits userStatus to every observer of userID and to the
// event bridge.
func (g *Gateway) broadcastStatus(ctx context.Context, userID string, online bool) {
	evt := track.UserStatusEvent{UserID: userID, IsOnline: online}
	frame, err := marshalEvent(MsgUserStatus, evt)
	if err != nil {
		slog.Error("Failed to marshal status event", "error", err)
		return
	}
	g.fanOut(ctx, userID, frame)
	if g.events != nil {
		g.events.PublishStatus(ctx, evt)
	}
}

// fanOut enqueues a frame onto every observer of userID. A full observer
// buffer drops the frame for that observer only.
func (g *Gateway) fanOut(ctx context.Context, userID string, frame []byte) {
	for _, obs := range g.registry.ObserversOf(userID) {
		if obs.Enqueue(frame) {
			g.fanoutCounter.Add(ctx, 1)
			continue
		}
		g.fanoutDropCnt.Add(ctx, 1)
		slog.Warn("Dropped event for slow observer", "observer", obs.ID(), "user", userID)
	}
}

func (g *Gateway) reject(ctx context.Context, c presence.Sink, code, message string) {
	g.rejectCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", code)))
	slog.Debug("Rejected message", "conn", c.ID(), "code", code, "reason", message)
	frame, err := marshalEvent(MsgError, ErrorEvent{Code: code, Message: message})
	if err != nil {
		return
	}
	c.Enqueue(frame)
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// deactivateTimeout bounds the store write performed during teardown, where
// the connection context is already gone.
const deactivateTimeout = 5 * time.Second

// DisconnectBackground is Disconnect with its own bounded context; used from
// connection teardown paths.
func (g *Gateway) DisconnectBackground(c presence.Sink) {
	ctx, cancel := context.WithTimeout(context.Background(), deactivateTimeout)
	defer cancel()
	g.Disconnect(ctx, c)
}

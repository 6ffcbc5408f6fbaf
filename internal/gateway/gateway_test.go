package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/genialo555/ecotrack-tracking/internal/auth"
	"github.com/genialo555/ecotrack-tracking/internal/presence"
	"github.com/genialo555/ecotrack-tracking/internal/store"
	"github.com/genialo555/ecotrack-tracking/internal/track"
)

// fakeSink records every frame enqueued onto it.
type fakeSink struct {
	id     string
	userID string
	frames [][]byte
	full   bool // simulate a saturated send buffer
}

func (s *fakeSink) ID() string     { return s.id }
func (s *fakeSink) UserID() string { return s.userID }
func (s *fakeSink) Enqueue(msg []byte) bool {
	if s.full {
		return false
	}
	s.frames = append(s.frames, msg)
	return true
}

// events decodes the sink's frames into (type, raw data) pairs.
func (s *fakeSink) events(t *testing.T) []Envelope {
	t.Helper()
	out := make([]Envelope, 0, len(s.frames))
	for _, f := range s.frames {
		var env Envelope
		if err := json.Unmarshal(f, &env); err != nil {
			t.Fatalf("bad frame %q: %v", f, err)
		}
		out = append(out, env)
	}
	return out
}

func (s *fakeSink) eventsOfType(t *testing.T, msgType string) []Envelope {
	t.Helper()
	var out []Envelope
	for _, env := range s.events(t) {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

type staticValidator struct{}

func (staticValidator) ValidateToken(token string) (auth.Identity, error) {
	if token == "" {
		return auth.Identity{}, track.ErrUnauthenticated
	}
	return auth.Identity{UserID: token, Role: "user"}, nil
}

func newTestGateway() (*Gateway, *store.MemoryStore) {
	st := store.NewMemoryStore()
	return New(presence.NewMemoryRegistry(), st, staticValidator{}, nil), st
}

func updateFrame(lat, lon float64, ts string) []byte {
	data, _ := json.Marshal(map[string]any{"latitude": lat, "longitude": lon, "timestamp": ts})
	raw, _ := json.Marshal(Envelope{Type: MsgUpdateLocation, Data: data})
	return raw
}

func subscribeFrame(msgType, userID string) []byte {
	data, _ := json.Marshal(SubscribePayload{UserID: userID})
	raw, _ := json.Marshal(Envelope{Type: msgType, Data: data})
	return raw
}

// Exercises the end-to-end scenario: U connects and pings, O subscribes,
// U pings again, U disconnects.
func TestGateway_ObserverScenario(t *testing.T) {
	ctx := context.Background()
	g, st := newTestGateway()

	u := &fakeSink{id: "u1", userID: "U"}
	o := &fakeSink{id: "o1", userID: "O"}
	g.Connect(u)
	g.Connect(o)

	g.HandleMessage(ctx, u, updateFrame(48.8566, 2.3522, "2026-09-01T10:00:00Z"))
	g.HandleMessage(ctx, o, subscribeFrame(MsgSubscribe, "U"))
	g.HandleMessage(ctx, u, updateFrame(48.8570, 2.3528, "2026-09-01T10:01:00Z"))

	updates := o.eventsOfType(t, MsgLocationUpdate)
	if len(updates) != 1 {
		t.Fatalf("observer should receive exactly one locationUpdate (the post-subscribe ping), got %d", len(updates))
	}
	var evt track.LocationUpdateEvent
	if err := json.Unmarshal(updates[0].Data, &evt); err != nil {
		t.Fatal(err)
	}
	if evt.UserID != "U" || evt.Location.Latitude != 48.8570 {
		t.Errorf("observer got wrong payload: %+v", evt)
	}

	g.Disconnect(ctx, u)

	statuses := o.eventsOfType(t, MsgUserStatus)
	if len(statuses) != 1 {
		t.Fatalf("expected exactly one userStatus after disconnect, got %d", len(statuses))
	}
	var status track.UserStatusEvent
	if err := json.Unmarshal(statuses[0].Data, &status); err != nil {
		t.Fatal(err)
	}
	if status.UserID != "U" || status.IsOnline {
		t.Errorf("expected offline status for U, got %+v", status)
	}

	active, err := st.ActiveLocations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("disconnect should deactivate the latest ping, %d active rows remain", len(active))
	}
}

func TestGateway_ConnectAnnouncesOnlineToExistingObservers(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway()

	o := &fakeSink{id: "o1", userID: "O"}
	g.Connect(o)
	g.HandleMessage(ctx, o, subscribeFrame(MsgSubscribe, "U"))

	u := &fakeSink{id: "u1", userID: "U"}
	g.Connect(u)

	statuses := o.eventsOfType(t, MsgUserStatus)
	if len(statuses) != 1 {
		t.Fatalf("expected one online status, got %d", len(statuses))
	}
	var status track.UserStatusEvent
	json.Unmarshal(statuses[0].Data, &status)
	if !status.IsOnline {
		t.Error("expected online=true on connect")
	}
}

func TestGateway_MultiDevicePresence(t *testing.T) {
	ctx := context.Background()
	g, st := newTestGateway()

	o := &fakeSink{id: "o1", userID: "O"}
	g.Connect(o)
	g.HandleMessage(ctx, o, subscribeFrame(MsgSubscribe, "U"))

	phone := &fakeSink{id: "u-phone", userID: "U"}
	tablet := &fakeSink{id: "u-tablet", userID: "U"}
	g.Connect(phone)
	g.Connect(tablet)

	if got := len(o.eventsOfType(t, MsgUserStatus)); got != 1 {
		t.Errorf("only the first connection should announce online, got %d status events", got)
	}

	g.HandleMessage(ctx, phone, updateFrame(1, 1, "2026-09-01T10:00:00Z"))
	g.Disconnect(ctx, phone)

	// Tablet still open: no offline event, ping stays active.
	if got := len(o.eventsOfType(t, MsgUserStatus)); got != 1 {
		t.Errorf("disconnecting one of two devices must not announce offline, got %d status events", got)
	}
	active, _ := st.ActiveLocations(ctx)
	if len(active) != 1 {
		t.Errorf("active ping should survive a non-final disconnect, got %d rows", len(active))
	}

	g.Disconnect(ctx, tablet)
	if got := len(o.eventsOfType(t, MsgUserStatus)); got != 2 {
		t.Errorf("last disconnect should announce offline, got %d status events", got)
	}
}

func TestGateway_UnsubscribeStopsFanout(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway()

	u := &fakeSink{id: "u1", userID: "U"}
	o := &fakeSink{id: "o1", userID: "O"}
	g.Connect(u)
	g.Connect(o)

	g.HandleMessage(ctx, o, subscribeFrame(MsgSubscribe, "U"))
	g.HandleMessage(ctx, o, subscribeFrame(MsgUnsubscribe, "U"))
	g.HandleMessage(ctx, u, updateFrame(1, 1, "2026-09-01T10:00:00Z"))

	if got := len(o.eventsOfType(t, MsgLocationUpdate)); got != 0 {
		t.Errorf("updates after unsubscribe must not be delivered, got %d", got)
	}
}

func TestGateway_ValidationErrorKeepsConnectionAndDropsPing(t *testing.T) {
	ctx := context.Background()
	g, st := newTestGateway()

	u := &fakeSink{id: "u1", userID: "U"}
	g.Connect(u)

	bad := [][]byte{
		updateFrame(91, 0, "2026-09-01T10:00:00Z"),
		updateFrame(0, -200, "2026-09-01T10:00:00Z"),
		updateFrame(0, 0, ""),
		[]byte(`not json`),
		[]byte(`{"type":"teleport","data":{}}`),
	}
	for _, frame := range bad {
		g.HandleMessage(ctx, u, frame)
	}

	history, _ := st.History(ctx, "U", time.Time{}, time.Time{})
	if len(history) != 0 {
		t.Errorf("malformed pings must not be persisted, got %d rows", len(history))
	}
	acks := u.eventsOfType(t, MsgError)
	if len(acks) != len(bad) {
		t.Errorf("each bad message should be acked, got %d acks for %d messages", len(acks), len(bad))
	}
	for _, ack := range acks {
		var e ErrorEvent
		json.Unmarshal(ack.Data, &e)
		if e.Code != CodeValidation {
			t.Errorf("expected validation code, got %q", e.Code)
		}
	}

	// The connection is still usable.
	g.HandleMessage(ctx, u, updateFrame(48.85, 2.35, "2026-09-01T10:00:00Z"))
	history, _ = st.History(ctx, "U", time.Time{}, time.Time{})
	if len(history) != 1 {
		t.Errorf("valid ping after bad ones should persist, got %d rows", len(history))
	}
}

func TestGateway_SlowObserverDoesNotBlockIngestion(t *testing.T) {
	ctx := context.Background()
	g, st := newTestGateway()

	u := &fakeSink{id: "u1", userID: "U"}
	slow := &fakeSink{id: "slow", userID: "S", full: true}
	healthy := &fakeSink{id: "ok", userID: "H"}
	g.Connect(u)
	g.Connect(slow)
	g.Connect(healthy)
	g.HandleMessage(ctx, slow, subscribeFrame(MsgSubscribe, "U"))
	g.HandleMessage(ctx, healthy, subscribeFrame(MsgSubscribe, "U"))

	g.HandleMessage(ctx, u, updateFrame(1, 1, "2026-09-01T10:00:00Z"))

	if got := len(healthy.eventsOfType(t, MsgLocationUpdate)); got != 1 {
		t.Errorf("healthy observer should receive the update, got %d", got)
	}
	history, _ := st.History(ctx, "U", time.Time{}, time.Time{})
	if len(history) != 1 {
		t.Error("ingestion must succeed regardless of observer state")
	}
}

// failingStore fails Append a fixed number of times, then delegates.
type failingStore struct {
	store.LocationStore
	failures int
}

func (s *failingStore) Append(ctx context.Context, ping *track.LocationPing) error {
	if s.failures > 0 {
		s.failures--
		return &track.StorageError{Op: "append", Err: errors.New("connection reset")}
	}
	return s.LocationStore.Append(ctx, ping)
}

func TestGateway_StorageFailureRetriedOnce(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()

	// One failure: the retry lands the ping.
	fs := &failingStore{LocationStore: mem, failures: 1}
	g := New(presence.NewMemoryRegistry(), fs, staticValidator{}, nil)
	u := &fakeSink{id: "u1", userID: "U"}
	g.Connect(u)
	g.HandleMessage(ctx, u, updateFrame(1, 1, "2026-09-01T10:00:00Z"))
	history, _ := mem.History(ctx, "U", time.Time{}, time.Time{})
	if len(history) != 1 {
		t.Fatalf("single storage failure should be absorbed by the retry, got %d rows", len(history))
	}
	if len(u.eventsOfType(t, MsgError)) != 0 {
		t.Error("absorbed failure should not be acked as an error")
	}

	// Two failures: the ping is dropped with a storage ack, connection lives.
	fs2 := &failingStore{LocationStore: store.NewMemoryStore(), failures: 2}
	g2 := New(presence.NewMemoryRegistry(), fs2, staticValidator{}, nil)
	u2 := &fakeSink{id: "u2", userID: "U"}
	g2.Connect(u2)
	g2.HandleMessage(ctx, u2, updateFrame(1, 1, "2026-09-01T10:00:00Z"))
	acks := u2.eventsOfType(t, MsgError)
	if len(acks) != 1 {
		t.Fatalf("expected one storage ack, got %d", len(acks))
	}
	var e ErrorEvent
	json.Unmarshal(acks[0].Data, &e)
	if e.Code != CodeStorage {
		t.Errorf("expected storage code, got %q", e.Code)
	}
}

func TestGateway_DisconnectIdempotent(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway()

	o := &fakeSink{id: "o1", userID: "O"}
	u := &fakeSink{id: "u1", userID: "U"}
	g.Connect(o)
	g.Connect(u)
	g.HandleMessage(ctx, o, subscribeFrame(MsgSubscribe, "U"))

	g.Disconnect(ctx, u)
	g.Disconnect(ctx, u) // second teardown of the same conn

	if got := len(o.eventsOfType(t, MsgUserStatus)); got != 1 {
		t.Errorf("double disconnect must emit exactly one offline event, got %d", got)
	}
}

func TestGateway_ManyObserversEachReceiveOnce(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway()

	u := &fakeSink{id: "u1", userID: "U"}
	g.Connect(u)

	observers := make([]*fakeSink, 5)
	for i := range observers {
		observers[i] = &fakeSink{id: fmt.Sprintf("o%d", i), userID: fmt.Sprintf("O%d", i)}
		g.Connect(observers[i])
		g.HandleMessage(ctx, observers[i], subscribeFrame(MsgSubscribe, "U"))
	}

	g.Disconnect(ctx, u)

	for _, o := range observers {
		if got := len(o.eventsOfType(t, MsgUserStatus)); got != 1 {
			t.Errorf("observer %s: expected exactly one offline event, got %d", o.id, got)
		}
	}
}

// Sinks can reach the gateway without an HTTP upgrade (alternative transports,
// tests); a sink with no established identity must be refused ingestion and
// subscriptions.
func TestGateway_MessagesWithoutIdentityRejected(t *testing.T) {
	ctx := context.Background()
	g, st := newTestGateway()

	anon := &fakeSink{id: "a1"}
	g.HandleMessage(ctx, anon, updateFrame(1, 1, "2026-09-01T10:00:00Z"))
	g.HandleMessage(ctx, anon, subscribeFrame(MsgSubscribe, "U"))
	g.HandleMessage(ctx, anon, subscribeFrame(MsgUnsubscribe, "U"))

	acks := anon.eventsOfType(t, MsgError)
	if len(acks) != 3 {
		t.Fatalf("each message from an identity-less sink should be acked, got %d acks", len(acks))
	}
	for _, ack := range acks {
		var e ErrorEvent
		json.Unmarshal(ack.Data, &e)
		if e.Code != CodeUnauthenticated {
			t.Errorf("expected unauthenticated code, got %q", e.Code)
		}
	}

	history, _ := st.History(ctx, "", time.Time{}, time.Time{})
	if len(history) != 0 {
		t.Errorf("nothing should be persisted for an identity-less sink, got %d rows", len(history))
	}
	if g.registry.ObserversOf("U") != nil {
		t.Error("identity-less sink must not gain a subscription")
	}
}

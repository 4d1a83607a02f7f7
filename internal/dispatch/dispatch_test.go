package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

type recorded struct {
	channel, event string
	payload        any
}

type recorder struct {
	mu   sync.Mutex
	got  []recorded
	fail map[string]error
}

func (r *recorder) Notify(ctx context.Context, channel, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, recorded{channel, event, payload})
	return r.fail[channel]
}

func TestNotifyAssignmentSendsDriverAndUserEvents(t *testing.T) {
	rec := &recorder{}
	trip := &models.TripRequest{ID: "T1", UserID: "U1"}
	if err := NotifyAssignment(context.Background(), rec, trip, "D2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(rec.got))
	}
	if rec.got[0].channel != "driver:D2" || rec.got[1].channel != "user:U1" {
		t.Fatalf("unexpected channels %+v", rec.got)
	}
	for _, g := range rec.got {
		p, ok := g.payload.(models.TripUpdate)
		if g.event != models.EventTripUpdate || !ok || p.ID != "T1" || p.Status != models.StatusConfirmed {
			t.Fatalf("unexpected event %+v", g)
		}
	}
}

func TestNotifyAssignmentKeepsGoingAfterFailure(t *testing.T) {
	rec := &recorder{fail: map[string]error{"driver:D2": errors.New("down")}}
	err := NotifyAssignment(context.Background(), rec, &models.TripRequest{ID: "T1", UserID: "U1"}, "D2")
	if err == nil {
		t.Fatal("expected the driver failure to be reported")
	}
	if len(rec.got) != 2 {
		t.Fatalf("user event should still be sent, got %d events", len(rec.got))
	}
}

func TestFanout(t *testing.T) {
	ok := &recorder{}
	bad := NotifierFunc(func(ctx context.Context, channel, event string, payload any) error { return errors.New("nope") })
	absent := NotifierFunc(func(ctx context.Context, channel, event string, payload any) error { return ErrNoSession })

	f := NewFanout(nil).Add("ok", ok).Add("bad", bad).Add("ws", absent).Add("nil", nil)
	if f.Len() != 3 {
		t.Fatalf("nil sinks should be skipped, got %d", f.Len())
	}
	err := f.Notify(context.Background(), "user:U1", "trip:update", nil)
	if err == nil || !strings.Contains(err.Error(), "bad") {
		t.Fatalf("expected bad sink error, got %v", err)
	}
	if errors.Is(err, ErrNoSession) {
		t.Fatalf("missing subscribers should not be reported as failures")
	}
	if len(ok.got) != 1 {
		t.Fatalf("healthy sink should receive the event")
	}
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaNotifier(t *testing.T) {
	w := &fakeWriter{}
	k := NewKafkaNotifierWithWriter(w)
	if err := k.Notify(context.Background(), "driver:D2", "trip:update", models.TripUpdate{ID: "T1", Status: models.StatusConfirmed}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	m := w.msgs[0]
	if string(m.Key) != "driver:D2" {
		t.Fatalf("unexpected key %q", m.Key)
	}
	var ev struct {
		ID      string            `json:"id"`
		Event   string            `json:"event"`
		Payload models.TripUpdate `json:"payload"`
	}
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.ID == "" || ev.Event != "trip:update" || ev.Payload.ID != "T1" {
		t.Fatalf("unexpected event %+v", ev)
	}

	w.err = errors.New("broker gone")
	if err := k.Notify(context.Background(), "user:U1", "trip:update", nil); err == nil {
		t.Fatal("expected writer error")
	}
}

func TestWebhookNotifier(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		if got["channel"] == "user:fail" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	if err := n.Notify(context.Background(), "user:U1", "trip:update", map[string]string{"id": "T1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["event"] != "trip:update" {
		t.Fatalf("unexpected body %v", got)
	}
	if err := n.Notify(context.Background(), "user:fail", "trip:update", nil); err == nil {
		t.Fatal("expected non-2xx to fail")
	}
}

func TestWSRegistryDeliversToSubscribers(t *testing.T) {
	reg := NewWSRegistry()
	upgrader := websocket.Upgrader{}
	registered := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add("driver:D2", conn)
		registered <- struct{}{}
	}))
	defer srv.Close()

	if err := reg.Notify(context.Background(), "driver:D2", "trip:update", nil); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession before subscribe, got %v", err)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	select {
	case <-registered:
	case <-time.After(2 * time.Second):
		t.Fatal("server never registered the session")
	}
	if reg.Count("driver:D2") != 1 {
		t.Fatalf("expected 1 session")
	}

	if err := reg.Notify(context.Background(), "driver:D2", "trip:update", models.TripUpdate{ID: "T1", Status: models.StatusConfirmed}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env struct {
		Event   string            `json:"event"`
		Payload models.TripUpdate `json:"payload"`
	}
	if err := client.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Event != "trip:update" || env.Payload.ID != "T1" {
		t.Fatalf("unexpected frame %+v", env)
	}
}

func TestWSRegistryRemove(t *testing.T) {
	reg := NewWSRegistry()
	s := reg.Add("user:U1", nil)
	reg.Remove("user:U1", s)
	reg.Remove("user:U1", s)
	if reg.Count("user:U1") != 0 {
		t.Fatalf("expected no sessions")
	}
}

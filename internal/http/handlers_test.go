package httpapi

import (
	"bytes"
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

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/scheduler"
)

type fakeRunner struct {
	res scheduler.Result
	err error
}

func (f fakeRunner) RunOnce(context.Context) (scheduler.Result, error) { return f.res, f.err }

type fakeLocations struct {
	mu   sync.Mutex
	got  []models.DriverLiveLocation
	fail error
}

func (f *fakeLocations) UpsertLocation(_ context.Context, loc models.DriverLiveLocation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.got = append(f.got, loc)
	return nil
}

func (f *fakeLocations) PublishLocation(ctx context.Context, loc models.DriverLiveLocation) error {
	return f.UpsertLocation(ctx, loc)
}

type pingFunc func(context.Context) error

func (p pingFunc) Ping(ctx context.Context) error { return p(ctx) }

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHealthzAndRequestID(t *testing.T) {
	s := NewServer(Deps{})
	rec := do(t, s, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected healthz response %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestReady(t *testing.T) {
	ok := NewServer(Deps{Ready: []Pinger{pingFunc(func(context.Context) error { return nil })}})
	if rec := do(t, ok, http.MethodGet, "/ready", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	down := NewServer(Deps{Ready: []Pinger{
		pingFunc(func(context.Context) error { return nil }),
		pingFunc(func(context.Context) error { return errors.New("db down") }),
	}})
	rec := do(t, down, http.MethodGet, "/ready", "")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "db down") {
		t.Fatalf("expected 503 naming the failure, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestDriverLocationWritesToStore(t *testing.T) {
	w := &fakeLocations{}
	s := NewServer(Deps{Writer: w})
	rec := do(t, s, http.MethodPost, "/internal/driver/locations", `{"driver_id":"D1","lat":12.9,"lng":77.6}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d %s", rec.Code, rec.Body.String())
	}
	if len(w.got) != 1 || w.got[0].DriverID != "D1" || w.got[0].UpdatedAt.IsZero() {
		t.Fatalf("unexpected writes %+v", w.got)
	}
}

func TestDriverLocationPrefersPublisher(t *testing.T) {
	w, p := &fakeLocations{}, &fakeLocations{}
	s := NewServer(Deps{Writer: w, Publisher: p})
	rec := do(t, s, http.MethodPost, "/internal/driver/locations", `{"driver_id":"D1","lat":1,"lng":2}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(p.got) != 1 || len(w.got) != 0 {
		t.Fatalf("expected publish only, got publisher=%d writer=%d", len(p.got), len(w.got))
	}
}

func TestDriverLocationRejectsBadInput(t *testing.T) {
	w := &fakeLocations{}
	s := NewServer(Deps{Writer: w})
	for _, body := range []string{`not json`, `{"lat":1,"lng":2}`} {
		if rec := do(t, s, http.MethodPost, "/internal/driver/locations", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
	w.fail = errors.New("redis down")
	if rec := do(t, s, http.MethodPost, "/internal/driver/locations", `{"driver_id":"D1","lat":1,"lng":2}`); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 on writer failure, got %d", rec.Code)
	}
	if rec := do(t, NewServer(Deps{}), http.MethodPost, "/internal/driver/locations", `{"driver_id":"D1","lat":1,"lng":2}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a sink, got %d", rec.Code)
	}
}

func TestRunCycle(t *testing.T) {
	s := NewServer(Deps{Runner: fakeRunner{res: scheduler.Result{
		Outcome: scheduler.OutcomeAssigned, TripID: "T1", DriverID: "D2", Source: "live", DistanceKm: 0.8,
	}}})
	rec := do(t, s, http.MethodPost, "/internal/dispatch/run", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got scheduler.Result
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Outcome != scheduler.OutcomeAssigned || got.DriverID != "D2" {
		t.Fatalf("unexpected result %+v", got)
	}

	failing := NewServer(Deps{Runner: fakeRunner{res: scheduler.Result{Outcome: scheduler.OutcomeError}, err: errors.New("select trip: timeout")}})
	if rec := do(t, failing, http.MethodPost, "/internal/dispatch/run", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/internal/dispatch/run", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", rec.Code)
	}
}

func TestWebsocketSubscription(t *testing.T) {
	reg := dispatch.NewWSRegistry()
	srv := httptest.NewServer(NewServer(Deps{WSReg: reg}))
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	if _, resp, err := websocket.DefaultDialer.Dial(base+"/ws/admin/x", nil); err == nil || resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown kind, err=%v", err)
	}

	client, _, err := websocket.DefaultDialer.Dial(base+"/ws/driver/D2", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, func() bool { return reg.Count("driver:D2") == 1 })

	if err := reg.Notify(context.Background(), "driver:D2", models.EventTripUpdate, models.TripUpdate{ID: "T1", Status: models.StatusConfirmed}); err != nil {
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
	if env.Event != models.EventTripUpdate || env.Payload.ID != "T1" {
		t.Fatalf("unexpected frame %+v", env)
	}

	_ = client.Close()
	waitFor(t, func() bool { return reg.Count("driver:D2") == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

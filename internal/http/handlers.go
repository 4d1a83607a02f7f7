package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/scheduler"
)

type CycleRunner interface {
	RunOnce(ctx context.Context) (scheduler.Result, error)
}

type LocationWriter interface {
	UpsertLocation(ctx context.Context, loc models.DriverLiveLocation) error
}

type LocationPublisher interface {
	PublishLocation(ctx context.Context, loc models.DriverLiveLocation) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the ops server exposes. Publisher and Writer
// are alternatives for location reports; the publisher wins when both are set.
type Deps struct {
	Runner    CycleRunner
	WSReg     *dispatch.WSRegistry
	Writer    LocationWriter
	Publisher LocationPublisher
	Ready     []Pinger
	Logger    *slog.Logger
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, logger: logging.Component(deps.Logger, "http"), mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/dispatch/run", s.handleRunCycle).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{kind:driver|user}/{id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.DriverLiveLocation
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if loc.DriverID == "" || !geo.Finite(models.Coord{Lat: loc.Lat, Lng: loc.Lng}) {
		http.Error(w, "driver_id and finite lat/lng are required", http.StatusBadRequest)
		return
	}
	if loc.UpdatedAt.IsZero() {
		loc.UpdatedAt = time.Now().UTC()
	}

	var err error
	switch {
	case s.deps.Publisher != nil:
		err = s.deps.Publisher.PublishLocation(r.Context(), loc)
	case s.deps.Writer != nil:
		err = s.deps.Writer.UpsertLocation(r.Context(), loc)
	default:
		http.Error(w, "location ingest not configured", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		s.logger.Error("location ingest failed", "driver_id", loc.DriverID, "error", err)
		http.Error(w, "location ingest failed", http.StatusBadGateway)
		return
	}
	observability.LocationsIngested.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		http.Error(w, "dispatcher not configured", http.StatusServiceUnavailable)
		return
	}
	res, err := s.deps.Runner.RunOnce(r.Context())
	if err != nil {
		s.logger.Error("manual dispatch cycle failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"outcome": res.Outcome, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	var errs []error
	for _, p := range s.deps.Ready {
		errs = append(errs, p.Ping(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

// handleWS subscribes the socket to "<kind>:<id>" until the client goes away.
// Clients only receive; anything they send is discarded.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.deps.WSReg == nil {
		http.Error(w, "websocket notifications disabled", http.StatusServiceUnavailable)
		return
	}
	vars := mux.Vars(r)
	channel := vars["kind"] + ":" + vars["id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "channel", channel, "error", err)
		return
	}
	sess := s.deps.WSReg.Add(channel, conn)
	defer func() {
		s.deps.WSReg.Remove(channel, sess)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

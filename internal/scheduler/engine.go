package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

type Outcome string

const (
	OutcomeNoTrip   Outcome = "no_trip"
	OutcomeNoDriver Outcome = "no_driver"
	OutcomeLostRace Outcome = "lost_race"
	OutcomeAssigned Outcome = "assigned"
	OutcomeError    Outcome = "error"
)

// Result describes what one dispatch cycle did.
type Result struct {
	Outcome    Outcome `json:"outcome"`
	TripID     string  `json:"trip_id,omitempty"`
	DriverID   string  `json:"driver_id,omitempty"`
	Source     string  `json:"source,omitempty"`
	DistanceKm float64 `json:"distance_km,omitempty"`
}

// Continue reports whether the tick should try another cycle after this one.
func (r Result) Continue() bool {
	return r.Outcome == OutcomeAssigned || r.Outcome == OutcomeLostRace
}

type Locator interface {
	Locate(ctx context.Context, pickup models.Coord) (matcher.Pick, bool)
}

// Engine runs one select, locate, assign, notify pass.
type Engine struct {
	Trips    storage.TripStore
	Locator  Locator
	Notifier dispatch.Notifier // optional
	Policy   config.Policy
	Now      func() time.Time
	Logger   *slog.Logger
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return logging.Component(nil, "engine")
	}
	return e.Logger
}

// bounded runs fn under the store timeout and turns an expired deadline into
// an error even when fn swallowed it.
func (e *Engine) bounded(ctx context.Context, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, e.storeTimeout())
	defer cancel()
	err := fn(cctx)
	if err == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		err = cctx.Err()
	}
	return err
}

// RunCycle attempts to dispatch the oldest eligible trip. "Nothing to do"
// outcomes come back with a nil error; only store failures and timeouts are
// returned as errors.
func (e *Engine) RunCycle(ctx context.Context) (res Result, err error) {
	start := time.Now()
	defer func() {
		if err != nil || res.Outcome == "" {
			res.Outcome = OutcomeError
		}
		observability.CyclesTotal.WithLabelValues(string(res.Outcome)).Inc()
		observability.CycleDuration.Observe(time.Since(start).Seconds())
	}()

	now := e.now()
	var trip *models.TripRequest
	err = e.bounded(ctx, func(ctx context.Context) error {
		var ferr error
		trip, ferr = e.Trips.FindNextDispatchableTrip(ctx, now, e.Policy.Lookahead, e.Policy.Grace)
		return ferr
	})
	if err != nil {
		return Result{}, fmt.Errorf("select trip: %w", err)
	}
	if trip == nil {
		return Result{Outcome: OutcomeNoTrip}, nil
	}
	res.TripID = trip.ID
	log := e.logger().With("trip_id", trip.ID, "pickup_cell", geo.Cell(trip.Pickup))

	var (
		pick  matcher.Pick
		found bool
	)
	err = e.bounded(ctx, func(ctx context.Context) error {
		pick, found = e.Locator.Locate(ctx, trip.Pickup)
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("locate driver for trip %s: %w", trip.ID, err)
	}
	if !found {
		log.Debug("no driver available")
		res.Outcome = OutcomeNoDriver
		return res, nil
	}
	res.DriverID, res.Source, res.DistanceKm = pick.DriverID, pick.Source, pick.DistanceKm

	var rows int64
	err = e.bounded(ctx, func(ctx context.Context) error {
		var aerr error
		rows, aerr = e.Trips.TryAssign(ctx, trip.ID, pick.DriverID, e.now())
		return aerr
	})
	if err != nil {
		return res, fmt.Errorf("assign trip %s: %w", trip.ID, err)
	}
	if rows == 0 {
		observability.AssignmentsLost.Inc()
		log.Info("trip already taken", "driver_id", pick.DriverID)
		res.Outcome = OutcomeLostRace
		return res, nil
	}

	observability.AssignmentsWon.Inc()
	res.Outcome = OutcomeAssigned
	log.Info("trip assigned",
		"driver_id", pick.DriverID,
		"source", pick.Source,
		"distance_km", pick.DistanceKm,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	e.notify(ctx, trip, pick.DriverID, log)
	return res, nil
}

func (e *Engine) notify(ctx context.Context, trip *models.TripRequest, driverID string, log *slog.Logger) {
	if e.Notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.storeTimeout())
	defer cancel()
	if err := dispatch.NotifyAssignment(nctx, e.Notifier, trip, driverID); err != nil {
		log.Warn("assignment notification failed", "error", err)
	}
}

func (e *Engine) storeTimeout() time.Duration {
	if e.Policy.StoreTimeout > 0 {
		return e.Policy.StoreTimeout
	}
	return config.DefaultPolicy().StoreTimeout
}

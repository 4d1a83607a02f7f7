package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Notifier delivers one real-time event to a channel such as "driver:42".
// Delivery is at most once and best effort.
type Notifier interface {
	Notify(ctx context.Context, channel, event string, payload any) error
}

type NotifierFunc func(ctx context.Context, channel, event string, payload any) error

func (f NotifierFunc) Notify(ctx context.Context, channel, event string, payload any) error {
	return f(ctx, channel, event, payload)
}

type sink struct {
	name string
	n    Notifier
}

// Fanout sends every event to all registered sinks. A failing sink does not
// stop the others; failures are logged, counted and joined into the result.
type Fanout struct {
	sinks  []sink
	logger *slog.Logger
}

func NewFanout(logger *slog.Logger) *Fanout {
	return &Fanout{logger: logging.Component(logger, "notifier")}
}

func (f *Fanout) Add(name string, n Notifier) *Fanout {
	if n != nil {
		f.sinks = append(f.sinks, sink{name: name, n: n})
	}
	return f
}

func (f *Fanout) Len() int { return len(f.sinks) }

func (f *Fanout) Notify(ctx context.Context, channel, event string, payload any) error {
	var errs []error
	for _, s := range f.sinks {
		err := s.n.Notify(ctx, channel, event, payload)
		switch {
		case err == nil:
		case errors.Is(err, ErrNoSession):
			f.logger.Debug("no subscriber", "sink", s.name, "channel", channel)
		default:
			observability.NotifyFailures.WithLabelValues(s.name).Inc()
			f.logger.Warn("notify failed", "sink", s.name, "channel", channel, "event", event, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// NotifyAssignment tells the assigned driver and the requesting user that the
// trip changed state. Both events are attempted even if the first fails.
func NotifyAssignment(ctx context.Context, n Notifier, trip *models.TripRequest, driverID string) error {
	if n == nil {
		return nil
	}
	payload := models.TripUpdate{ID: trip.ID, Status: models.StatusConfirmed}
	return errors.Join(
		n.Notify(ctx, models.DriverChannel(driverID), models.EventTripUpdate, payload),
		n.Notify(ctx, models.UserChannel(trip.UserID), models.EventTripUpdate, payload),
	)
}

package matcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	SourceLive     = "live"
	SourceFallback = "fallback"
)

type LocationStore interface {
	RecentLocations(ctx context.Context, since time.Time, limit int) ([]models.DriverLiveLocation, error)
}

type DriverDirectory interface {
	FirstAvailableDriver(ctx context.Context) (string, bool, error)
}

// DirectoryCheck filters ids down to drivers the directory marks available.
type DirectoryCheck interface {
	AvailableDrivers(ctx context.Context, ids []string) (map[string]bool, error)
}

// Pick is the locator's answer for one pickup.
type Pick struct {
	DriverID   string
	Source     string
	DistanceKm float64 // zero for fallback picks
}

// Locator finds the driver to offer a trip to. Live positions are tried
// first; when that path fails or is empty the directory supplies the first
// available driver by id, with no regard for distance.
type Locator struct {
	Locations      LocationStore // optional
	// Verify is required when Locations returns rows without directory
	// flags, as the Redis store does.
	Verify         DirectoryCheck
	Directory      DriverDirectory
	Nearest        geo.NearestFunc
	Staleness      time.Duration
	CandidateLimit int
	Now            func() time.Time
	Logger         *slog.Logger
}

func (l *Locator) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Locator) logger() *slog.Logger {
	if l.Logger == nil {
		return logging.Component(nil, "locator")
	}
	return l.Logger
}

// Locate returns the chosen driver, or ok=false when nobody is available.
// Store errors never escape: a failing live lookup falls back and a failing
// fallback means no driver.
func (l *Locator) Locate(ctx context.Context, pickup models.Coord) (Pick, bool) {
	if p, ok := l.locateLive(ctx, pickup); ok {
		observability.LocatorSource.WithLabelValues(SourceLive).Inc()
		return p, true
	}
	if l.Directory == nil {
		return Pick{}, false
	}
	id, ok, err := l.Directory.FirstAvailableDriver(ctx)
	if err != nil {
		observability.LocatorErrors.WithLabelValues(SourceFallback).Inc()
		l.logger().Warn("fallback driver lookup failed", "error", err)
		return Pick{}, false
	}
	if !ok || id == "" {
		return Pick{}, false
	}
	observability.LocatorSource.WithLabelValues(SourceFallback).Inc()
	return Pick{DriverID: id, Source: SourceFallback}, true
}

func (l *Locator) locateLive(ctx context.Context, pickup models.Coord) (Pick, bool) {
	if l.Locations == nil || !geo.Finite(pickup) {
		return Pick{}, false
	}
	limit := l.CandidateLimit
	if limit <= 0 {
		limit = 200
	}
	rows, err := l.Locations.RecentLocations(ctx, l.now().Add(-l.Staleness), limit)
	if err != nil {
		observability.LocatorErrors.WithLabelValues(SourceLive).Inc()
		l.logger().Warn("live location lookup failed, using fallback", "error", err)
		return Pick{}, false
	}

	if l.Verify != nil {
		if rows, err = l.verified(ctx, rows); err != nil {
			observability.LocatorErrors.WithLabelValues(SourceLive).Inc()
			l.logger().Warn("directory check failed, using fallback", "error", err)
			return Pick{}, false
		}
	}

	cands := make([]models.DriverLiveLocation, 0, len(rows))
	for _, r := range rows {
		if r.Qualifies() {
			cands = append(cands, r)
		}
	}
	nearest := l.Nearest
	if nearest == nil {
		nearest = geo.Nearest
	}
	best, d, ok := nearest(pickup, cands)
	if !ok {
		return Pick{}, false
	}
	return Pick{DriverID: best.DriverID, Source: SourceLive, DistanceKm: d}, true
}

// verified replaces the flags on rows with what the directory says.
func (l *Locator) verified(ctx context.Context, rows []models.DriverLiveLocation) ([]models.DriverLiveLocation, error) {
	if len(rows) == 0 {
		return rows, nil
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.DriverID
	}
	avail, err := l.Verify.AvailableDrivers(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]models.DriverLiveLocation, 0, len(rows))
	for _, r := range rows {
		r.Role, r.Available = "", false
		if avail[r.DriverID] {
			r.Role, r.Available = models.RoleDriver, true
		}
		out = append(out, r)
	}
	return out, nil
}

package matcher

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

type fakeLocations struct {
	rows      []models.DriverLiveLocation
	err       error
	gotSince  time.Time
	gotLimit  int
	callCount int
}

func (f *fakeLocations) RecentLocations(ctx context.Context, since time.Time, limit int) ([]models.DriverLiveLocation, error) {
	f.callCount++
	f.gotSince, f.gotLimit = since, limit
	return f.rows, f.err
}

type fakeDirectory struct {
	id  string
	ok  bool
	err error
}

func (f *fakeDirectory) FirstAvailableDriver(ctx context.Context) (string, bool, error) {
	return f.id, f.ok, f.err
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// north returns a live row km kilometres north of the origin.
func north(id string, km float64) models.DriverLiveLocation {
	return models.DriverLiveLocation{DriverID: id, Lat: km / 111.195, Lng: 0, Role: models.RoleDriver, Available: true, UpdatedAt: fixedNow}
}

func newLocator(locs LocationStore, dir DriverDirectory) *Locator {
	return &Locator{
		Locations:      locs,
		Directory:      dir,
		Staleness:      5 * time.Minute,
		CandidateLimit: 200,
		Now:            func() time.Time { return fixedNow },
	}
}

func TestLocateNearestLiveDriver(t *testing.T) {
	locs := &fakeLocations{rows: []models.DriverLiveLocation{north("D1", 2.1), north("D2", 0.8), north("D3", 4)}}
	l := newLocator(locs, &fakeDirectory{id: "Z", ok: true})

	p, ok := l.Locate(context.Background(), models.Coord{})
	if !ok {
		t.Fatal("expected a driver")
	}
	if p.DriverID != "D2" || p.Source != SourceLive {
		t.Fatalf("expected live D2, got %+v", p)
	}
	if math.Abs(p.DistanceKm-0.8) > 0.01 {
		t.Fatalf("expected ~0.8km, got %f", p.DistanceKm)
	}
	if locs.gotLimit != 200 || !locs.gotSince.Equal(fixedNow.Add(-5*time.Minute)) {
		t.Fatalf("unexpected query since=%s limit=%d", locs.gotSince, locs.gotLimit)
	}
}

func TestLocateSkipsUnqualifiedAndNonFinite(t *testing.T) {
	busy := north("BUSY", 0.1)
	busy.Available = false
	rider := north("RIDER", 0.1)
	rider.Role = "user"
	broken := north("NAN", 0)
	broken.Lat = math.NaN()
	locs := &fakeLocations{rows: []models.DriverLiveLocation{busy, rider, broken, north("OK", 3)}}

	p, ok := newLocator(locs, nil).Locate(context.Background(), models.Coord{})
	if !ok || p.DriverID != "OK" {
		t.Fatalf("expected OK, got %+v ok=%v", p, ok)
	}
}

func TestLocateRTreeStrategy(t *testing.T) {
	locs := &fakeLocations{rows: []models.DriverLiveLocation{north("D1", 2.1), north("D2", 0.8)}}
	l := newLocator(locs, nil)
	l.Nearest = geo.RTreeNearest

	p, ok := l.Locate(context.Background(), models.Coord{})
	if !ok || p.DriverID != "D2" {
		t.Fatalf("expected D2, got %+v", p)
	}
}

func TestLocateFallback(t *testing.T) {
	cases := []struct {
		name string
		locs LocationStore
	}{
		{"no live rows", &fakeLocations{}},
		{"live lookup error", &fakeLocations{rows: []models.DriverLiveLocation{north("D1", 1)}, err: errors.New("boom")}},
		{"no live store", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := newLocator(tc.locs, &fakeDirectory{id: "FIRST", ok: true})
			p, ok := l.Locate(context.Background(), models.Coord{})
			if !ok || p.DriverID != "FIRST" || p.Source != SourceFallback {
				t.Fatalf("expected fallback FIRST, got %+v ok=%v", p, ok)
			}
			if p.DistanceKm != 0 {
				t.Fatalf("fallback pick should carry no distance, got %f", p.DistanceKm)
			}
		})
	}
}

func TestLocateFallbackErrorMeansNoDriver(t *testing.T) {
	l := newLocator(&fakeLocations{}, &fakeDirectory{err: errors.New("db down")})
	if p, ok := l.Locate(context.Background(), models.Coord{}); ok {
		t.Fatalf("expected no driver, got %+v", p)
	}
}

func TestLocateNobodyAvailable(t *testing.T) {
	l := newLocator(&fakeLocations{}, &fakeDirectory{})
	if _, ok := l.Locate(context.Background(), models.Coord{}); ok {
		t.Fatal("expected no driver")
	}
}

func TestLocateNonFinitePickupFallsBack(t *testing.T) {
	locs := &fakeLocations{rows: []models.DriverLiveLocation{north("D1", 1)}}
	l := newLocator(locs, &fakeDirectory{id: "FIRST", ok: true})
	p, ok := l.Locate(context.Background(), models.Coord{Lat: math.Inf(1)})
	if !ok || p.Source != SourceFallback {
		t.Fatalf("expected fallback, got %+v", p)
	}
	if locs.callCount != 0 {
		t.Fatalf("live store should not be queried for a non-finite pickup")
	}
}

type fakeCheck struct {
	available map[string]bool
	err       error
	gotIDs    []string
}

func (f *fakeCheck) AvailableDrivers(ctx context.Context, ids []string) (map[string]bool, error) {
	f.gotIDs = ids
	return f.available, f.err
}

func TestLocateVerifiesAgainstDirectory(t *testing.T) {
	// BUSY reported itself available but the directory says otherwise; FREE
	// sent a bare position report.
	busy := north("BUSY", 0.2)
	free := north("FREE", 1.5)
	free.Role, free.Available = "", false
	locs := &fakeLocations{rows: []models.DriverLiveLocation{busy, free}}
	check := &fakeCheck{available: map[string]bool{"FREE": true}}

	l := newLocator(locs, &fakeDirectory{id: "Z", ok: true})
	l.Verify = check
	p, ok := l.Locate(context.Background(), models.Coord{})
	if !ok || p.DriverID != "FREE" || p.Source != SourceLive {
		t.Fatalf("expected live FREE, got %+v ok=%v", p, ok)
	}
	if len(check.gotIDs) != 2 {
		t.Fatalf("expected both ids checked, got %v", check.gotIDs)
	}
}

func TestLocateDirectoryCheckErrorFallsBack(t *testing.T) {
	locs := &fakeLocations{rows: []models.DriverLiveLocation{north("D1", 1)}}
	l := newLocator(locs, &fakeDirectory{id: "FIRST", ok: true})
	l.Verify = &fakeCheck{err: errors.New("db down")}
	p, ok := l.Locate(context.Background(), models.Coord{})
	if !ok || p.DriverID != "FIRST" || p.Source != SourceFallback {
		t.Fatalf("expected fallback FIRST, got %+v ok=%v", p, ok)
	}
}

func TestLocateNoneVerifiedFallsBack(t *testing.T) {
	locs := &fakeLocations{rows: []models.DriverLiveLocation{north("BUSY", 0.1)}}
	l := newLocator(locs, &fakeDirectory{id: "FIRST", ok: true})
	l.Verify = &fakeCheck{available: map[string]bool{}}
	p, ok := l.Locate(context.Background(), models.Coord{})
	if !ok || p.Source != SourceFallback {
		t.Fatalf("expected fallback, got %+v", p)
	}
}

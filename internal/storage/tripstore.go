package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNotFound = errors.New("not found")

// TripStore is the slice of trip persistence the dispatcher relies on.
//
// FindNextDispatchableTrip returns the oldest trip that is pending, unassigned
// and paid, scheduled within [now, now+lookahead] and created no earlier than
// now-grace. It returns (nil, nil) when nothing qualifies.
//
// TryAssign sets the driver, moves the trip to CONFIRMED and stamps the pickup
// time, but only while the trip is still unassigned and pending. It reports
// the number of rows changed: 1 means this caller won, 0 means someone else
// got there first.
type TripStore interface {
	FindNextDispatchableTrip(ctx context.Context, now time.Time, lookahead, grace time.Duration) (*models.TripRequest, error)
	TryAssign(ctx context.Context, tripID, driverID string, at time.Time) (int64, error)
}

// Dispatchable is the eligibility predicate shared by the in-memory store and
// mirrored by the SQL query.
func Dispatchable(t *models.TripRequest, now time.Time, lookahead, grace time.Duration) bool {
	if t.Status != models.StatusPendingAssignment || t.DriverID != nil {
		return false
	}
	if t.PaymentStatus != models.PaymentPaid {
		return false
	}
	if t.ScheduledTime.Before(now) || t.ScheduledTime.After(now.Add(lookahead)) {
		return false
	}
	return !t.CreatedAt.Before(now.Add(-grace))
}

// MemoryStore implements every store interface in process. It backs local
// runs without Postgres and the tests.
type MemoryStore struct {
	mu        sync.RWMutex
	trips     map[string]*models.TripRequest
	drivers   map[string]models.Driver
	locations map[string]models.DriverLiveLocation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:     make(map[string]*models.TripRequest),
		drivers:   make(map[string]models.Driver),
		locations: make(map[string]models.DriverLiveLocation),
	}
}

func (m *MemoryStore) SaveTrip(_ context.Context, t *models.TripRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.trips[t.ID] = &cp
	return nil
}

func (m *MemoryStore) SaveDriver(_ context.Context, d models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = d
	return nil
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (*models.TripRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) FindNextDispatchableTrip(_ context.Context, now time.Time, lookahead, grace time.Duration) (*models.TripRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.TripRequest
	for _, t := range m.trips {
		if !Dispatchable(t, now, lookahead, grace) {
			continue
		}
		if best == nil || t.CreatedAt.Before(best.CreatedAt) || (t.CreatedAt.Equal(best.CreatedAt) && t.ID < best.ID) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryStore) TryAssign(_ context.Context, tripID, driverID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok || t.DriverID != nil || t.Status != models.StatusPendingAssignment {
		return 0, nil
	}
	d := driverID
	ts := at
	t.DriverID = &d
	t.Status = models.StatusConfirmed
	t.PickupAt = &ts
	return 1, nil
}

func (m *MemoryStore) UpsertLocation(_ context.Context, loc models.DriverLiveLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if loc.UpdatedAt.IsZero() {
		loc.UpdatedAt = time.Now()
	}
	m.locations[loc.DriverID] = models.DriverLiveLocation{
		DriverID:  loc.DriverID,
		Lat:       loc.Lat,
		Lng:       loc.Lng,
		UpdatedAt: loc.UpdatedAt,
	}
	return nil
}

// RecentLocations joins positions updated at or after since with the driver
// directory, keeps qualifying drivers and returns the newest first.
func (m *MemoryStore) RecentLocations(_ context.Context, since time.Time, limit int) ([]models.DriverLiveLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DriverLiveLocation, 0, len(m.locations))
	for id, loc := range m.locations {
		if loc.UpdatedAt.Before(since) {
			continue
		}
		d, ok := m.drivers[id]
		if !ok {
			continue
		}
		loc.Role = d.Role
		loc.Available = d.Available
		if !loc.Qualifies() {
			continue
		}
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].DriverID < out[j].DriverID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) FirstAvailableDriver(_ context.Context) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.drivers))
	for id, d := range m.drivers {
		if d.Role == models.RoleDriver && d.Available {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return "", false, nil
	}
	sort.Strings(ids)
	return ids[0], true, nil
}

// AvailableDrivers returns the subset of ids whose directory entry has the
// driver role and is available.
func (m *MemoryStore) AvailableDrivers(_ context.Context, ids []string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		if d, ok := m.drivers[id]; ok && d.Role == models.RoleDriver && d.Available {
			out[id] = true
		}
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

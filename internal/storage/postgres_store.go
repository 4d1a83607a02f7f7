package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) FindNextDispatchableTrip(ctx context.Context, now time.Time, lookahead, grace time.Duration) (*models.TripRequest, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, scheduled_time, pickup_lat, pickup_lng, status, payment_status, created_at
		FROM trip_requests
		WHERE status = $1
		  AND driver_id IS NULL
		  AND payment_status = $2
		  AND scheduled_time BETWEEN $3 AND $4
		  AND created_at >= $5
		ORDER BY created_at ASC
		LIMIT 1`,
		string(models.StatusPendingAssignment),
		string(models.PaymentPaid),
		now, now.Add(lookahead),
		now.Add(-grace),
	)
	var t models.TripRequest
	err := row.Scan(&t.ID, &t.UserID, &t.ScheduledTime, &t.Pickup.Lat, &t.Pickup.Lng, &t.Status, &t.PaymentStatus, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select dispatchable trip: %w", err)
	}
	return &t, nil
}

func (p *PostgresStore) TryAssign(ctx context.Context, tripID, driverID string, at time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE trip_requests
		SET driver_id = $1, status = $2, pickup_at = $3
		WHERE id = $4 AND driver_id IS NULL AND status = $5`,
		driverID, string(models.StatusConfirmed), at,
		tripID, string(models.StatusPendingAssignment),
	)
	if err != nil {
		return 0, fmt.Errorf("assign trip %s: %w", tripID, err)
	}
	return res.RowsAffected()
}

func (p *PostgresStore) RecentLocations(ctx context.Context, since time.Time, limit int) ([]models.DriverLiveLocation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT l.driver_id, l.lat, l.lng, l.updated_at, d.role, d.is_available
		FROM driver_live_locations l
		JOIN drivers d ON d.id = l.driver_id
		WHERE l.updated_at >= $1
		  AND d.role = $2
		  AND d.is_available
		ORDER BY l.updated_at DESC
		LIMIT $3`,
		since, models.RoleDriver, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select live locations: %w", err)
	}
	defer rows.Close()

	var out []models.DriverLiveLocation
	for rows.Next() {
		var l models.DriverLiveLocation
		if err := rows.Scan(&l.DriverID, &l.Lat, &l.Lng, &l.UpdatedAt, &l.Role, &l.Available); err != nil {
			return nil, fmt.Errorf("scan live location: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *PostgresStore) FirstAvailableDriver(ctx context.Context) (string, bool, error) {
	var id string
	err := p.db.QueryRowContext(ctx, `
		SELECT id FROM drivers
		WHERE role = $1 AND is_available
		ORDER BY id ASC
		LIMIT 1`, models.RoleDriver,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select available driver: %w", err)
	}
	return id, true, nil
}

func (p *PostgresStore) AvailableDrivers(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM drivers
		WHERE id = ANY($1) AND role = $2 AND is_available`,
		pq.Array(ids), models.RoleDriver,
	)
	if err != nil {
		return nil, fmt.Errorf("select available drivers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan available driver: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// UpsertLocation records a driver's latest position. Directory flags on loc
// are ignored; the drivers table owns them.
func (p *PostgresStore) UpsertLocation(ctx context.Context, loc models.DriverLiveLocation) error {
	if loc.UpdatedAt.IsZero() {
		loc.UpdatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO driver_live_locations (driver_id, lat, lng, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (driver_id) DO UPDATE
		SET lat = EXCLUDED.lat, lng = EXCLUDED.lng, updated_at = EXCLUDED.updated_at
		WHERE driver_live_locations.updated_at <= EXCLUDED.updated_at`,
		loc.DriverID, loc.Lat, loc.Lng, loc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert location %s: %w", loc.DriverID, err)
	}
	return nil
}

func (p *PostgresStore) SaveTrip(ctx context.Context, t *models.TripRequest) error {
	var driverID sql.NullString
	if t.DriverID != nil {
		driverID = sql.NullString{String: *t.DriverID, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trip_requests (
			id, user_id, scheduled_time, pickup_lat, pickup_lng,
			status, payment_status, driver_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.UserID, t.ScheduledTime, t.Pickup.Lat, t.Pickup.Lng,
		string(t.Status), string(t.PaymentStatus), driverID, t.CreatedAt,
	)
	return err
}

func (p *PostgresStore) SaveDriver(ctx context.Context, d models.Driver) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO drivers (id, role, is_available) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET role = EXCLUDED.role, is_available = EXCLUDED.is_available`,
		d.ID, d.Role, d.Available,
	)
	return err
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.TripRequest, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, scheduled_time, pickup_lat, pickup_lng, status, payment_status,
		       driver_id, pickup_at, created_at
		FROM trip_requests WHERE id = $1`, id)
	var (
		t        models.TripRequest
		driverID sql.NullString
		pickupAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.UserID, &t.ScheduledTime, &t.Pickup.Lat, &t.Pickup.Lng, &t.Status, &t.PaymentStatus,
		&driverID, &pickupAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if driverID.Valid {
		d := driverID.String
		t.DriverID = &d
	}
	if pickupAt.Valid {
		ts := pickupAt.Time
		t.PickupAt = &ts
	}
	return &t, nil
}

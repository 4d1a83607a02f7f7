package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisLocations keeps live driver positions in Redis: a GEO set for the
// position and a sorted set scored by last-update time in unix millis.
// Directory flags are not stored; rows come back without Role or Available
// and must be checked against the driver directory before dispatch.
type RedisLocations struct {
	client redis.UniversalClient
	key    string
}

func NewRedisLocations(client redis.UniversalClient, key string) *RedisLocations {
	return &RedisLocations{client: client, key: key}
}

func (r *RedisLocations) updatedKey() string { return r.key + ":updated" }

// UpsertLocation records the position. Role and Available on loc are ignored.
func (r *RedisLocations) UpsertLocation(ctx context.Context, loc models.DriverLiveLocation) error {
	if !Finite(models.Coord{Lat: loc.Lat, Lng: loc.Lng}) {
		return fmt.Errorf("driver %s: non-finite position", loc.DriverID)
	}
	if loc.UpdatedAt.IsZero() {
		loc.UpdatedAt = time.Now()
	}
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lng, Latitude: loc.Lat, Name: loc.DriverID})
		p.ZAdd(ctx, r.updatedKey(), redis.Z{Score: float64(loc.UpdatedAt.UnixMilli()), Member: loc.DriverID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis upsert driver %s: %w", loc.DriverID, err)
	}
	return nil
}

// RecentLocations returns up to limit drivers updated at or after since,
// most recent first.
func (r *RedisLocations) RecentLocations(ctx context.Context, since time.Time, limit int) ([]models.DriverLiveLocation, error) {
	zs, err := r.client.ZRevRangeByScoreWithScores(ctx, r.updatedKey(), &redis.ZRangeBy{
		Min:   strconv.FormatInt(since.UnixMilli(), 10),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis recent drivers: %w", err)
	}
	if len(zs) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(zs))
	scores := make([]float64, 0, len(zs))
	for _, z := range zs {
		if id, ok := z.Member.(string); ok {
			ids = append(ids, id)
			scores = append(scores, z.Score)
		}
	}
	pos, err := r.client.GeoPos(ctx, r.key, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geopos: %w", err)
	}

	out := make([]models.DriverLiveLocation, 0, len(ids))
	for i, id := range ids {
		if i >= len(pos) || pos[i] == nil {
			continue
		}
		out = append(out, models.DriverLiveLocation{
			DriverID:  id,
			Lat:       pos[i].Latitude,
			Lng:       pos[i].Longitude,
			UpdatedAt: time.UnixMilli(int64(scores[i])),
		})
	}
	return out, nil
}

func (r *RedisLocations) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

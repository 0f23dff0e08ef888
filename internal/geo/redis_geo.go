package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisIndex implements Store using Redis GEO commands. Driver metadata
// lives in a hash per driver with a TTL so a silent driver drops out of
// search on its own.
type RedisIndex struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

func NewRedisIndex(client redis.UniversalClient, key string, ttl time.Duration) *RedisIndex {
	return &RedisIndex{client: client, key: key, ttl: ttl}
}

func (r *RedisIndex) Upsert(ctx context.Context, d models.DriverLocation) error {
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lng, Latitude: d.Loc.Lat, Name: d.DriverID})
	fields := map[string]interface{}{
		"status":     string(d.Status),
		"available":  strconv.FormatBool(d.IsAvailable),
		"car_type":   d.CarType,
		"blocked":    strconv.FormatBool(d.Blocked),
		"bg_check":   d.BackgroundCheck,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}
	// an empty ride id leaves any server-side assignment in place
	if d.CurrentRideID != "" {
		fields["ride_id"] = d.CurrentRideID
	}
	pipe.HSet(ctx, metaKey(d.DriverID), fields)
	if r.ttl > 0 {
		pipe.Expire(ctx, metaKey(d.DriverID), r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisIndex) Remove(ctx context.Context, driverID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, driverID)
	pipe.Del(ctx, metaKey(driverID))
	_, err := pipe.Exec(ctx)
	return err
}

const watchRetries = 10

// watch runs fn as an optimistic transaction on key, retrying when another
// writer touched the key first.
func (r *RedisIndex) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < watchRetries; i++ {
		err := r.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("driver meta %s: %w", key, redis.TxFailedErr)
}

func (r *RedisIndex) AssignDriver(ctx context.Context, driverID, rideID string) error {
	key := metaKey(driverID)
	return r.watch(ctx, key, func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, "ride_id").Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if cur != "" && cur != rideID {
			return ErrDriverBusy
		}
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "ride_id", rideID, "available", "false")
			if exists == 0 && r.ttl > 0 {
				pipe.Expire(ctx, key, r.ttl)
			}
			return nil
		})
		return err
	})
}

func (r *RedisIndex) ReleaseDriver(ctx context.Context, driverID, rideID string) error {
	key := metaKey(driverID)
	return r.watch(ctx, key, func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, "ride_id").Result()
		if err == redis.Nil || (err == nil && cur != rideID) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, key, "ride_id")
			pipe.HSet(ctx, key, "available", "true")
			return nil
		})
		return err
	})
}

func (r *RedisIndex) FindNearby(ctx context.Context, p models.Point, carType string, maxRadiusMeters float64, exclude []string) ([]models.Candidate, error) {
	skip := toSet(exclude)
	return r.search(ctx, p, carType, maxRadiusMeters, func(id string, dist float64) bool {
		_, excluded := skip[id]
		return !excluded
	})
}

func (r *RedisIndex) FindNearbyInBand(ctx context.Context, p models.Point, carType string, minRadiusMeters, maxRadiusMeters float64) ([]models.Candidate, error) {
	return r.search(ctx, p, carType, maxRadiusMeters, func(_ string, dist float64) bool {
		return dist > minRadiusMeters
	})
}

func (r *RedisIndex) search(ctx context.Context, p models.Point, carType string, radius float64, keep func(id string, dist float64) bool) ([]models.Candidate, error) {
	res, err := r.client.GeoRadius(ctx, r.key, p.Lng, p.Lat, &redis.GeoRadiusQuery{
		Radius:    radius,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius: %w", err)
	}
	hits := make([]redis.GeoLocation, 0, len(res))
	for _, g := range res {
		if g.Dist <= radius && keep(g.Name, g.Dist) {
			hits = append(hits, g)
		}
	}
	if len(hits) == 0 {
		return []models.Candidate{}, nil
	}

	pipe := r.client.Pipeline()
	metas := make([]*redis.MapStringStringCmd, len(hits))
	for i, g := range hits {
		metas[i] = pipe.HGetAll(ctx, metaKey(g.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("driver meta: %w", err)
	}

	out := make([]models.Candidate, 0, len(hits))
	var stale []string
	for i, g := range hits {
		d, ok := decodeMeta(g.Name, metas[i].Val())
		if !ok {
			stale = append(stale, g.Name)
			continue
		}
		if !d.Dispatchable(carType) {
			continue
		}
		out = append(out, models.Candidate{
			DriverID:       g.Name,
			Loc:            models.Point{Lat: g.Latitude, Lng: g.Longitude},
			DistanceMeters: g.Dist,
		})
	}
	if len(stale) > 0 {
		// best effort; the next search retries
		_ = r.prune(ctx, stale)
	}
	sortByDistance(out)
	return out, nil
}

// pruneScript drops GEO members whose meta hash has expired. The check and
// the ZREM run atomically so a driver that pings in between is kept.
var pruneScript = redis.NewScript(`
local n = 0
for i, id in ipairs(ARGV) do
  if redis.call('EXISTS', KEYS[i + 1]) == 0 then
    n = n + redis.call('ZREM', KEYS[1], id)
  end
end
return n`)

func (r *RedisIndex) prune(ctx context.Context, ids []string) error {
	keys := make([]string, 0, len(ids)+1)
	keys = append(keys, r.key)
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		keys = append(keys, metaKey(id))
		args[i] = id
	}
	return pruneScript.Run(ctx, r.client, keys, args...).Err()
}

// decodeMeta returns false when the hash expired or was never written.
func decodeMeta(id string, m map[string]string) (models.DriverLocation, bool) {
	if len(m) == 0 {
		return models.DriverLocation{}, false
	}
	d := models.DriverLocation{
		DriverID:        id,
		Status:          models.DriverStatus(m["status"]),
		IsAvailable:     m["available"] == "true",
		CurrentRideID:   m["ride_id"],
		CarType:         m["car_type"],
		Blocked:         m["blocked"] == "true",
		BackgroundCheck: m["bg_check"],
	}
	if ts, err := time.Parse(time.RFC3339, m["updated_at"]); err == nil {
		d.UpdatedAt = ts
	}
	return d, true
}

func metaKey(id string) string { return "driver:meta:" + id }

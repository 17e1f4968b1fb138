package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/dispatch-core/internal/models"
)

// RedisIndex implements Index on Redis GEO commands, with driver metadata in
// per-driver hashes. Multiple engine instances can share one index.
type RedisIndex struct {
	client    *redis.Client
	key       string
	freshness time.Duration
}

func NewRedisIndex(addr, password, key string, freshness time.Duration) *RedisIndex {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key, freshness: freshness}
}

// NewRedisIndexFromClient wires an existing client (used by the consumer).
func NewRedisIndexFromClient(c *redis.Client, key string, freshness time.Duration) *RedisIndex {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &RedisIndex{client: c, key: key, freshness: freshness}
}

func (r *RedisIndex) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisIndex) Upsert(ctx context.Context, d models.Driver) error {
	if d.LocUpdated.IsZero() {
		d.LocUpdated = time.Now().UTC()
	}
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: d.Loc.Lon,
		Latitude:  d.Loc.Lat,
		Name:      d.ID,
	}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(d.ID), map[string]interface{}{
		"class":           string(d.Class),
		"online":          strconv.FormatBool(d.Online),
		"available":       strconv.FormatBool(d.Available),
		"rating":          strconv.FormatFloat(d.Rating, 'f', -1, 64),
		"acceptance_rate": strconv.FormatFloat(d.AcceptanceRate, 'f', -1, 64),
		"completion_rate": strconv.FormatFloat(d.CompletionRate, 'f', -1, 64),
		"total_trips":     strconv.Itoa(d.TotalTrips),
		"loc_updated":     d.LocUpdated.UTC().Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisIndex) CandidatesWithin(ctx context.Context, point models.Coord, radiusKm float64, class models.VehicleClass) ([]Candidate, error) {
	locs, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  point.Lon,
			Latitude:   point.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-r.freshness)
	out := make([]Candidate, 0, len(locs))
	for _, loc := range locs {
		d, err := r.loadMeta(ctx, loc.Name)
		if err != nil {
			// metadata gone (expired driver); skip rather than fail the round
			continue
		}
		d.Loc = models.Coord{Lat: loc.Latitude, Lon: loc.Longitude}
		if !d.Online || !d.Available || d.Class != class {
			continue
		}
		if d.LocUpdated.Before(cutoff) {
			continue
		}
		out = append(out, Candidate{Driver: d, DistanceKm: loc.Dist})
	}
	return out, nil
}

func (r *RedisIndex) loadMeta(ctx context.Context, id string) (models.Driver, error) {
	m, err := r.client.HGetAll(ctx, metaKey(id)).Result()
	if err != nil {
		return models.Driver{}, err
	}
	d := models.Driver{ID: id, Class: models.VehicleClass(m["class"])}
	d.Online = m["online"] == "true"
	d.Available = m["available"] == "true"
	if v, err := strconv.ParseFloat(m["rating"], 64); err == nil {
		d.Rating = v
	}
	if v, err := strconv.ParseFloat(m["acceptance_rate"], 64); err == nil {
		d.AcceptanceRate = v
	}
	if v, err := strconv.ParseFloat(m["completion_rate"], 64); err == nil {
		d.CompletionRate = v
	}
	if v, err := strconv.Atoi(m["total_trips"]); err == nil {
		d.TotalTrips = v
	}
	if ts, err := time.Parse(time.RFC3339Nano, m["loc_updated"]); err == nil {
		d.LocUpdated = ts
	}
	return d, nil
}

func metaKey(id string) string { return "driver:meta:" + id }

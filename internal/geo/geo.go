package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/dispatch-core/internal/models"
)

// Candidate is a driver the index considers spatially eligible for a pickup
// point, prior to scoring.
type Candidate struct {
	Driver     models.Driver
	DistanceKm float64
}

// Index is the candidate-query contract used by the dispatch engine.
// An empty result means no driver qualifies; that is a normal outcome,
// never an error.
type Index interface {
	CandidatesWithin(ctx context.Context, point models.Coord, radiusKm float64, class models.VehicleClass) ([]Candidate, error)
	Upsert(ctx context.Context, d models.Driver) error
}

// DefaultFreshness is the staleness bound: locations older than this are
// treated as offline so ghost drivers never get matched.
const DefaultFreshness = 2 * time.Minute

// MemoryIndex keeps driver snapshots in a map and scans on query.
// Fine for one node; use RedisIndex when the pool is shared.
type MemoryIndex struct {
	mu        sync.RWMutex
	drivers   map[string]models.Driver
	freshness time.Duration
	now       func() time.Time
}

func NewMemoryIndex(freshness time.Duration) *MemoryIndex {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &MemoryIndex{
		drivers:   make(map[string]models.Driver),
		freshness: freshness,
		now:       time.Now,
	}
}

func (g *MemoryIndex) Upsert(_ context.Context, d models.Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d.LocUpdated.IsZero() {
		d.LocUpdated = g.now()
	}
	g.drivers[d.ID] = d
	return nil
}

// Remove drops a driver from the index (driver went offline).
func (g *MemoryIndex) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, id)
}

func (g *MemoryIndex) CandidatesWithin(_ context.Context, point models.Coord, radiusKm float64, class models.VehicleClass) ([]Candidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cutoff := g.now().Add(-g.freshness)
	out := make([]Candidate, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Online || !d.Available || d.Class != class {
			continue
		}
		if d.LocUpdated.Before(cutoff) {
			continue
		}
		dist := HaversineKm(point, d.Loc)
		if dist > radiusKm {
			continue
		}
		out = append(out, Candidate{Driver: d, DistanceKm: dist})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Driver.ID < out[j].Driver.ID
	})
	return out, nil
}

// HaversineKm is the great-circle distance between two coordinates in km.
func HaversineKm(a, b models.Coord) float64 {
	const earthRadiusKm = 6371.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

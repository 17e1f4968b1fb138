package scoring

import (
	"sort"
	"time"

	"github.com/example/dispatch-core/internal/geo"
	"github.com/example/dispatch-core/internal/models"
)

// AvgSpeedKmh is the fixed average speed used to estimate a driver's arrival
// at the pickup point from straight-line distance.
const AvgSpeedKmh = 30.0

// ArrivalEstimate converts a driver-to-pickup distance into a pickup ETA.
func ArrivalEstimate(distanceKm float64) time.Duration {
	hours := distanceKm / AvgSpeedKmh
	return time.Duration(hours * float64(time.Hour))
}

// Eligible reports whether a candidate at distanceKm may be scored at all.
// Too-far and too-slow candidates are excluded before scoring, not penalized
// inside it.
func Eligible(distanceKm float64, p Params) bool {
	if distanceKm > p.MaxDriverDistanceKm {
		return false
	}
	return ArrivalEstimate(distanceKm) <= p.MaxWaitTime
}

// Score maps a driver and its pickup distance to [0,1]. Pure and
// deterministic given its inputs; it never mutates state.
//
//	distanceScore = 1 - distance/maxDistance
//	ratingScore   = rating/5
//	acceptScore   = acceptanceRate/100
func Score(d models.Driver, distanceKm float64, p Params) float64 {
	distanceScore := 1 - distanceKm/p.MaxDriverDistanceKm
	ratingScore := d.Rating / 5
	acceptScore := d.AcceptanceRate / 100
	return distanceScore*p.DistanceWeight +
		ratingScore*p.DriverRatingWeight +
		acceptScore*p.AcceptanceRateWeight
}

// Ranked is one scored candidate in a dispatch round's ordered list.
type Ranked struct {
	Driver     models.Driver
	DistanceKm float64
	Score      float64
}

// Rank filters ineligible candidates, scores the rest, and orders them
// descending by score. Ties break on lower distance, then lower driver id,
// so the order is deterministic.
func Rank(cands []geo.Candidate, p Params) []Ranked {
	out := make([]Ranked, 0, len(cands))
	for _, c := range cands {
		if !Eligible(c.DistanceKm, p) {
			continue
		}
		out = append(out, Ranked{
			Driver:     c.Driver,
			DistanceKm: c.DistanceKm,
			Score:      Score(c.Driver, c.DistanceKm, p),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Driver.ID < out[j].Driver.ID
	})
	return out
}

// PenaltyPolicy lets deployments plug an extra score deduction (for example
// a fraud heuristic) without the scorer knowing the details.
type PenaltyPolicy interface {
	ScorePenalty(d models.Driver) float64
}

// RankWithPenalty is Rank with an optional per-driver deduction applied
// after the weighted score. A nil policy behaves exactly like Rank.
func RankWithPenalty(cands []geo.Candidate, p Params, policy PenaltyPolicy) []Ranked {
	ranked := Rank(cands, p)
	if policy == nil {
		return ranked
	}
	for i := range ranked {
		ranked[i].Score -= policy.ScorePenalty(ranked[i].Driver)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].DistanceKm != ranked[j].DistanceKm {
			return ranked[i].DistanceKm < ranked[j].DistanceKm
		}
		return ranked[i].Driver.ID < ranked[j].Driver.ID
	})
	return ranked
}

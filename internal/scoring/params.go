package scoring

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// WeightTolerance is how far the three weights may drift from summing to 1.
const WeightTolerance = 0.01

// Params are the tunable matching parameters. Administratively updated and
// versioned; a dispatch round may also carry a per-call override that is
// never persisted.
type Params struct {
	MaxDriverDistanceKm  float64       `json:"max_driver_distance_km"`
	MaxWaitTime          time.Duration `json:"max_wait_time"`
	DistanceWeight       float64       `json:"distance_weight"`
	DriverRatingWeight   float64       `json:"driver_rating_weight"`
	AcceptanceRateWeight float64       `json:"acceptance_rate_weight"`
	Version              int           `json:"version"`
}

func DefaultParams() Params {
	return Params{
		MaxDriverDistanceKm:  5,
		MaxWaitTime:          10 * time.Minute,
		DistanceWeight:       0.5,
		DriverRatingWeight:   0.3,
		AcceptanceRateWeight: 0.2,
		Version:              1,
	}
}

// Validate enforces positive radius/wait and the weight-sum invariant.
func (p Params) Validate() error {
	var errs []error
	if p.MaxDriverDistanceKm <= 0 {
		errs = append(errs, errors.New("max driver distance must be positive"))
	}
	if p.MaxWaitTime <= 0 {
		errs = append(errs, errors.New("max wait time must be positive"))
	}
	sum := p.DistanceWeight + p.DriverRatingWeight + p.AcceptanceRateWeight
	if math.Abs(sum-1.0) > WeightTolerance {
		errs = append(errs, fmt.Errorf("weights must sum to 1.0, got %.3f", sum))
	}
	return errors.Join(errs...)
}

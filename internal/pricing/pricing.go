// Package pricing is the pricing collaborator: straight-line estimates on
// trip request, final fare on completion. Amounts are in cents.
package pricing

import (
	"time"

	"github.com/example/dispatch-core/internal/models"
)

type rate struct {
	base      float64
	perKm     float64
	perMinute float64
}

func rateFor(class models.VehicleClass) rate {
	switch class {
	case models.ClassComfort:
		return rate{base: 350, perKm: 110, perMinute: 25}
	case models.ClassXL:
		return rate{base: 500, perKm: 140, perMinute: 35}
	default:
		return rate{base: 250, perKm: 90, perMinute: 20}
	}
}

// Estimate returns the up-front price for a distance/duration at the given
// vehicle class.
func Estimate(distanceKm float64, duration time.Duration, class models.VehicleClass) float64 {
	if distanceKm < 0 {
		distanceKm = 0
	}
	if duration < 0 {
		duration = 0
	}
	r := rateFor(class)
	return r.base + r.perKm*distanceKm + r.perMinute*duration.Minutes()
}

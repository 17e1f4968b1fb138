package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// VehicleClass partitions the driver pool; a trip is only ever matched to
// drivers of the class it requested.
type VehicleClass string

const (
	ClassEconomy VehicleClass = "economy"
	ClassComfort VehicleClass = "comfort"
	ClassXL      VehicleClass = "xl"
)

func (c VehicleClass) Valid() bool {
	switch c {
	case ClassEconomy, ClassComfort, ClassXL:
		return true
	default:
		return false
	}
}

type Driver struct {
	ID             string       `json:"id"`
	Loc            Coord        `json:"loc"`
	Class          VehicleClass `json:"class"`
	Online         bool         `json:"online"`
	Available      bool         `json:"available"`
	Rating         float64      `json:"rating"`          // 0..5
	AcceptanceRate float64      `json:"acceptance_rate"` // 0..100
	CompletionRate float64      `json:"completion_rate"` // 0..100
	TotalTrips     int          `json:"total_trips"`
	LocUpdated     time.Time    `json:"loc_updated"`
}

type TripRequest struct {
	ClientID string       `json:"client_id"`
	Pickup   Coord        `json:"pickup"`
	Dropoff  Coord        `json:"dropoff"`
	Class    VehicleClass `json:"class"`
}

// TripOffer is what a reserved driver sees while the acceptance clock runs.
type TripOffer struct {
	TripID     string    `json:"trip_id"`
	Pickup     Coord     `json:"pickup"`
	Dropoff    Coord     `json:"dropoff"`
	DistanceKm float64   `json:"distance_km"` // driver to pickup
	Score      float64   `json:"score"`
	Deadline   time.Time `json:"deadline"`
}

// ClientEvent is a fire-and-forget notification to the requesting client.
type ClientEvent struct {
	TripID   string `json:"trip_id"`
	Event    string `json:"event"`
	DriverID string `json:"driver_id,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// DriverResponse is a driver's answer to a pending offer.
type DriverResponse struct {
	TripID   string `json:"trip_id"`
	DriverID string `json:"driver_id"`
	Accepted bool   `json:"accepted"`
}

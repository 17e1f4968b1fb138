package trip

import (
	"errors"
	"strings"
	"time"

	"github.com/example/dispatch-core/internal/models"
)

// Actor identifies who performed a lifecycle operation.
type Actor string

const (
	ActorClient Actor = "client"
	ActorDriver Actor = "driver"
	ActorAdmin  Actor = "admin"
)

var (
	ErrClientRequired = errors.New("client id is required")
	ErrDriverRequired = errors.New("driver id is required")
	ErrNotAssigned    = errors.New("no driver assigned to trip")
	ErrWrongDriver    = errors.New("driver is not assigned to this trip")
)

// Trip is the domain entity for one requested journey. Terminal trips are
// retained for history, never deleted.
type Trip struct {
	ID       string
	ClientID string
	Pickup   models.Coord
	Dropoff  models.Coord
	Class    models.VehicleClass
	Status   Status

	DriverID   *string
	MatchScore *float64

	EstimatedPrice *float64
	FinalPrice     *float64
	PaymentRef     *string

	ActualDistanceKm *float64
	ActualDuration   *time.Duration

	CanceledBy   *Actor
	CancelReason *string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	AssignedAt  *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	CanceledAt  *time.Time
}

// New creates a trip in the requested state.
func New(id string, req models.TripRequest) (*Trip, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("trip id is required")
	}
	if strings.TrimSpace(req.ClientID) == "" {
		return nil, ErrClientRequired
	}
	if !req.Class.Valid() {
		return nil, errors.New("invalid vehicle class")
	}
	now := time.Now().UTC()
	return &Trip{
		ID:        id,
		ClientID:  req.ClientID,
		Pickup:    req.Pickup,
		Dropoff:   req.Dropoff,
		Class:     req.Class,
		Status:    StatusRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Assign binds a reserved driver and moves requested -> assigned.
func (t *Trip) Assign(driverID string, score float64) error {
	if strings.TrimSpace(driverID) == "" {
		return ErrDriverRequired
	}
	if !t.Status.CanTransitionTo(StatusAssigned) {
		return invalidTransition(t.Status, StatusAssigned)
	}
	now := time.Now().UTC()
	t.DriverID = &driverID
	t.MatchScore = &score
	t.AssignedAt = &now
	t.setStatus(StatusAssigned)
	return nil
}

// Unassign returns an assigned trip to requested so it can be rematched after
// a rejection, a response timeout, or a driver-side cancellation. It is the
// only backward movement in the lifecycle and is reserved for the engine.
func (t *Trip) Unassign() error {
	if t.Status != StatusAssigned {
		return invalidTransition(t.Status, StatusRequested)
	}
	t.DriverID = nil
	t.MatchScore = nil
	t.AssignedAt = nil
	t.setStatus(StatusRequested)
	return nil
}

// Start moves assigned -> active; only the assigned driver may start a trip.
func (t *Trip) Start(driverID string) error {
	if t.DriverID == nil {
		return ErrNotAssigned
	}
	if *t.DriverID != driverID {
		return ErrWrongDriver
	}
	if !t.Status.CanTransitionTo(StatusActive) {
		return invalidTransition(t.Status, StatusActive)
	}
	now := time.Now().UTC()
	t.StartedAt = &now
	t.setStatus(StatusActive)
	return nil
}

// Complete moves active -> completed, recording the actual distance, duration
// and final price. Only the assigned driver may complete a trip.
func (t *Trip) Complete(driverID string, distanceKm float64, duration time.Duration, finalPrice float64) error {
	if t.DriverID == nil {
		return ErrNotAssigned
	}
	if *t.DriverID != driverID {
		return ErrWrongDriver
	}
	if !t.Status.CanTransitionTo(StatusCompleted) {
		return invalidTransition(t.Status, StatusCompleted)
	}
	now := time.Now().UTC()
	t.CompletedAt = &now
	t.ActualDistanceKm = &distanceKm
	t.ActualDuration = &duration
	t.FinalPrice = &finalPrice
	t.setStatus(StatusCompleted)
	return nil
}

// Cancel moves a pre-active trip to canceled, recording who and why.
func (t *Trip) Cancel(by Actor, reason string) error {
	if !t.Status.CanTransitionTo(StatusCanceled) {
		return invalidTransition(t.Status, StatusCanceled)
	}
	now := time.Now().UTC()
	t.CanceledAt = &now
	t.CanceledBy = &by
	if r := strings.TrimSpace(reason); r != "" {
		t.CancelReason = &r
	}
	t.setStatus(StatusCanceled)
	return nil
}

// ReportIncident freezes any non-terminal trip pending manual intervention.
func (t *Trip) ReportIncident(by Actor, note string) error {
	if !t.Status.CanTransitionTo(StatusIncident) {
		return invalidTransition(t.Status, StatusIncident)
	}
	t.CanceledBy = &by
	if n := strings.TrimSpace(note); n != "" {
		t.CancelReason = &n
	}
	t.setStatus(StatusIncident)
	return nil
}

// AssignedTo reports whether driverID is the currently assigned driver.
func (t *Trip) AssignedTo(driverID string) bool {
	return t.DriverID != nil && *t.DriverID == driverID
}

func (t *Trip) setStatus(s Status) {
	t.Status = s
	t.UpdatedAt = time.Now().UTC()
}

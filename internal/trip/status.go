package trip

import (
	"errors"
	"fmt"
	"strings"
)

// Status is a trip lifecycle state.
type Status string

const (
	StatusRequested Status = "requested"
	StatusAssigned  Status = "assigned"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
	StatusIncident  Status = "incident"
)

var ErrInvalidStatus = errors.New("invalid trip status")

// ParseStatus normalizes and validates a status string.
func ParseStatus(in string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(in)))
	if s.Valid() {
		return s, nil
	}
	return "", ErrInvalidStatus
}

func (s Status) Valid() bool {
	switch s {
	case StatusRequested, StatusAssigned, StatusActive, StatusCompleted, StatusCanceled, StatusIncident:
		return true
	default:
		return false
	}
}

func (s Status) String() string { return string(s) }

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled || s == StatusIncident
}

// CanTransitionTo reports whether s -> next is a legal transition.
// Incident is reachable from any non-terminal state (administrative freeze);
// canceled only from the pre-active states.
func (s Status) CanTransitionTo(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusIncident {
		return true
	}
	switch s {
	case StatusRequested:
		return next == StatusAssigned || next == StatusCanceled
	case StatusAssigned:
		return next == StatusActive || next == StatusCanceled
	case StatusActive:
		return next == StatusCompleted
	default:
		return false
	}
}

// InvalidTransitionError identifies the current and requested states of a
// rejected transition. Transitions never silently no-op.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid trip transition: %s -> %s", e.From, e.To)
}

func invalidTransition(from, to Status) error {
	return &InvalidTransitionError{From: from, To: to}
}

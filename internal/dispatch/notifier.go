package dispatch

import (
	"context"

	"github.com/example/dispatch-core/internal/models"
)

// Notifier is the notification collaborator: at-least-once, fire-and-forget
// delivery to drivers and clients. The engine never blocks a state
// transition on delivery confirmation.
type Notifier interface {
	NotifyDriver(ctx context.Context, driverID string, offer models.TripOffer) error
	NotifyClient(ctx context.Context, clientID string, event models.ClientEvent) error
}

// NopNotifier drops every notification; used in tests and simulations.
type NopNotifier struct{}

func (NopNotifier) NotifyDriver(context.Context, string, models.TripOffer) error  { return nil }
func (NopNotifier) NotifyClient(context.Context, string, models.ClientEvent) error { return nil }
